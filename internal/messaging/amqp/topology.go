// Package amqp доставляет задания оптимизации медиа через RabbitMQ.
package amqp

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology описывает exchange и очереди заданий оптимизации.
type Topology struct {
	Exchange           string
	Queue              string
	RoutingKey         string
	DeadLetterExchange string
	DeadLetterQueue    string
}

// DefaultTopology возвращает имена по умолчанию.
func DefaultTopology() Topology {
	return Topology{
		Exchange:           "market.media",
		Queue:              "market.media.optimize",
		RoutingKey:         "optimize",
		DeadLetterExchange: "market.media.dlx",
		DeadLetterQueue:    "market.media.optimize.dlq",
	}
}

// Channel — подмножество *amqp.Channel, используемое пакетом.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Declare объявляет DLX, DLQ, основной exchange и основную очередь.
// Отклонённые без requeue сообщения основной очереди уходят в DLQ.
func Declare(ch Channel, topo Topology) error {
	if err := ch.ExchangeDeclare(topo.DeadLetterExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead letter exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(topo.DeadLetterQueue, true, false, false, false, amqp.Table{
		"x-queue-type": "classic",
	}); err != nil {
		return fmt.Errorf("declare dead letter queue: %w", err)
	}
	if err := ch.QueueBind(topo.DeadLetterQueue, topo.RoutingKey, topo.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind dead letter queue: %w", err)
	}

	if err := ch.ExchangeDeclare(topo.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(topo.Queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    topo.DeadLetterExchange,
		"x-dead-letter-routing-key": topo.RoutingKey,
	}); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(topo.Queue, topo.RoutingKey, topo.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// Client держит соединение и канал RabbitMQ.
type Client struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// Dial подключается к брокеру и объявляет топологию.
func Dial(url string, topo Topology) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	if err := Declare(ch, topo); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Client{conn: conn, channel: ch}, nil
}

// Channel возвращает канал клиента.
func (c *Client) Channel() Channel {
	return c.channel
}

// OpenChannel открывает отдельный канал, например для consumer.
func (c *Client) OpenChannel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	return ch, nil
}

// Close закрывает канал и соединение.
func (c *Client) Close() error {
	var firstErr error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

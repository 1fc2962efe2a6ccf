package amqp

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

const defaultPrefetch = 16

// Submitter принимает задания в локальный пул оптимизатора.
type Submitter interface {
	Submit(ctx context.Context, mediaID string) error
}

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPrefetch ограничивает число неподтверждённых сообщений на канале.
func WithPrefetch(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.prefetch = n
		}
	}
}

// Consumer читает очередь заданий с ручным подтверждением.
// Битые сообщения и повторно доставленные неудачи уходят в DLQ через nack без requeue.
type Consumer struct {
	channel   Channel
	queue     string
	submitter Submitter
	logger    *log.Entry
	prefetch  int
}

// NewConsumer создаёт consumer очереди topo.Queue.
func NewConsumer(ch Channel, topo Topology, submitter Submitter, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		channel:   ch,
		queue:     topo.Queue,
		submitter: submitter,
		logger:    log.WithField("component", "amqp-media-consumer"),
		prefetch:  defaultPrefetch,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Run читает сообщения до отмены ctx. Закрытие канала брокером возвращает ошибку.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.channel.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := c.channel.Consume(c.queue, "marketplace-optimizer", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	c.logger.WithField("queue", c.queue).Info("amqp consumer started")
	defer c.logger.Info("amqp consumer stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("amqp delivery channel closed")
			}
			c.handle(ctx, delivery)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, delivery amqp.Delivery) {
	logger := c.logger.WithField("delivery_tag", delivery.DeliveryTag)

	job, err := parseJob(delivery.Body)
	if err != nil {
		logger.WithError(err).Warn("rejecting malformed media job")
		c.settle(logger, delivery.Nack(false, false))
		return
	}
	logger = logger.WithField("media_id", job.MediaID)

	err = c.submitter.Submit(ctx, job.MediaID)
	switch {
	case err == nil:
		c.settle(logger, delivery.Ack(false))
	case ctx.Err() != nil:
		c.settle(logger, delivery.Nack(false, true))
	case delivery.Redelivered:
		logger.WithError(err).Error("media job failed again, dead-lettering")
		c.settle(logger, delivery.Nack(false, false))
	default:
		logger.WithError(err).Warn("media job submit failed, requeueing")
		c.settle(logger, delivery.Nack(false, true))
	}
}

func (c *Consumer) settle(logger *log.Entry, err error) {
	if err != nil {
		logger.WithError(err).Warn("failed to settle delivery")
	}
}

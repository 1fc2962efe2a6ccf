package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/artisanmarket/marketplace/internal/domain"
	"github.com/artisanmarket/marketplace/internal/messaging/amqp"
	"github.com/artisanmarket/marketplace/internal/messaging/kafka"
	"github.com/artisanmarket/marketplace/internal/service/optimizer"
)

// runner — фоновая задача процесса, останавливается отменой ctx.
type runner struct {
	name string
	run  func(ctx context.Context) error
}

// transports — внешние брокеры и построенные поверх них компоненты.
type transports struct {
	outboxPublisher domain.OutboxPublisher
	dlqPublisher    domain.OutboxPublisher
	mediaNotifier   domain.MediaJobNotifier
	consumers       []runner
	closers         []func() error
}

func (t *transports) close(logger *log.Entry) {
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](); err != nil {
			logger.WithError(err).Warn("failed to close transport")
		}
	}
}

// initTransports подключает Kafka (outbox и, при необходимости, задания медиа) и RabbitMQ.
// Для драйвера poll уведомлением служит сам пул оптимизатора.
func initTransports(cfg Config, pool *optimizer.Pool, logger *log.Entry) (*transports, error) {
	t := &transports{mediaNotifier: pool}

	var producer *kafka.Producer
	if len(cfg.KafkaBrokers) > 0 {
		p, err := kafka.NewProducer(cfg.KafkaBrokers, kafka.WithProducerLogger(logger.WithField("component", "kafka-producer")))
		if err != nil {
			if cfg.MediaQueueDriver == MediaQueueKafka {
				return nil, err
			}
			logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		} else {
			producer = p
			t.closers = append(t.closers, producer.Close)
			t.outboxPublisher = kafka.NewOutboxPublisher(producer, cfg.KafkaOrderTopic)
			t.dlqPublisher = kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)
			logger.WithField("brokers", cfg.KafkaBrokers).Info("kafka producer initialized")
		}
	}

	switch cfg.MediaQueueDriver {
	case MediaQueuePoll:
		logger.Info("media jobs are dispatched in-process")

	case MediaQueueKafka:
		if producer == nil {
			return nil, fmt.Errorf("kafka media queue requires brokers")
		}
		t.mediaNotifier = kafka.NewMediaJobNotifier(producer, cfg.KafkaMediaTopic)
		consumer, err := kafka.NewConsumer(
			cfg.KafkaBrokers,
			cfg.KafkaConsumerGroup,
			[]string{cfg.KafkaMediaTopic},
			kafka.MediaJobHandler(pool),
			kafka.WithDLQ(producer),
			kafka.WithMaxRetries(cfg.KafkaMaxRetries),
			kafka.WithConsumerLogger(logger.WithField("component", "kafka-media-consumer")),
		)
		if err != nil {
			t.close(logger)
			return nil, err
		}
		t.consumers = append(t.consumers, runner{name: "kafka-media-consumer", run: consumer.Run})

	case MediaQueueAMQP:
		topo := amqp.DefaultTopology()
		client, err := amqp.Dial(cfg.AMQPURL, topo)
		if err != nil {
			t.close(logger)
			return nil, err
		}
		t.closers = append(t.closers, client.Close)

		consumerCh, err := client.OpenChannel()
		if err != nil {
			t.close(logger)
			return nil, err
		}
		t.mediaNotifier = amqp.NewNotifier(client.Channel(), topo)
		consumer := amqp.NewConsumer(consumerCh, topo, pool,
			amqp.WithPrefetch(cfg.AMQPPrefetch),
			amqp.WithLogger(logger.WithField("component", "amqp-media-consumer")),
		)
		t.consumers = append(t.consumers, runner{name: "amqp-media-consumer", run: consumer.Run})
		logger.WithField("queue", topo.Queue).Info("rabbitmq media queue initialized")

	default:
		t.close(logger)
		return nil, fmt.Errorf("unsupported media queue driver %q", cfg.MediaQueueDriver)
	}

	return t, nil
}

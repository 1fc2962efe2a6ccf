package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// HeaderContentType проставляется на каждое сообщение маркетплейса.
const HeaderContentType = "content-type"

const (
	defaultClientID = "marketplace"
	contentTypeJSON = "application/json"
)

// Producer отправляет события заказов, задания оптимизации медиа и письма
// DLQ. Все значения кодируются в JSON.
type Producer struct {
	producer sarama.SyncProducer
	logger   *log.Entry
	now      func() time.Time
}

// ProducerOption настраивает Producer.
type ProducerOption func(*producerSettings)

type producerSettings struct {
	clientID   string
	maxRetries int
	logger     *log.Entry
}

// WithClientID задаёт client.id, под которым сервис виден брокеру.
func WithClientID(id string) ProducerOption {
	return func(s *producerSettings) {
		if id != "" {
			s.clientID = id
		}
	}
}

// WithSendRetries задаёт число повторов отправки внутри sarama.
func WithSendRetries(n int) ProducerOption {
	return func(s *producerSettings) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithProducerLogger задаёт логгер.
func WithProducerLogger(logger *log.Entry) ProducerOption {
	return func(s *producerSettings) { s.logger = logger }
}

// NewProducer подключается к брокерам. Producer идемпотентный и ждёт
// подтверждения всех реплик: outbox помечает событие отправленным только
// после записи в журнал.
func NewProducer(brokers []string, opts ...ProducerOption) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka producer: no brokers configured")
	}
	settings := producerSettings{clientID: defaultClientID, maxRetries: 5}
	for _, opt := range opts {
		opt(&settings)
	}

	config := sarama.NewConfig()
	config.ClientID = settings.clientID
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = settings.maxRetries
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	sp, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("connect kafka producer to %v: %w", brokers, err)
	}
	return NewProducerFromSync(sp, settings.logger), nil
}

// NewProducerFromSync оборачивает готовый sarama.SyncProducer; в тестах это mocks.SyncProducer.
func NewProducerFromSync(sp sarama.SyncProducer, logger *log.Entry) *Producer {
	if logger == nil {
		logger = log.WithField("component", "kafka-producer")
	}
	return &Producer{
		producer: sp,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PublishEvent кодирует event и пишет его в topic. Ключ задаёт партицию:
// события одного заказа или медиа остаются упорядоченными.
func (p *Producer) PublishEvent(topic, key string, event any, headers ...sarama.RecordHeader) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", topic, err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Headers:   withContentType(headers),
		Timestamp: p.now(),
	}

	logger := p.logger.WithFields(log.Fields{"topic": topic, "key": key})
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		logger.WithError(err).Error("kafka send failed")
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	logger.WithFields(log.Fields{"partition": partition, "offset": offset}).Debug("kafka message sent")
	return nil
}

func withContentType(headers []sarama.RecordHeader) []sarama.RecordHeader {
	for _, h := range headers {
		if string(h.Key) == HeaderContentType {
			return headers
		}
	}
	out := make([]sarama.RecordHeader, 0, len(headers)+1)
	out = append(out, headers...)
	return append(out, sarama.RecordHeader{Key: []byte(HeaderContentType), Value: []byte(contentTypeJSON)})
}

func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}

package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/artisanmarket/marketplace/internal/domain"
)

// MediaJobNotifier публикует задания оптимизации в Kafka.
type MediaJobNotifier struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewMediaJobNotifier создаёт notifier. Пустой topic заменяется на TopicMediaOptimize.
func NewMediaJobNotifier(producer *Producer, topic string) *MediaJobNotifier {
	if topic == "" {
		topic = TopicMediaOptimize
	}
	return &MediaJobNotifier{
		producer: producer,
		topic:    topic,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// NotifyMediaJob публикует задание с ключом media id.
func (n *MediaJobNotifier) NotifyMediaJob(ctx context.Context, mediaID string) error {
	if n == nil || n.producer == nil {
		return fmt.Errorf("kafka media notifier is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return n.producer.PublishEvent(n.topic, mediaID, MediaJobMessage{
		MediaID:     mediaID,
		RequestedAt: n.now(),
	})
}

var _ domain.MediaJobNotifier = (*MediaJobNotifier)(nil)

// JobSubmitter принимает задания в локальный пул оптимизатора.
type JobSubmitter interface {
	Submit(ctx context.Context, mediaID string) error
}

// MediaJobHandler возвращает обработчик, передающий задания в пул.
// Submit блокируется при полной очереди, так consumer получает backpressure.
func MediaJobHandler(submitter JobSubmitter) MessageHandler {
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		job, err := ParseMediaJob(message)
		if err != nil {
			return Permanent(err)
		}
		if err := submitter.Submit(ctx, job.MediaID); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("submit media job %s: %w", job.MediaID, err)
		}
		return nil
	}
}

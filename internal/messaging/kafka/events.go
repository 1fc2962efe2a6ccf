package kafka

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
)

// Kafka topics.
const (
	TopicOrderEvents     = "market.order.events"
	TopicMediaOptimize   = "market.media.optimize"
	TopicDeadLetterQueue = "market.dlq"
)

// Заголовки сообщений.
const (
	HeaderEventType     = "event-type"
	HeaderOriginalTopic = "original-topic"
	HeaderRetryCount    = "retry-count"
)

// MediaJobMessage — задание на оптимизацию одного медиа.
type MediaJobMessage struct {
	MediaID     string    `json:"media_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// ParseMediaJob разбирает MediaJobMessage. Пустой media_id считается ошибкой разбора.
func ParseMediaJob(message *sarama.ConsumerMessage) (MediaJobMessage, error) {
	var job MediaJobMessage
	if err := json.Unmarshal(message.Value, &job); err != nil {
		return MediaJobMessage{}, fmt.Errorf("unmarshal media job: %w", err)
	}
	job.MediaID = strings.TrimSpace(job.MediaID)
	if job.MediaID == "" {
		return MediaJobMessage{}, fmt.Errorf("media job without media_id")
	}
	return job, nil
}

// DeadLetter — содержимое сообщения в DLQ.
type DeadLetter struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	ErrorMessage      string    `json:"error_message"`
	Attempts          int       `json:"attempts"`
	FailedAt          time.Time `json:"failed_at"`
}

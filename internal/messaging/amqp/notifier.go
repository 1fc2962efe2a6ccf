package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/artisanmarket/marketplace/internal/domain"
)

// JobMessage — тело сообщения с заданием оптимизации.
type JobMessage struct {
	MediaID     string    `json:"media_id"`
	RequestedAt time.Time `json:"requested_at"`
}

func parseJob(body []byte) (JobMessage, error) {
	var job JobMessage
	if err := json.Unmarshal(body, &job); err != nil {
		return JobMessage{}, fmt.Errorf("unmarshal media job: %w", err)
	}
	job.MediaID = strings.TrimSpace(job.MediaID)
	if job.MediaID == "" {
		return JobMessage{}, fmt.Errorf("media job without media_id")
	}
	return job, nil
}

// Notifier публикует задания в exchange как persistent-сообщения.
type Notifier struct {
	mu      sync.Mutex
	channel Channel
	topo    Topology
	now     func() time.Time
}

// NewNotifier создаёт notifier поверх канала.
func NewNotifier(ch Channel, topo Topology) *Notifier {
	return &Notifier{
		channel: ch,
		topo:    topo,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// NotifyMediaJob публикует задание для mediaID.
func (n *Notifier) NotifyMediaJob(ctx context.Context, mediaID string) error {
	now := n.now()
	body, err := json.Marshal(JobMessage{MediaID: mediaID, RequestedAt: now})
	if err != nil {
		return fmt.Errorf("marshal media job: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	err = n.channel.PublishWithContext(ctx, n.topo.Exchange, n.topo.RoutingKey, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    mediaID,
		Timestamp:    now,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish media job %s: %w", mediaID, err)
	}
	return nil
}

var _ domain.MediaJobNotifier = (*Notifier)(nil)

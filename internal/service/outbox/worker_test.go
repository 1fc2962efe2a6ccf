package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artisanmarket/marketplace/internal/domain"
	"github.com/artisanmarket/marketplace/internal/metrics"
	"github.com/artisanmarket/marketplace/internal/storage/memory"
)

type stubPublisher struct {
	mu             sync.Mutex
	err            error
	sequenceErrors []error
	published      []domain.OutboxMessage
	callCount      int
}

func (s *stubPublisher) Publish(msg domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	err := s.err
	if len(s.sequenceErrors) > 0 {
		err = s.sequenceErrors[0]
		s.sequenceErrors = s.sequenceErrors[1:]
	}
	if err == nil {
		s.published = append(s.published, msg)
	}
	return err
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

var _ domain.OutboxPublisher = (*stubPublisher)(nil)

func enqueueStatusChange(t *testing.T, repo *memory.OutboxRepository, orderID, to string) domain.OutboxMessage {
	t.Helper()
	msg, err := domain.NewOrderStatusMessage(domain.EventOrderStatusChanged, domain.OrderStatusChangedEvent{
		OrderID:    orderID,
		From:       "pending",
		To:         to,
		Version:    2,
		OccurredAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	stored, err := repo.Enqueue(context.Background(), msg)
	require.NoError(t, err)
	return stored
}

func newTestWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, opts ...Option) *Worker {
	base := []Option{
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
		WithMetrics(metrics.NewOutboxMetricsWithRegisterer(prometheus.NewRegistry())),
	}
	return NewWorker(repo, publisher, append(base, opts...)...)
}

func TestWorker_Drain_MarkSent(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	msg := enqueueStatusChange(t, repo, "order-1", "confirmed")
	publisher := &stubPublisher{}

	res := newTestWorker(repo, publisher).Drain(context.Background())

	assert.Equal(t, DrainResult{Sent: 1}, res)
	require.Len(t, publisher.published, 1)
	assert.Equal(t, msg.ID, publisher.published[0].ID)
	assert.Empty(t, repo.AllPending())

	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.PendingCount)
}

func TestWorker_Drain_DeadLettersAfterRetries(t *testing.T) {
	t.Parallel()

	failedAt := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	repo := memory.NewOutboxRepository()
	msg := enqueueStatusChange(t, repo, "order-2", "cancelled")
	publisher := &stubPublisher{err: errors.New("broker unavailable")}
	dlq := &stubPublisher{}

	res := newTestWorker(repo, publisher,
		WithDLQPublisher(dlq),
		WithClock(func() time.Time { return failedAt }),
	).Drain(context.Background())

	assert.Equal(t, DrainResult{Failed: 1}, res)
	assert.Equal(t, 3, publisher.calls())
	assert.Empty(t, repo.AllPending(), "failed message leaves the pending backlog")

	require.Len(t, dlq.published, 1)
	assert.Equal(t, msg.ID, dlq.published[0].ID)

	var envelope deadLetter
	require.NoError(t, json.Unmarshal(dlq.published[0].Payload, &envelope))
	assert.Equal(t, msg.ID, envelope.OutboxID)
	assert.Equal(t, "order-2", envelope.AggregateID)
	assert.Equal(t, domain.EventOrderStatusChanged, envelope.EventType)
	assert.Equal(t, 3, envelope.Attempts)
	assert.True(t, envelope.FailedAt.Equal(failedAt))
	assert.Contains(t, envelope.PublishError, "broker unavailable")
	assert.JSONEq(t, string(msg.Payload), string(envelope.Payload))
}

func TestWorker_Drain_SuccessAfterRetry(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueueStatusChange(t, repo, "order-3", "shipped")
	publisher := &stubPublisher{
		sequenceErrors: []error{errors.New("attempt 1"), errors.New("attempt 2"), nil},
	}

	res := newTestWorker(repo, publisher).Drain(context.Background())

	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 3, publisher.calls())
	assert.Len(t, publisher.published, 1)
	assert.Empty(t, repo.AllPending())
}

func TestWorker_Drain_PreservesOrder(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	first := enqueueStatusChange(t, repo, "order-4", "confirmed")
	second := enqueueStatusChange(t, repo, "order-4", "processing")
	publisher := &stubPublisher{}

	newTestWorker(repo, publisher, WithBatchSize(1)).Drain(context.Background())
	require.Len(t, publisher.published, 1)
	assert.Equal(t, first.ID, publisher.published[0].ID)

	newTestWorker(repo, publisher, WithBatchSize(1)).Drain(context.Background())
	require.Len(t, publisher.published, 2)
	assert.Equal(t, second.ID, publisher.published[1].ID)
}

func TestWorker_Drain_DefersLaterEventsOfFailedOrder(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueueStatusChange(t, repo, "order-5", "confirmed")
	later := enqueueStatusChange(t, repo, "order-5", "processing")
	other := enqueueStatusChange(t, repo, "order-6", "confirmed")
	publisher := &stubPublisher{
		sequenceErrors: []error{errors.New("down"), errors.New("down"), errors.New("down")},
	}

	res := newTestWorker(repo, publisher).Drain(context.Background())

	assert.Equal(t, DrainResult{Sent: 1, Failed: 1, Deferred: 1}, res)
	require.Len(t, publisher.published, 1)
	assert.Equal(t, other.ID, publisher.published[0].ID)

	pending := repo.AllPending()
	require.Len(t, pending, 1)
	assert.Equal(t, later.ID, pending[0].ID)
}

func TestWorker_Drain_CancelledDuringRetryKeepsPending(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueueStatusChange(t, repo, "order-7", "confirmed")
	publisher := &stubPublisher{err: errors.New("broker unavailable")}
	dlq := &stubPublisher{}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := NewWorker(repo, publisher,
		WithDLQPublisher(dlq),
		WithMaxAttempts(5),
		WithRetryBaseDelay(time.Second),
	).Drain(ctx)

	assert.Zero(t, res.Failed)
	assert.Empty(t, dlq.published)
	assert.Len(t, repo.AllPending(), 1)
}

func TestWorker_RetryBackoff(t *testing.T) {
	w := NewWorker(nil, nil, WithRetryBaseDelay(10*time.Millisecond))

	assert.Equal(t, 10*time.Millisecond, w.retryBackoff(1))
	assert.Equal(t, 20*time.Millisecond, w.retryBackoff(2))
	assert.Equal(t, 40*time.Millisecond, w.retryBackoff(3))
	assert.Equal(t, maxRetryDelay, w.retryBackoff(15))
	assert.Equal(t, maxRetryDelay, w.retryBackoff(64))
	assert.Zero(t, NewWorker(nil, nil, WithRetryBaseDelay(0)).retryBackoff(3))
}

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueueStatusChange(t, repo, "order-8", "confirmed")
	publisher := &stubPublisher{}
	worker := newTestWorker(repo, publisher, WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	require.Eventually(t, func() bool { return len(repo.AllPending()) == 0 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

func TestWorker_Run_DisabledWithoutPublisher(t *testing.T) {
	require.NoError(t, NewWorker(memory.NewOutboxRepository(), nil).Run(context.Background()))
}

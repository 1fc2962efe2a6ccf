package kafka

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artisanmarket/marketplace/internal/domain"
)

func TestOutboxPublisher_Envelope(t *testing.T) {
	rec := &recordingProducer{}
	publisher := NewOutboxPublisher(NewProducerFromSync(rec, nil), "")
	published := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	publisher.now = func() time.Time { return published }

	created := published.Add(-time.Minute)
	require.NoError(t, publisher.Publish(domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: "order",
		AggregateID:   "order-123",
		EventType:     domain.EventOrderStatusChanged,
		Payload:       []byte(`{"new_status":"confirmed"}`),
		CreatedAt:     created,
	}))

	sent := rec.sent(t)
	require.Len(t, sent, 1)
	assert.Equal(t, TopicOrderEvents, sent[0].Topic)
	assert.Equal(t, "order-123", encodedString(t, sent[0].Key))
	assert.Equal(t, domain.EventOrderStatusChanged, headerValue(sent[0].Headers, HeaderEventType))

	var envelope outboxEnvelope
	require.NoError(t, json.Unmarshal([]byte(encodedString(t, sent[0].Value)), &envelope))
	assert.Equal(t, "outbox-1", envelope.ID)
	assert.JSONEq(t, `{"new_status":"confirmed"}`, string(envelope.Payload))
	assert.True(t, envelope.OccurredAt.Equal(created))
	assert.True(t, envelope.PublishedAt.Equal(published))
}

func TestOutboxPublisher_KeyFallsBackToID(t *testing.T) {
	rec := &recordingProducer{}
	publisher := NewOutboxPublisher(NewProducerFromSync(rec, nil), TopicDeadLetterQueue)

	require.NoError(t, publisher.Publish(domain.OutboxMessage{ID: "outbox-2", EventType: "Dead"}))

	sent := rec.sent(t)
	require.Len(t, sent, 1)
	assert.Equal(t, TopicDeadLetterQueue, sent[0].Topic)
	assert.Equal(t, "outbox-2", encodedString(t, sent[0].Key))
	assert.Contains(t, encodedString(t, sent[0].Value), `"payload":null`)
}

func TestOutboxPublisher_ProducerError(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	publisher := NewOutboxPublisher(NewProducerFromSync(sp, nil), TopicOrderEvents)
	err := publisher.Publish(domain.OutboxMessage{ID: "outbox-3", AggregateID: "order-3"})
	require.Error(t, err)
	require.NoError(t, sp.Close())
}

func TestOutboxPublisher_NilProducer(t *testing.T) {
	publisher := NewOutboxPublisher(nil, TopicOrderEvents)
	require.Error(t, publisher.Publish(domain.OutboxMessage{ID: "outbox-4"}))
}

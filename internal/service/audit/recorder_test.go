package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artisanmarket/marketplace/internal/domain"
	"github.com/artisanmarket/marketplace/internal/storage/memory"
)

type failingRepo struct{}

func (failingRepo) Append(context.Context, domain.AuditEntry) error { return errors.New("sink down") }
func (failingRepo) List(context.Context, string, string) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestRecorder_RecordAndHistory(t *testing.T) {
	ctx := context.Background()
	recorder := NewRecorder(memory.NewAuditRepository(), nil)
	fixed := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	recorder.now = func() time.Time { return fixed }

	recorder.Record(ctx, "user-1", ActionOrderCreated, ResourceOrder, "order-1", map[string]any{"status": "pending"})
	recorder.Record(ctx, "admin", ActionOrderStatus, ResourceOrder, "order-1", map[string]any{"from": "pending", "to": "confirmed"})
	recorder.Record(ctx, "user-2", ActionOrderCreated, ResourceOrder, "order-2", nil)

	history, err := recorder.History(ctx, ResourceOrder, "order-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ActionOrderCreated, history[0].Action)
	assert.Equal(t, "admin", history[1].Actor)
	assert.Equal(t, fixed, history[1].Occurred)
}

func TestRecorder_SwallowsSinkErrors(t *testing.T) {
	recorder := NewRecorder(failingRepo{}, nil)
	recorder.Record(context.Background(), "user-1", ActionMediaDeleted, ResourceMedia, "m1", nil)
}

func TestRecorder_NilSafe(t *testing.T) {
	var recorder *Recorder
	recorder.Record(context.Background(), "x", "y", "z", "1", nil)

	history, err := NewRecorder(nil, nil).History(context.Background(), ResourceOrder, "1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

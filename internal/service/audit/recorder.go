// Package audit пишет журнал действий с заказами и медиа.
package audit

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/artisanmarket/marketplace/internal/domain"
)

// Действия, попадающие в журнал.
const (
	ActionOrderCreated   = "order.created"
	ActionOrderStatus    = "order.status_changed"
	ActionOrderCancelled = "order.cancelled"
	ActionOrderRefunded  = "order.refunded"
	ActionOrderPayment   = "order.payment_changed"
	ActionMediaUploaded  = "media.uploaded"
	ActionMediaRetried   = "media.optimization_retried"
	ActionMediaDeleted   = "media.deleted"

	ResourceOrder = "order"
	ResourceMedia = "media"
)

// Recorder записывает аудит. Ошибки записи логируются и не прерывают операцию.
type Recorder struct {
	repo   domain.AuditRepository
	logger *log.Entry
	now    func() time.Time
}

// NewRecorder создаёт recorder. Без репозитория записи только логируются на debug.
func NewRecorder(repo domain.AuditRepository, logger *log.Entry) *Recorder {
	if logger == nil {
		logger = log.WithField("component", "audit")
	}
	return &Recorder{
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record сохраняет запись аудита.
func (r *Recorder) Record(ctx context.Context, actor, action, resource, resourceID string, diff map[string]any) {
	if r == nil {
		return
	}
	fields := log.Fields{
		"actor":       actor,
		"action":      action,
		"resource":    resource,
		"resource_id": resourceID,
	}
	if r.repo == nil {
		r.logger.WithFields(fields).Debug("audit sink is not configured")
		return
	}

	entry := domain.AuditEntry{
		Actor:      actor,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Diff:       diff,
		Occurred:   r.now(),
	}
	if err := r.repo.Append(ctx, entry); err != nil {
		r.logger.WithError(err).WithFields(fields).Warn("failed to write audit entry")
	}
}

// History возвращает записи по ресурсу в порядке добавления.
func (r *Recorder) History(ctx context.Context, resource, resourceID string) ([]domain.AuditEntry, error) {
	if r == nil || r.repo == nil {
		return nil, nil
	}
	return r.repo.List(ctx, resource, resourceID)
}

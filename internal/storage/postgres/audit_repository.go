package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/artisanmarket/marketplace/internal/domain"
)

type auditRepository struct {
	db *sql.DB
}

// NewAuditRepository создаёт PostgreSQL-реализацию AuditRepository.
func NewAuditRepository(store *Store) domain.AuditRepository {
	return &auditRepository{db: store.DB()}
}

func (r *auditRepository) Append(ctx context.Context, entry domain.AuditEntry) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var diff any
	if len(entry.Diff) > 0 {
		raw, err := jsonValue(entry.Diff)
		if err != nil {
			return fmt.Errorf("encode audit diff: %w", err)
		}
		diff = raw
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_log (actor, action, resource, resource_id, diff, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.Actor, entry.Action, entry.Resource, entry.ResourceID, diff, entry.Occurred.UTC())
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (r *auditRepository) List(ctx context.Context, resource, resourceID string) ([]domain.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT actor, action, resource, resource_id, diff, occurred_at
		FROM audit_log
		WHERE resource = $1 AND resource_id = $2
		ORDER BY occurred_at, id
	`, resource, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.AuditEntry, 0)
	for rows.Next() {
		var (
			entry domain.AuditEntry
			diff  []byte
		)
		if err := rows.Scan(&entry.Actor, &entry.Action, &entry.Resource, &entry.ResourceID, &diff, &entry.Occurred); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if len(diff) > 0 {
			if err := json.Unmarshal(diff, &entry.Diff); err != nil {
				return nil, fmt.Errorf("decode audit diff: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

var _ domain.AuditRepository = (*auditRepository)(nil)

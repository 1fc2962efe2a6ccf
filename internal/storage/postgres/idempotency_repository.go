package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artisanmarket/marketplace/internal/domain"
)

// defaultIdempotencyTTL — сколько хранится ответ на повтор POST /orders.
const defaultIdempotencyTTL = 24 * time.Hour

// idempotencyRepository хранит ключи вида "<user>:<Idempotency-Key>" в
// таблице idempotency_keys.
type idempotencyRepository struct {
	db *sql.DB
}

func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyRepository{db: store.DB()}
}

// CreateProcessing занимает ключ. Свободным считается ключ без записи,
// с истёкшим ttl или упавший с тем же телом запроса: повтор после 400 или
// 5xx снова проходит в оформление.
func (r *idempotencyRepository) CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	requestHash = strings.TrimSpace(requestHash)
	switch {
	case key == "":
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	case requestHash == "":
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	now := time.Now().UTC()
	if ttlAt.IsZero() {
		ttlAt = now.Add(defaultIdempotencyTTL)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	record := domain.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusProcessing,
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys AS k (
			key, request_hash, response_body, http_status, status, ttl_at, created_at, updated_at
		) VALUES ($1, $2, NULL, NULL, 'processing', $3, $4, $4)
		ON CONFLICT (key) DO UPDATE SET
			request_hash = EXCLUDED.request_hash,
			response_body = NULL,
			http_status = NULL,
			status = 'processing',
			ttl_at = EXCLUDED.ttl_at,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at
		WHERE k.ttl_at <= $4
		   OR (k.status = 'failed' AND k.request_hash = EXCLUDED.request_hash)
		RETURNING ttl_at, created_at, updated_at
	`, key, requestHash, ttlAt, now).Scan(&record.TTLAt, &record.CreatedAt, &record.UpdatedAt)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, fmt.Errorf("claim idempotency key: %w", err)
	}

	// Ключ занят живой записью: отдаём её для ответа клиенту.
	existing, err := r.Get(ctx, key)
	switch {
	case err != nil:
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
	case existing.RequestHash != requestHash:
		return existing, domain.ErrIdempotencyHashMismatch
	default:
		return existing, domain.ErrIdempotencyKeyAlreadyExists
	}
}

func (r *idempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		record     domain.IdempotencyRecord
		status     string
		httpStatus sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT key, request_hash, response_body, http_status, status, ttl_at, created_at, updated_at
		FROM idempotency_keys
		WHERE key = $1
	`, key).Scan(
		&record.Key, &record.RequestHash, &record.ResponseBody, &httpStatus, &status,
		&record.TTLAt, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency record: %w", err)
	}

	record.Status = domain.IdempotencyStatus(status)
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("invalid idempotency status %q for key %s", status, key)
	}
	if httpStatus.Valid {
		record.HTTPStatus = int(httpStatus.Int64)
	}
	return record, nil
}

// MarkDone сохраняет ответ, который получат повторы с тем же ключом.
func (r *idempotencyRepository) MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error {
	return r.finish(ctx, key, domain.IdempotencyStatusDone, responseBody, httpStatus)
}

// MarkFailed освобождает ключ для повтора с тем же телом.
func (r *idempotencyRepository) MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error {
	return r.finish(ctx, key, domain.IdempotencyStatusFailed, responseBody, httpStatus)
}

func (r *idempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}
	if limit <= 0 {
		limit = 1000
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE key IN (
			SELECT key
			FROM idempotency_keys
			WHERE ttl_at <= $1
			ORDER BY ttl_at
			LIMIT $2
		)
	`, before, limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("idempotency rows affected: %w", err)
	}
	return int(affected), nil
}

// finish закрывает только запись в processing: завершённый ответ не
// перезаписывается опоздавшим запросом.
func (r *idempotencyRepository) finish(ctx context.Context, key string, status domain.IdempotencyStatus, responseBody []byte, httpStatus int) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET response_body = $2,
		    http_status = $3,
		    status = $4,
		    updated_at = $5
		WHERE key = $1 AND status = 'processing'
	`, key, responseBody, httpStatus, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark idempotency key %s: %w", status, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("idempotency rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	existing, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	return domain.InvalidStatef("idempotency key is already %s", existing.Status)
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)

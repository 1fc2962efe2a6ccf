package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/artisanmarket/marketplace/internal/domain"
)

const mediaColumns = `
	id, filename, original_name, mime_type, path, size,
	metadata, exif_data, optimized_paths, optimization_status, optimization_error,
	owner_kind, owner_id, collection, alt_text, caption, uploaded_by,
	claimed_at, optimized_at, created_at, updated_at`

type mediaRepository struct {
	db *sql.DB
}

// NewMediaRepository создаёт PostgreSQL-реализацию MediaRepository.
// Строка media служит записью задачи оптимизации: claim выполняется условным UPDATE.
func NewMediaRepository(store *Store) domain.MediaRepository {
	return &mediaRepository{db: store.DB()}
}

func (r *mediaRepository) Create(ctx context.Context, m domain.Media) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	metadata, err := jsonValue(m.Metadata)
	if err != nil {
		return fmt.Errorf("encode media metadata: %w", err)
	}
	exif, err := nullableJSON(len(m.ExifData) > 0, m.ExifData)
	if err != nil {
		return fmt.Errorf("encode exif: %w", err)
	}
	paths, err := nullableJSON(len(m.OptimizedPaths) > 0, m.OptimizedPaths)
	if err != nil {
		return fmt.Errorf("encode optimized paths: %w", err)
	}

	var ownerKind, ownerID any
	if m.Owner != nil {
		ownerKind, ownerID = string(m.Owner.Kind), m.Owner.ID
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO media (`+mediaColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`,
		m.ID, m.Filename, m.OriginalName, m.MimeType, m.Path, m.Size,
		metadata, exif, paths, string(m.OptimizationStatus), m.OptimizationError,
		ownerKind, ownerID, m.Collection, m.AltText, m.Caption, m.UploadedBy,
		nullableTime(m.ClaimedAt), nullableTime(m.OptimizedAt), m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.InvalidStatef("media %s already exists", m.ID)
		}
		return fmt.Errorf("insert media: %w", err)
	}
	return nil
}

func (r *mediaRepository) Get(ctx context.Context, id string) (domain.Media, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	m, err := scanMedia(r.db.QueryRowContext(ctx, `SELECT `+mediaColumns+` FROM media WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Media{}, domain.ErrMediaNotFound
		}
		return domain.Media{}, err
	}
	return m, nil
}

func (r *mediaRepository) Claim(ctx context.Context, id string, now time.Time) (domain.Media, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	m, err := scanMedia(r.db.QueryRowContext(ctx, `
		UPDATE media
		SET optimization_status = 'processing',
		    claimed_at = $2,
		    updated_at = $2
		WHERE id = $1 AND optimization_status = 'pending'
		RETURNING `+mediaColumns, id, now.UTC()))
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Media{}, fmt.Errorf("claim media %s: %w", id, err)
	}
	if _, err := r.currentStatus(ctx, id); err != nil {
		return domain.Media{}, err
	}
	return domain.Media{}, domain.ErrMediaNotClaimable
}

func (r *mediaRepository) Complete(ctx context.Context, id string, claimedAt time.Time, paths map[domain.Rendition]string, now time.Time) error {
	encoded, err := jsonValue(paths)
	if err != nil {
		return fmt.Errorf("encode optimized paths: %w", err)
	}
	return r.finishProcessing(ctx, id, claimedAt, `
		UPDATE media
		SET optimization_status = 'completed',
		    optimized_paths = $3,
		    optimization_error = '',
		    optimized_at = $4,
		    claimed_at = NULL,
		    updated_at = $4
		WHERE id = $1 AND optimization_status = 'processing' AND claimed_at = $2
	`, encoded, now.UTC())
}

func (r *mediaRepository) Fail(ctx context.Context, id string, claimedAt time.Time, reason string, now time.Time) error {
	return r.finishProcessing(ctx, id, claimedAt, `
		UPDATE media
		SET optimization_status = 'failed',
		    optimized_paths = NULL,
		    optimization_error = $3,
		    claimed_at = NULL,
		    updated_at = $4
		WHERE id = $1 AND optimization_status = 'processing' AND claimed_at = $2
	`, reason, now.UTC())
}

func (r *mediaRepository) Release(ctx context.Context, id string, claimedAt time.Time, now time.Time) error {
	return r.finishProcessing(ctx, id, claimedAt, `
		UPDATE media
		SET optimization_status = 'pending',
		    claimed_at = NULL,
		    updated_at = $3
		WHERE id = $1 AND optimization_status = 'processing' AND claimed_at = $2
	`, now.UTC())
}

// finishProcessing применяет запрос к строке, захваченной с меткой claimedAt.
// $1 и $2 заняты id и меткой захвата.
func (r *mediaRepository) finishProcessing(ctx context.Context, id string, claimedAt time.Time, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, query, append([]any{id, claimedAt.UTC()}, args...)...)
	if err != nil {
		return fmt.Errorf("update media %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("media rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	status, err := r.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	if status == domain.OptimizationProcessing {
		return fmt.Errorf("%w: media %s was claimed again", domain.ErrMediaClaimLost, id)
	}
	return fmt.Errorf("%w: media %s is %s, not processing", domain.ErrMediaClaimLost, id, status)
}

func (r *mediaRepository) ResetToPending(ctx context.Context, id string, now time.Time) (domain.Media, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	m, err := scanMedia(r.db.QueryRowContext(ctx, `
		UPDATE media
		SET optimization_status = 'pending',
		    optimization_error = '',
		    updated_at = $2
		WHERE id = $1 AND optimization_status = 'failed'
		RETURNING `+mediaColumns, id, now.UTC()))
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Media{}, fmt.Errorf("reset media %s: %w", id, err)
	}

	status, err := r.currentStatus(ctx, id)
	if err != nil {
		return domain.Media{}, err
	}
	return domain.Media{}, domain.InvalidStatef("media is %s, only failed media can be retried", status)
}

func (r *mediaRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM media WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete media %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("media rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrMediaNotFound
	}
	return nil
}

func (r *mediaRepository) ListPending(ctx context.Context, limit int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id
		FROM media
		WHERE optimization_status = 'pending'
		ORDER BY created_at, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending media: %w", err)
	}
	return scanIDs(rows)
}

func (r *mediaRepository) FailStuck(ctx context.Context, claimedBefore time.Time, reason string, now time.Time) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		UPDATE media
		SET optimization_status = 'failed',
		    optimized_paths = NULL,
		    optimization_error = $2,
		    claimed_at = NULL,
		    updated_at = $3
		WHERE optimization_status = 'processing' AND claimed_at < $1
		RETURNING id
	`, claimedBefore.UTC(), reason, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("fail stuck media: %w", err)
	}
	return scanIDs(rows)
}

func (r *mediaRepository) currentStatus(ctx context.Context, id string) (domain.OptimizationStatus, error) {
	var status string
	err := r.db.QueryRowContext(ctx, `SELECT optimization_status FROM media WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrMediaNotFound
		}
		return "", fmt.Errorf("read media status: %w", err)
	}
	return domain.OptimizationStatus(status), nil
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan media id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate media ids: %w", err)
	}
	return ids, nil
}

func scanMedia(row rowScanner) (domain.Media, error) {
	var (
		m                      domain.Media
		metadata, exif, paths  []byte
		status                 string
		ownerKind              sql.NullString
		ownerID                sql.NullInt64
		claimedAt, optimizedAt sql.NullTime
	)
	err := row.Scan(
		&m.ID, &m.Filename, &m.OriginalName, &m.MimeType, &m.Path, &m.Size,
		&metadata, &exif, &paths, &status, &m.OptimizationError,
		&ownerKind, &ownerID, &m.Collection, &m.AltText, &m.Caption, &m.UploadedBy,
		&claimedAt, &optimizedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Media{}, err
		}
		return domain.Media{}, fmt.Errorf("scan media: %w", err)
	}

	m.OptimizationStatus = domain.OptimizationStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return domain.Media{}, fmt.Errorf("decode media metadata: %w", err)
		}
	}
	if len(exif) > 0 {
		if err := json.Unmarshal(exif, &m.ExifData); err != nil {
			return domain.Media{}, fmt.Errorf("decode exif: %w", err)
		}
	}
	if len(paths) > 0 {
		if err := json.Unmarshal(paths, &m.OptimizedPaths); err != nil {
			return domain.Media{}, fmt.Errorf("decode optimized paths: %w", err)
		}
	}
	if ownerKind.Valid && ownerID.Valid {
		m.Owner = &domain.MediaOwner{Kind: domain.OwnerKind(ownerKind.String), ID: ownerID.Int64}
	}
	m.ClaimedAt = timeFromNull(claimedAt)
	m.OptimizedAt = timeFromNull(optimizedAt)
	return m, nil
}

func nullableJSON(present bool, v any) (any, error) {
	if !present {
		return nil, nil
	}
	return jsonValue(v)
}

var _ domain.MediaRepository = (*mediaRepository)(nil)

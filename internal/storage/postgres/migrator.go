package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	migrationsDir = "sql/migrations"
	// migrationLockKey — ключ pg_advisory_lock, общий для всех экземпляров сервиса.
	migrationLockKey  = int64(0x6d61726b6574)
	migrationTableDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

var (
	//go:embed sql/migrations/*.sql
	embeddedMigrations embed.FS

	migrationFileRe = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)
)

type migration struct {
	Version int64
	Name    string
	Up      string
	Down    string
}

// MigrationState описывает одну миграцию и её статус в базе.
type MigrationState struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
}

// Migrator применяет SQL-миграции под advisory lock, каждую в своей транзакции.
type Migrator struct {
	db     *sql.DB
	source fs.FS
	logger *log.Entry
}

// NewMigrator создаёт мигратор со встроенным набором миграций.
func NewMigrator(store *Store, logger *log.Entry) *Migrator {
	if logger == nil {
		logger = log.WithField("component", "postgres-migrator")
	}
	return &Migrator{db: store.DB(), source: embeddedMigrations, logger: logger}
}

// MigrateUp применяет все доступные up-миграции.
func (s *Store) MigrateUp(ctx context.Context) error {
	return NewMigrator(s, nil).Up(ctx, 0)
}

// Up применяет до steps неприменённых миграций; steps<=0 означает все.
func (m *Migrator) Up(ctx context.Context, steps int) error {
	return m.withLock(ctx, func(conn *sql.Conn, all []migration) error {
		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}

		done := 0
		for _, mg := range all {
			if _, ok := applied[mg.Version]; ok {
				continue
			}
			if err := m.apply(ctx, conn, mg, mg.Up, true); err != nil {
				return err
			}
			done++
			if steps > 0 && done >= steps {
				break
			}
		}
		return nil
	})
}

// Down откатывает steps последних применённых миграций; steps<=0 означает одну.
func (m *Migrator) Down(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return m.withLock(ctx, func(conn *sql.Conn, all []migration) error {
		byVersion := make(map[int64]migration, len(all))
		for _, mg := range all {
			byVersion[mg.Version] = mg
		}

		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		versions := make([]int64, 0, len(applied))
		for v := range applied {
			versions = append(versions, v)
		}
		sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })
		if len(versions) > steps {
			versions = versions[:steps]
		}

		for _, v := range versions {
			mg, ok := byVersion[v]
			if !ok {
				return fmt.Errorf("cannot rollback unknown migration version %d", v)
			}
			if err := m.apply(ctx, conn, mg, mg.Down, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// Status возвращает все известные миграции с отметкой о применении.
func (m *Migrator) Status(ctx context.Context) ([]MigrationState, error) {
	all, err := parseMigrations(m.source)
	if err != nil {
		return nil, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := m.db.ExecContext(queryCtx, migrationTableDDL); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}
	rows, err := m.db.QueryContext(queryCtx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	appliedAt := make(map[int64]time.Time)
	for rows.Next() {
		var (
			version int64
			at      time.Time
		)
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		appliedAt[version] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}

	states := make([]MigrationState, 0, len(all))
	for _, mg := range all {
		at, ok := appliedAt[mg.Version]
		states = append(states, MigrationState{Version: mg.Version, Name: mg.Name, Applied: ok, AppliedAt: at})
	}
	return states, nil
}

func (m *Migrator) withLock(ctx context.Context, fn func(conn *sql.Conn, all []migration) error) error {
	all, err := parseMigrations(m.source)
	if err != nil {
		return err
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	if _, err := conn.ExecContext(ctx, migrationTableDDL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(conn, all)
}

func (m *Migrator) apply(ctx context.Context, conn *sql.Conn, mg migration, body string, up bool) (err error) {
	direction := "down"
	if up {
		direction = "up"
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx (%s %d): %w", direction, mg.Version, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("execute %s migration %d_%s: %w", direction, mg.Version, mg.Name, err)
	}
	if up {
		_, err = tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, mg.Version, mg.Name)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = $1`, mg.Version)
	}
	if err != nil {
		return fmt.Errorf("record %s migration %d_%s: %w", direction, mg.Version, mg.Name, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit %s migration %d_%s: %w", direction, mg.Version, mg.Name, err)
	}

	m.logger.WithFields(log.Fields{
		"version":   mg.Version,
		"name":      mg.Name,
		"direction": direction,
	}).Info("migration applied")
	return nil
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[int64]struct{}, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	result := make(map[int64]struct{})
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied migration version: %w", err)
		}
		result[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return result, nil
}

// parseMigrations читает пары NNNN_name.up.sql / NNNN_name.down.sql и сортирует их по версии.
func parseMigrations(source fs.FS) ([]migration, error) {
	files, err := fs.Glob(source, migrationsDir+"/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no migration files found")
	}

	byVersion := make(map[int64]*migration)
	for _, file := range files {
		base := path.Base(file)
		parts := migrationFileRe.FindStringSubmatch(base)
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", base)
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version from %s: %w", base, err)
		}

		raw, err := fs.ReadFile(source, file)
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", file, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", base)
		}

		mg, ok := byVersion[version]
		if !ok {
			mg = &migration{Version: version, Name: parts[2]}
			byVersion[version] = mg
		} else if mg.Name != parts[2] {
			return nil, fmt.Errorf("migration name mismatch for version %d: %s vs %s", version, mg.Name, parts[2])
		}

		target := &mg.Up
		if parts[3] == "down" {
			target = &mg.Down
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", parts[3], version)
		}
		*target = body
	}

	result := make([]migration, 0, len(byVersion))
	for _, mg := range byVersion {
		if mg.Up == "" || mg.Down == "" {
			return nil, fmt.Errorf("migration %d_%s must have both up and down files", mg.Version, mg.Name)
		}
		result = append(result, *mg)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Version < result[j].Version })
	return result, nil
}

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
)

const (
	migrationsGlob = "sql/migrations/*.sql"
	// migrationLockKey — ключ pg_advisory_lock, общий для всех экземпляров pie.
	migrationLockKey  = int64(0x70696531)
	migrationTableDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

var (
	//go:embed sql/migrations/*.sql
	migrationsFS embed.FS

	migrationFilePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

	errStoreNotInitialized = errors.New("postgres store is not initialized")
)

type migrationDirection string

const (
	migrationUp   migrationDirection = "up"
	migrationDown migrationDirection = "down"
)

// migration — пара up/down скриптов одной версии схемы.
type migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

// Key — имя миграции в виде 0001_day_orders.
func (m migration) Key() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

// MigrateUp применяет не более steps миграций; 0 — все ожидающие.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.withMigrator(ctx, true, func(m *migrator, all []migration) error {
		return m.up(ctx, all, steps)
	})
}

// MigrateDown откатывает steps последних миграций, минимум одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.withMigrator(ctx, true, func(m *migrator, all []migration) error {
		return m.down(ctx, all, steps)
	})
}

// MigrationStatus возвращает максимальную применённую версию и число применённых миграций.
func (s *Store) MigrationStatus(ctx context.Context) (version int64, applied int, err error) {
	if s == nil || s.db == nil {
		return 0, 0, errStoreNotInitialized
	}

	queryCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(queryCtx, migrationTableDDL); err != nil {
		return 0, 0, fmt.Errorf("ensure migration table: %w", err)
	}
	if err := s.db.QueryRowContext(queryCtx,
		`SELECT COALESCE(MAX(version), 0), COUNT(*) FROM schema_migrations`,
	).Scan(&version, &applied); err != nil {
		return 0, 0, fmt.Errorf("query migration status: %w", err)
	}
	return version, applied, nil
}

// PendingMigrations возвращает ключи встроенных миграций, которых ещё нет в базе.
func (s *Store) PendingMigrations(ctx context.Context) ([]string, error) {
	var pending []string
	err := s.withMigrator(ctx, false, func(m *migrator, all []migration) error {
		applied, err := m.appliedVersions(ctx)
		if err != nil {
			return err
		}
		for _, mig := range all {
			if !applied[mig.Version] {
				pending = append(pending, mig.Key())
			}
		}
		return nil
	})
	return pending, err
}

// withMigrator загружает встроенные миграции, закрепляет соединение и готовит
// таблицу учёта. lock=true дополнительно берёт advisory lock на время fn.
func (s *Store) withMigrator(ctx context.Context, lock bool, fn func(*migrator, []migration) error) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}

	all, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	m := &migrator{conn: conn}
	if lock {
		unlock, err := m.lock(ctx)
		if err != nil {
			return err
		}
		defer unlock()
	}

	if _, err := conn.ExecContext(ctx, migrationTableDDL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(m, all)
}

// migrator выполняет миграции на одном соединении, чтобы advisory lock
// и изменения схемы шли через одну сессию.
type migrator struct {
	conn *sql.Conn
}

func (m *migrator) lock(ctx context.Context) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := m.conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return nil, fmt.Errorf("acquire migration lock: %w", err)
	}
	return func() {
		_, _ = m.conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockKey)
	}, nil
}

func (m *migrator) up(ctx context.Context, all []migration, steps int) error {
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return err
	}

	done := 0
	for _, mig := range all {
		if steps > 0 && done >= steps {
			return nil
		}
		if applied[mig.Version] {
			continue
		}
		if err := m.step(ctx, mig, migrationUp); err != nil {
			return err
		}
		done++
	}
	return nil
}

func (m *migrator) down(ctx context.Context, all []migration, steps int) error {
	byVersion := make(map[int64]migration, len(all))
	for _, mig := range all {
		byVersion[mig.Version] = mig
	}

	versions, err := m.latestVersions(ctx, steps)
	if err != nil {
		return err
	}
	for _, version := range versions {
		mig, ok := byVersion[version]
		if !ok {
			return fmt.Errorf("cannot rollback unknown migration version %d", version)
		}
		if err := m.step(ctx, mig, migrationDown); err != nil {
			return err
		}
	}
	return nil
}

// step выполняет скрипт и запись в schema_migrations одной транзакцией.
func (m *migrator) step(ctx context.Context, mig migration, direction migrationDirection) (err error) {
	script, bookkeeping, args := mig.UpSQL,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES ($1, $2, NOW())`,
		[]any{mig.Version, mig.Name}
	if direction == migrationDown {
		script, bookkeeping, args = mig.DownSQL, `DELETE FROM schema_migrations WHERE version = $1`, []any{mig.Version}
	}

	tx, err := m.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s migration %s: %w", direction, mig.Key(), err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("execute %s migration %s: %w", direction, mig.Key(), err)
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return fmt.Errorf("record %s migration %s: %w", direction, mig.Key(), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s migration %s: %w", direction, mig.Key(), err)
	}
	return nil
}

func (m *migrator) appliedVersions(ctx context.Context) (map[int64]bool, error) {
	versions, err := m.queryVersions(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	applied := make(map[int64]bool, len(versions))
	for _, version := range versions {
		applied[version] = true
	}
	return applied, nil
}

func (m *migrator) latestVersions(ctx context.Context, limit int) ([]int64, error) {
	return m.queryVersions(ctx, `SELECT version FROM schema_migrations ORDER BY version DESC LIMIT $1`, limit)
}

func (m *migrator) queryVersions(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := m.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	var versions []int64
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied migration version: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return versions, nil
}

// loadMigrationsFromFS собирает пары файлов NNNN_name.{up,down}.sql, отсортированные по версии.
func loadMigrationsFromFS(fsys fs.FS) ([]migration, error) {
	files, err := fs.Glob(fsys, migrationsGlob)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no migration files found")
	}

	byVersion := make(map[int64]*migration)
	for _, file := range files {
		version, name, direction, err := parseMigrationFileName(path.Base(file))
		if err != nil {
			return nil, err
		}

		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", file, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", file)
		}

		mig, ok := byVersion[version]
		if !ok {
			mig = &migration{Version: version, Name: name}
			byVersion[version] = mig
		}
		if mig.Name != name {
			return nil, fmt.Errorf("migration name mismatch for version %d: %s vs %s", version, mig.Name, name)
		}

		target := &mig.UpSQL
		if direction == migrationDown {
			target = &mig.DownSQL
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", direction, version)
		}
		*target = body
	}

	migrations := make([]migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.UpSQL == "" || mig.DownSQL == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", mig.Key())
		}
		migrations = append(migrations, *mig)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

func parseMigrationFileName(base string) (int64, string, migrationDirection, error) {
	matches := migrationFilePattern.FindStringSubmatch(base)
	if len(matches) != 4 {
		return 0, "", "", fmt.Errorf("invalid migration file name: %s", base)
	}
	version, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return 0, "", "", fmt.Errorf("parse migration version from %s: %w", base, err)
	}
	return version, matches[2], migrationDirection(matches[3]), nil
}

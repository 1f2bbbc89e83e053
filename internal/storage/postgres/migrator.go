package postgres

import (
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Миграции лежат в sql/migrations как пары NNNN_name.up.sql / NNNN_name.down.sql.
// В schema_migrations для каждой применённой версии хранится sha256 её up-файла:
// изменённый после применения файл считается дрейфом схемы, и MigrateUp отказывается работать.
const (
	migrationsDir    = "sql/migrations"
	migrationLockKey = int64(0x67726f63) // "groc"

	schemaMigrationsDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    checksum TEXT NOT NULL DEFAULT '',
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT ''`
)

var (
	//go:embed sql/migrations/*.sql
	migrationsFS embed.FS

	migrationFileRe = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)
)

// ErrMigrationDrift: применённая миграция не совпадает со встроенной в бинарник.
var ErrMigrationDrift = errors.New("applied migration differs from embedded file")

type migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

func (m migration) fullName() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

func (m migration) checksum() string {
	sum := sha256.Sum256([]byte(m.UpSQL))
	return hex.EncodeToString(sum[:])
}

type appliedMigration struct {
	version  int64
	checksum string
}

// MigrationState описывает схему: последнюю применённую версию, ещё не
// применённые миграции и применённые, чей файл с тех пор изменился.
type MigrationState struct {
	Version int64
	Applied int
	Pending []string
	Drifted []string
}

// MigrateUp применяет недостающие миграции по возрастанию версии и возвращает их имена.
// steps=0 применяет все. На актуальной схеме ничего не делает.
func (s *Store) MigrateUp(ctx context.Context, steps int) ([]string, error) {
	var done []string
	err := s.withMigrationLock(ctx, func(conn *sql.Conn, known []migration, applied []appliedMigration) error {
		if drifted := driftedMigrations(known, applied); len(drifted) > 0 {
			return fmt.Errorf("%w: %s", ErrMigrationDrift, strings.Join(drifted, ", "))
		}

		for _, m := range planUp(known, appliedSet(applied), steps) {
			if err := inTx(ctx, conn, func(tx *sql.Tx) error {
				if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
					return fmt.Errorf("apply %s: %w", m.fullName(), err)
				}
				_, err := tx.ExecContext(ctx,
					`INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
					m.Version, m.Name, m.checksum())
				return err
			}); err != nil {
				return err
			}
			done = append(done, m.fullName())
		}
		return nil
	})
	return done, err
}

// MigrateDown откатывает последние steps миграций (минимум одну) и возвращает их имена.
func (s *Store) MigrateDown(ctx context.Context, steps int) ([]string, error) {
	steps = max(steps, 1)

	var done []string
	err := s.withMigrationLock(ctx, func(conn *sql.Conn, known []migration, applied []appliedMigration) error {
		plan, err := planDown(known, lastApplied(applied, steps))
		if err != nil {
			return err
		}
		for _, m := range plan {
			if err := inTx(ctx, conn, func(tx *sql.Tx) error {
				if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
					return fmt.Errorf("revert %s: %w", m.fullName(), err)
				}
				_, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = $1`, m.Version)
				return err
			}); err != nil {
				return err
			}
			done = append(done, m.fullName())
		}
		return nil
	})
	return done, err
}

// MigrationStatus читает состояние схемы без блокировки.
func (s *Store) MigrationStatus(ctx context.Context) (MigrationState, error) {
	if s == nil || s.db == nil {
		return MigrationState{}, errors.New("postgres store is not initialized")
	}
	known, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return MigrationState{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, schemaMigrationsDDL); err != nil {
		return MigrationState{}, fmt.Errorf("ensure schema_migrations: %w", err)
	}
	applied, err := loadApplied(ctx, s.db)
	if err != nil {
		return MigrationState{}, err
	}
	return migrationStateOf(known, applied), nil
}

// withMigrationLock держит pg_advisory_lock на выделенном соединении, пока выполняется fn:
// реплики, стартующие одновременно, мигрируют по очереди.
func (s *Store) withMigrationLock(ctx context.Context, fn func(conn *sql.Conn, known []migration, applied []appliedMigration) error) error {
	if s == nil || s.db == nil {
		return errors.New("postgres store is not initialized")
	}
	known, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	if _, err := conn.ExecContext(ctx, schemaMigrationsDDL); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	applied, err := loadApplied(ctx, conn)
	if err != nil {
		return err
	}
	return fn(conn, known, applied)
}

func migrationStateOf(known []migration, applied []appliedMigration) MigrationState {
	state := MigrationState{Applied: len(applied), Drifted: driftedMigrations(known, applied)}
	for _, a := range applied {
		state.Version = max(state.Version, a.version)
	}
	done := appliedSet(applied)
	for _, m := range known {
		if !done[m.Version] {
			state.Pending = append(state.Pending, m.fullName())
		}
	}
	return state
}

// driftedMigrations сравнивает контрольные суммы. Пустая сумма (запись без
// checksum) дрейфом не считается.
func driftedMigrations(known []migration, applied []appliedMigration) []string {
	byVersion := make(map[int64]migration, len(known))
	for _, m := range known {
		byVersion[m.Version] = m
	}

	var drifted []string
	for _, a := range applied {
		m, ok := byVersion[a.version]
		if ok && a.checksum != "" && a.checksum != m.checksum() {
			drifted = append(drifted, m.fullName())
		}
	}
	return drifted
}

func appliedSet(applied []appliedMigration) map[int64]bool {
	set := make(map[int64]bool, len(applied))
	for _, a := range applied {
		set[a.version] = true
	}
	return set
}

// lastApplied возвращает до n последних применённых версий, начиная с самой новой.
func lastApplied(applied []appliedMigration, n int) []int64 {
	versions := make([]int64, 0, len(applied))
	for _, a := range applied {
		versions = append(versions, a.version)
	}
	slices.Sort(versions)
	slices.Reverse(versions)
	if len(versions) > n {
		versions = versions[:n]
	}
	return versions
}

func planUp(known []migration, applied map[int64]bool, steps int) []migration {
	var plan []migration
	for _, m := range known {
		if applied[m.Version] {
			continue
		}
		plan = append(plan, m)
		if steps > 0 && len(plan) == steps {
			break
		}
	}
	return plan
}

func planDown(known []migration, versions []int64) ([]migration, error) {
	plan := make([]migration, 0, len(versions))
	for _, version := range versions {
		idx := slices.IndexFunc(known, func(m migration) bool { return m.Version == version })
		if idx < 0 {
			return nil, fmt.Errorf("applied migration version %d is not embedded, cannot revert", version)
		}
		plan = append(plan, known[idx])
	}
	return plan, nil
}

func loadApplied(ctx context.Context, q execer) ([]appliedMigration, error) {
	rows, err := q.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	var applied []appliedMigration
	for rows.Next() {
		var a appliedMigration
		if err := rows.Scan(&a.version, &a.checksum); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied = append(applied, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return applied, nil
}

// loadMigrationsFromFS собирает пары up/down из migrationsDir и сортирует их по версии.
func loadMigrationsFromFS(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[int64]*migration)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		parts := migrationFileRe.FindStringSubmatch(entry.Name())
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", entry.Name())
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration version in %s: %w", entry.Name(), err)
		}

		raw, err := fs.ReadFile(fsys, path.Join(migrationsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", entry.Name())
		}

		m, ok := byVersion[version]
		if !ok {
			m = &migration{Version: version, Name: parts[2]}
			byVersion[version] = m
		}
		if m.Name != parts[2] {
			return nil, fmt.Errorf("migration %d has two names: %s and %s", version, m.Name, parts[2])
		}

		target := &m.UpSQL
		if parts[3] == "down" {
			target = &m.DownSQL
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", parts[3], version)
		}
		*target = body
	}
	if len(byVersion) == 0 {
		return nil, errors.New("no migration files found")
	}

	migrations := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" || m.DownSQL == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", m.fullName())
		}
		migrations = append(migrations, *m)
	}
	slices.SortFunc(migrations, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return migrations, nil
}

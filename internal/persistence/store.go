package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "st-v1-2026-09-02-tasks-events"

	schemaVersionV2  = 2
	schemaChecksumV2 = "st-v2-2026-09-21-folder-objects"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid task transition")
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".stowage", "stowage.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, now: time.Now}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock overrides the time source used for lifecycle timestamps.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

type migration struct {
	version  int
	checksum string
	stmts    []string
}

var migrations = []migration{
	{
		version:  schemaVersionV1,
		checksum: schemaChecksumV1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS events (
				id TEXT PRIMARY KEY,
				emitter_id TEXT NOT NULL,
				event_kind TEXT NOT NULL,
				payload_json TEXT NOT NULL DEFAULT '{}',
				folder_id TEXT,
				object_key TEXT,
				level TEXT NOT NULL DEFAULT 'INFO',
				created_at DATETIME NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_events_folder ON events(folder_id, created_at);`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				owner_class TEXT NOT NULL CHECK (owner_class IN ('CORE', 'APP')),
				owner_id TEXT NOT NULL,
				task_kind TEXT NOT NULL,
				input_json TEXT NOT NULL DEFAULT '{}',
				subject_folder_id TEXT,
				subject_object_key TEXT,
				trigger_event_id TEXT NOT NULL REFERENCES events(id),
				idempotency_key TEXT UNIQUE,
				started_at DATETIME,
				completed_at DATETIME,
				error_at DATETIME,
				error_code TEXT,
				error_message TEXT,
				error_details TEXT,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_unstarted ON tasks(owner_class, started_at, created_at);`,
			`CREATE TABLE IF NOT EXISTS task_updates (
				task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				seq INTEGER NOT NULL,
				at DATETIME NOT NULL,
				message TEXT NOT NULL,
				data_json TEXT,
				PRIMARY KEY (task_id, seq)
			);`,
		},
	},
	{
		version:  schemaVersionV2,
		checksum: schemaChecksumV2,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS folder_objects (
				folder_id TEXT NOT NULL,
				object_key TEXT NOT NULL,
				size_bytes INTEGER NOT NULL DEFAULT 0,
				content_type TEXT NOT NULL DEFAULT '',
				hash TEXT NOT NULL DEFAULT '',
				metadata_json TEXT NOT NULL DEFAULT '{}',
				last_modified DATETIME NOT NULL,
				PRIMARY KEY (folder_id, object_key)
			);`,
		},
	},
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	for _, m := range migrations {
		if m.version <= maxVersion {
			var existing string
			if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, m.version).Scan(&existing); err != nil {
				return fmt.Errorf("read schema migration checksum v%d: %w", m.version, err)
			}
			if existing != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: %q", m.version, existing)
			}
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, m.version, m.checksum); err != nil {
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// SchemaVersion returns the latest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, string, error) {
	var version int
	var checksum string
	err := s.db.QueryRowContext(ctx, `
		SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;
	`).Scan(&version, &checksum)
	if err != nil {
		return 0, "", fmt.Errorf("read schema version: %w", err)
	}
	return version, checksum, nil
}

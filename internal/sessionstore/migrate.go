package sessionstore

import (
	"context"
	"fmt"
)

type migration struct {
	version    int
	name       string
	statements []string
}

// migrations are applied in order, each in its own transaction. Versions are
// append-only.
var migrations = []migration{
	{
		version: 1,
		name:    "create_sessions",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				conversation_key TEXT NOT NULL,
				sandbox_name TEXT NOT NULL,
				status TEXT NOT NULL CHECK (status IN ('idle', 'running', 'error')),
				running_job_id TEXT NOT NULL DEFAULT '',
				last_job_id TEXT NOT NULL DEFAULT '',
				last_error TEXT NOT NULL DEFAULT '',
				turns INTEGER NOT NULL DEFAULT 0,
				created_at_unix_ms INTEGER NOT NULL,
				updated_at_unix_ms INTEGER NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_conversation_key ON sessions(conversation_key)`,
		},
	},
	{
		version: 2,
		name:    "add_agent_session_file",
		statements: []string{
			`ALTER TABLE sessions ADD COLUMN agent_session_file TEXT NOT NULL DEFAULT ''`,
		},
	},
	{
		version: 3,
		name:    "index_sessions_status",
		statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		},
	},
}

// LatestSchemaVersion is the version a freshly migrated database reports.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at_unix INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current > LatestSchemaVersion() {
		return fmt.Errorf("session database schema version %d is newer than supported %d", current, LatestSchemaVersion())
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return err
		}
		if s.logger != nil {
			s.logger.Debug("applied session store migration", "version", m.version, "name", m.name)
		}
	}
	return nil
}

func (s *Store) apply(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	defer func() { _ = tx.Rollback() }()

	var applied int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.version).Scan(&applied); err != nil {
		return fmt.Errorf("check migration %d: %w", m.version, err)
	}
	if applied > 0 {
		return nil
	}

	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at_unix) VALUES (?, ?, ?)`,
		m.version, m.name, s.now().UTC().Unix(),
	); err != nil {
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}

// SchemaVersion reports the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

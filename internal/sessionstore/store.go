// Package sessionstore persists conversation sessions in SQLite.
package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/buildkite/subagent/internal/paths"
	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusRunning, StatusError:
		return true
	default:
		return false
	}
}

// Session binds a conversation to its sandbox and agent continuity file.
type Session struct {
	ID               string
	ConversationKey  string
	SandboxName      string
	AgentSessionFile string
	Status           Status
	RunningJobID     string
	LastJobID        string
	LastError        string
	Turns            int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

var (
	ErrNotFound       = errors.New("session not found")
	ErrInvalidSession = errors.New("invalid session")
)

// Validate checks the fields every persisted session must satisfy.
func (s Session) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidSession)
	}
	if strings.TrimSpace(s.ConversationKey) == "" {
		return fmt.Errorf("%w: missing conversation key", ErrInvalidSession)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidSession, s.Status)
	}
	running := s.Status == StatusRunning
	hasJob := strings.TrimSpace(s.RunningJobID) != ""
	if running != hasJob {
		return fmt.Errorf("%w: running_job_id must be set iff status is running (status=%s running_job_id=%q)", ErrInvalidSession, s.Status, s.RunningJobID)
	}
	if s.Turns < 0 {
		return fmt.Errorf("%w: negative turn count", ErrInvalidSession)
	}
	return nil
}

type Options struct {
	// Path defaults to $XDG_STATE_HOME/subagent/sessions.db.
	Path   string
	Now    func() time.Time
	Logger *log.Logger
}

type Store struct {
	db     *sql.DB
	path   string
	now    func() time.Time
	logger *log.Logger
}

// Open opens (creating if needed) the session database and applies any
// pending migrations.
func Open(ctx context.Context, opts Options) (*Store, error) {
	dbPath := strings.TrimSpace(opts.Path)
	if dbPath == "" {
		var err error
		dbPath, err = paths.SessionDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve session database path: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create session database directory for %q: %w", dbPath, err)
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open session database %q: %w", dbPath, err)
	}
	// A single connection serializes writers; SQLite allows one at a time anyway.
	db.SetMaxOpenConns(1)

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{db: db, path: dbPath, now: now, logger: opts.Logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func dsn(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sessionColumns = `
	id,
	conversation_key,
	sandbox_name,
	agent_session_file,
	status,
	running_job_id,
	last_job_id,
	last_error,
	turns,
	created_at_unix_ms,
	updated_at_unix_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		sess      Session
		status    string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(
		&sess.ID,
		&sess.ConversationKey,
		&sess.SandboxName,
		&sess.AgentSessionFile,
		&status,
		&sess.RunningJobID,
		&sess.LastJobID,
		&sess.LastError,
		&sess.Turns,
		&createdAt,
		&updatedAt,
	); err != nil {
		return Session{}, err
	}
	sess.Status = Status(status)
	sess.CreatedAt = time.UnixMilli(createdAt).UTC()
	sess.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return sess, nil
}

func (s *Store) getOne(ctx context.Context, where string, arg string) (Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+sessionColumns+` FROM sessions WHERE `+where+` = ?`, arg)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, false, nil
		}
		return Session{}, false, fmt.Errorf("read session: %w", err)
	}
	return sess, true, nil
}

// Get looks a session up by id.
func (s *Store) Get(ctx context.Context, id string) (Session, bool, error) {
	return s.getOne(ctx, "id", id)
}

// GetByConversation looks a session up by conversation key.
func (s *Store) GetByConversation(ctx context.Context, key string) (Session, bool, error) {
	return s.getOne(ctx, "conversation_key", key)
}

// Create inserts sess unless a row for the same id or conversation key
// already exists, in which case the existing row is returned with
// created=false.
func (s *Store) Create(ctx context.Context, sess Session) (Session, bool, error) {
	if sess.Status == "" {
		sess.Status = StatusIdle
	}
	if err := sess.Validate(); err != nil {
		return Session{}, false, err
	}
	now := s.now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		sess.ID,
		sess.ConversationKey,
		sess.SandboxName,
		sess.AgentSessionFile,
		string(sess.Status),
		sess.RunningJobID,
		sess.LastJobID,
		sess.LastError,
		sess.Turns,
		sess.CreatedAt.UnixMilli(),
		sess.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return Session{}, false, fmt.Errorf("insert session %q: %w", sess.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		stored, _, err := s.Get(ctx, sess.ID)
		return stored, true, err
	}

	existing, found, err := s.GetByConversation(ctx, sess.ConversationKey)
	if err != nil {
		return Session{}, false, err
	}
	if !found {
		return Session{}, false, fmt.Errorf("session %q conflicts with a row for another conversation", sess.ID)
	}
	return existing, false, nil
}

// Update overwrites the mutable fields of an existing session.
func (s *Store) Update(ctx context.Context, sess Session) (Session, error) {
	if err := sess.Validate(); err != nil {
		return Session{}, err
	}
	sess.UpdatedAt = s.now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			sandbox_name = ?,
			agent_session_file = ?,
			status = ?,
			running_job_id = ?,
			last_job_id = ?,
			last_error = ?,
			turns = ?,
			updated_at_unix_ms = ?
		WHERE id = ?
	`,
		sess.SandboxName,
		sess.AgentSessionFile,
		string(sess.Status),
		sess.RunningJobID,
		sess.LastJobID,
		sess.LastError,
		sess.Turns,
		sess.UpdatedAt.UnixMilli(),
		sess.ID,
	)
	if err != nil {
		return Session{}, fmt.Errorf("update session %q: %w", sess.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Session{}, fmt.Errorf("update session %q: %w", sess.ID, err)
	}
	if n == 0 {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, sess.ID)
	}
	return sess, nil
}

// List returns every session ordered by most recent update.
func (s *Store) List(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT`+sessionColumns+` FROM sessions ORDER BY updated_at_unix_ms DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// ListByStatus returns sessions currently in status.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT`+sessionColumns+` FROM sessions WHERE status = ? ORDER BY id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list %s sessions: %w", status, err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

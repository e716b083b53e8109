// Package eventstore journals dictation sessions and their status changes
// in SQLite, with retention applied on open and on demand.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/config"
	_ "modernc.org/sqlite"
)

// ErrSessionNotFound is returned when a journal entry does not exist.
var ErrSessionNotFound = errors.New("dictation session not found")

// Session is one journaled dictation session.
type Session struct {
	ID        string
	FieldID   string
	Mode      string
	Privacy   string
	Status    string
	Cause     string
	CreatedAt time.Time
	EndedAt   time.Time
}

// Event is one entry in a session's timeline.
type Event struct {
	ID        int64
	SessionID string
	TraceID   string
	Type      string
	Payload   []byte
	Privacy   string
	CreatedAt time.Time
}

// Store wraps the SQLite journal. A store opened in ephemeral mode accepts
// writes and discards them.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    field_id TEXT NOT NULL,
    mode TEXT NOT NULL,
    privacy_scope TEXT,
    status TEXT NOT NULL DEFAULT 'idle',
    cause TEXT,
    created_at INTEGER NOT NULL,
    ended_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sessions_field_created ON sessions(field_id, created_at);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    trace_id TEXT,
    event_type TEXT NOT NULL,
    payload BLOB,
    privacy_scope TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) enabled() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the journal is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if !s.enabled() {
		return nil
	}
	return s.db.PingContext(ctx)
}

// OpenSession records a new session. Reopening an existing id refreshes its
// field and mode.
func (s *Store) OpenSession(ctx context.Context, sess Session) error {
	if !s.enabled() {
		return nil
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.clock()
	}
	if sess.Privacy == "" {
		sess.Privacy = s.cfg.PrivacyScope
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, field_id, mode, privacy_scope, status, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET field_id=excluded.field_id, mode=excluded.mode, privacy_scope=excluded.privacy_scope`,
		sess.ID, sess.FieldID, sess.Mode, sess.Privacy, "idle", sess.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("open session %s: %w", sess.ID, err)
	}
	return nil
}

// CloseSession stores the terminal status of a session.
func (s *Store) CloseSession(ctx context.Context, sessionID, status, cause string) error {
	if !s.enabled() {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, cause = ?, ended_at = ? WHERE session_id = ?`,
		status, cause, s.clock().UnixNano(), sessionID)
	if err != nil {
		return fmt.Errorf("close session %s: %w", sessionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("close session %s: %w", sessionID, ErrSessionNotFound)
	}
	return nil
}

// AppendEvent writes an event into the session's timeline.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	if evt.Privacy == "" {
		evt.Privacy = s.cfg.PrivacyScope
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, trace_id, event_type, payload, privacy_scope, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.TraceID, evt.Type, evt.Payload, evt.Privacy, evt.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("append %s event: %w", evt.Type, err)
	}
	return nil
}

// GetSession loads one journaled session.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	if !s.enabled() {
		return Session{}, ErrSessionNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, field_id, mode, privacy_scope, status, cause, created_at, ended_at
		 FROM sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	return sess, err
}

// ListFieldSessions returns up to limit sessions for a field, newest first.
func (s *Store) ListFieldSessions(ctx context.Context, fieldID string, limit int) ([]Session, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, field_id, mode, privacy_scope, status, cause, created_at, ended_at
		 FROM sessions WHERE field_id = ? ORDER BY created_at DESC LIMIT ?`, fieldID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var (
		sess    Session
		privacy sql.NullString
		cause   sql.NullString
		created int64
		ended   sql.NullInt64
	)
	if err := row.Scan(&sess.ID, &sess.FieldID, &sess.Mode, &privacy, &sess.Status, &cause, &created, &ended); err != nil {
		return Session{}, err
	}
	sess.Privacy = privacy.String
	sess.Cause = cause.String
	sess.CreatedAt = time.Unix(0, created).UTC()
	if ended.Valid {
		sess.EndedAt = time.Unix(0, ended.Int64).UTC()
	}
	return sess, nil
}

// ListSessionEvents retrieves up to limit events for a session in the order
// they were written.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, trace_id, event_type, payload, privacy_scope, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			trace   sql.NullString
			privacy sql.NullString
			created int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &trace, &e.Type, &e.Payload, &privacy, &created); err != nil {
			return nil, err
		}
		e.TraceID = trace.String
		e.Privacy = privacy.String
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RunRetention prunes on every tick until ctx is done.
func (s *Store) RunRetention(ctx context.Context, every time.Duration) {
	if !s.enabled() || every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

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

	"github.com/loqalabs/loqa-talk/internal/config"
	_ "modernc.org/sqlite"
)

// Event is one row of a session timeline.
type Event struct {
	ID        int64
	SessionID string
	TurnID    string
	Type      string
	State     string
	Payload   []byte
	CreatedAt time.Time
}

// SessionInfo describes a recorded session.
type SessionInfo struct {
	SessionID  string
	Transport  string
	RemoteAddr string
	CreatedAt  time.Time
	ClosedAt   time.Time
}

// Store is a SQLite-backed timeline of sessions and their turn events.
// In ephemeral mode every method is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
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
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) enabled() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// Timestamps are unix nanoseconds so retention comparisons stay numeric.
func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    transport TEXT,
    remote_addr TEXT,
    created_at INTEGER NOT NULL,
    closed_at INTEGER
);
CREATE TABLE IF NOT EXISTS turn_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    turn_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    state TEXT,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_turn_events_session ON turn_events(session_id, created_at, id);
CREATE INDEX IF NOT EXISTS idx_turn_events_turn ON turn_events(turn_id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// OpenSession records a session; repeated calls keep the first creation time.
func (s *Store) OpenSession(ctx context.Context, sessionID, transport, remoteAddr string) error {
	if !s.enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, transport, remote_addr, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   transport=COALESCE(NULLIF(excluded.transport, ''), sessions.transport),
		   remote_addr=COALESCE(NULLIF(excluded.remote_addr, ''), sessions.remote_addr)`,
		sessionID, transport, remoteAddr, s.clock().UnixNano())
	return err
}

// CloseSession stamps the session's end time.
func (s *Store) CloseSession(ctx context.Context, sessionID string) error {
	if !s.enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET closed_at = ? WHERE session_id = ? AND closed_at IS NULL`,
		s.clock().UnixNano(), sessionID)
	return err
}

// AppendEvent writes an event into the store. The session row must exist.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.enabled() {
		return nil
	}
	if evt.SessionID == "" || evt.TurnID == "" {
		return errors.New("event needs session and turn ids")
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turn_events(session_id, turn_id, event_type, state, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.TurnID, evt.Type, evt.State, evt.Payload, evt.CreatedAt.UnixNano())
	return err
}

// ListSessionEvents returns up to limit events for a session in insertion order.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, turn_id, event_type, state, payload, created_at
		 FROM turn_events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var state sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TurnID, &e.Type, &state, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.State = state.String
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetSession returns the recorded session, or sql.ErrNoRows.
func (s *Store) GetSession(ctx context.Context, sessionID string) (SessionInfo, error) {
	if !s.enabled() {
		return SessionInfo{}, sql.ErrNoRows
	}
	var info SessionInfo
	var transport, remote sql.NullString
	var created int64
	var closed sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, transport, remote_addr, created_at, closed_at FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&info.SessionID, &transport, &remote, &created, &closed)
	if err != nil {
		return SessionInfo{}, err
	}
	info.Transport = transport.String
	info.RemoteAddr = remote.String
	info.CreatedAt = time.Unix(0, created).UTC()
	if closed.Valid {
		info.ClosedAt = time.Unix(0, closed.Int64).UTC()
	}
	return info, nil
}

// Prune applies configured retention (called on startup and by RunPruner).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM turn_events WHERE created_at < ?`, cutoff); err != nil {
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
	err = tx.Commit()
	return err
}

// RunPruner prunes every interval until ctx ends.
func (s *Store) RunPruner(ctx context.Context, interval time.Duration) {
	if !s.enabled() || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
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

// Ensure checks that an ephemeral store holds no database connection.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}

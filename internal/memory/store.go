package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/tdimino/claudicle/internal/logging"
)

var (
	ErrUnknownStateKey = errors.New("unknown soul state key")
	ErrUserNotFound    = errors.New("user model not found")
	ErrMissingThread   = errors.New("entry has no thread key")
	ErrMissingTrace    = errors.New("entry has no trace id")
)

const counterKey = "cycle_counter"

// Store is the session object over the memory database. Open one per process and
// pass it to every component; Close releases the connection pool.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Store)

// WithClock overrides the time source used for created_at stamps and TTL cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = logging.OrNop(l).Named("memory") }
}

func Open(dbPath string, opts ...Option) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS working_memory (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_key TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			author TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			verb TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			meta TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			trace_id TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_working_thread ON working_memory(thread_key, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_working_trace ON working_memory(trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_working_created ON working_memory(created_at)`,
		`CREATE TABLE IF NOT EXISTS user_models (
			user_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			profile TEXT NOT NULL,
			interaction_count INTEGER NOT NULL DEFAULT 0,
			last_checked_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_model_changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL REFERENCES user_models(user_id) ON DELETE CASCADE,
			change_note TEXT NOT NULL DEFAULT '',
			trace_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_changes ON user_model_changes(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS soul_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pending_whisper (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			text TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			influence TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS issued_traces (
			trace_id TEXT PRIMARY KEY,
			issued_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Counter returns the persisted cycle counter (0 when never saved).
func (s *Store) Counter(ctx context.Context) (int64, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, counterKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load counter: %w", err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %q: %w", raw, err)
	}
	return n, nil
}

func (s *Store) SetCounter(ctx context.Context, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, counterKey, strconv.FormatInt(n, 10))
	if err != nil {
		return fmt.Errorf("save counter: %w", err)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	queries := []struct {
		q   string
		dst *int
	}{
		{`SELECT COUNT(1) FROM working_memory`, &st.WorkingEntries},
		{`SELECT COUNT(DISTINCT thread_key) FROM working_memory`, &st.Threads},
		{`SELECT COUNT(1) FROM user_models`, &st.Users},
		{`SELECT COUNT(1) FROM soul_state`, &st.StateOverrides},
	}
	for _, item := range queries {
		if err := s.db.QueryRowContext(ctx, item.q).Scan(item.dst); err != nil {
			return Stats{}, fmt.Errorf("stats: %w", err)
		}
	}
	var pending int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM pending_whisper`).Scan(&pending); err != nil {
		return Stats{}, fmt.Errorf("stats whisper: %w", err)
	}
	st.PendingWhisper = pending > 0
	counter, err := s.Counter(ctx)
	if err != nil {
		return Stats{}, err
	}
	st.Counter = counter
	return st, nil
}

func (s *Store) stamp() int64 {
	return s.now().UnixNano()
}

func fromStamp(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Package history persists the audit trail of gate decisions to SQLite.
package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"shellgate/pkg/logx"
)

// Entry is one audited command decision, allowed or rejected.
type Entry struct {
	ID        string
	Timestamp time.Time
	Dialect   string
	Command   string
	// Target is "local" or the remote connection id.
	Target   string
	Allowed  bool
	Stage    string
	Reason   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Store is an append-only audit log over one SQLite file. Safe for concurrent
// use; the connection pool is capped at a single writer.
type Store struct {
	db      *sql.DB
	maxSize int
	logger  *logx.Logger
}

// Open creates or opens the history database at dbPath. maxSize caps how many
// entries are retained; zero or negative keeps everything.
func Open(dbPath string, maxSize int, logger *logx.Logger) (*Store, error) {
	if logger == nil {
		logger = logx.NewLogger("history")
	}

	// Open database connection with WAL mode and busy timeout
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}

	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger.Info("History database ready: %s", dbPath)
	return &Store{db: db, maxSize: maxSize, logger: logger}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS command_history (
		id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		dialect TEXT NOT NULL,
		command TEXT NOT NULL,
		target TEXT NOT NULL,
		allowed INTEGER NOT NULL,
		stage TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		exit_code INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		timed_out INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_history_ts ON command_history(ts)`)
	return err
}

// Append records one decision, assigning an id and timestamp when absent,
// then trims the table to the retention cap.
func (s *Store) Append(e Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	_, err := s.db.Exec(`INSERT INTO command_history
		(id, ts, dialect, command, target, allowed, stage, reason, exit_code, duration_ms, timed_out)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UnixMilli(), e.Dialect, e.Command, e.Target,
		boolToInt(e.Allowed), e.Stage, e.Reason, e.ExitCode,
		e.Duration.Milliseconds(), boolToInt(e.TimedOut))
	if err != nil {
		return fmt.Errorf("failed to append history entry: %w", err)
	}

	if s.maxSize > 0 {
		if err := s.trim(); err != nil {
			s.logger.Warn("History trim failed: %v", err)
		}
	}
	return nil
}

// trim deletes everything beyond the newest maxSize entries.
func (s *Store) trim() error {
	_, err := s.db.Exec(`DELETE FROM command_history WHERE id NOT IN (
		SELECT id FROM command_history ORDER BY ts DESC, id DESC LIMIT ?)`, s.maxSize)
	return err
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, ts, dialect, command, target, allowed,
		stage, reason, exit_code, duration_ms, timed_out
		FROM command_history ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                 Entry
			ts, durationMS    int64
			allowed, timedOut int
		)
		if err := rows.Scan(&e.ID, &ts, &e.Dialect, &e.Command, &e.Target,
			&allowed, &e.Stage, &e.Reason, &e.ExitCode, &durationMS, &timedOut); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.Allowed = allowed != 0
		e.TimedOut = timedOut != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

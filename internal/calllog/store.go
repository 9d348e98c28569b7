// Package calllog persists a history of tool calls made through the
// executor. Each call is one row: which server and tool ran, whether
// it succeeded, how long it took, and the failure message if any.
// Arguments and payloads are not stored.
package calllog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one recorded tool call.
type Entry struct {
	CallID    string        `json:"call_id"`
	Server    string        `json:"server"`
	Tool      string        `json:"tool"`
	OK        bool          `json:"ok"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	StartedAt time.Time     `json:"started_at"`
}

// ToolSummary aggregates calls for one server/tool pair.
type ToolSummary struct {
	Server      string        `json:"server"`
	Tool        string        `json:"tool"`
	Calls       int           `json:"calls"`
	Failures    int           `json:"failures"`
	AvgDuration time.Duration `json:"avg_duration_ns"`
	LastCalled  time.Time     `json:"last_called"`
}

// Store is a call log backed by SQLite. All public methods are safe
// for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a call log database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an existing database handle, creating the schema on
// first use. The caller keeps ownership of db unless Close is called.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate call log: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS tool_calls (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		call_id     TEXT NOT NULL,
		server      TEXT NOT NULL,
		tool        TEXT NOT NULL,
		ok          INTEGER NOT NULL,
		error       TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL,
		started_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_server_tool ON tool_calls (server, tool);
	`)
	return err
}

// Record appends an entry.
func (s *Store) Record(ctx context.Context, e Entry) error {
	ok := 0
	if e.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (call_id, server, tool, ok, error, duration_ms, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.CallID, e.Server, e.Tool, ok, e.Error,
		e.Duration.Milliseconds(), e.StartedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record %s/%s: %w", e.Server, e.Tool, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. A non-empty server
// restricts the result to that server.
func (s *Store) Recent(ctx context.Context, server string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT call_id, server, tool, ok, error, duration_ms, started_at
		 FROM tool_calls
		 WHERE ? = '' OR server = ?
		 ORDER BY id DESC
		 LIMIT ?`,
		server, server, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent calls: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			ok      int
			ms      int64
			started string
		)
		if err := rows.Scan(&e.CallID, &e.Server, &e.Tool, &ok, &e.Error, &ms, &started); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		e.OK = ok != 0
		e.Duration = time.Duration(ms) * time.Millisecond
		e.StartedAt, _ = time.Parse(timeLayout, started)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Summary aggregates all recorded calls by server and tool, ordered by
// server then tool.
func (s *Store) Summary(ctx context.Context) ([]ToolSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server, tool, COUNT(*), SUM(1 - ok), AVG(duration_ms), MAX(started_at)
		 FROM tool_calls
		 GROUP BY server, tool
		 ORDER BY server, tool`,
	)
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer rows.Close()

	var out []ToolSummary
	for rows.Next() {
		var (
			ts    ToolSummary
			avgMS float64
			last  string
		)
		if err := rows.Scan(&ts.Server, &ts.Tool, &ts.Calls, &ts.Failures, &avgMS, &last); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		ts.AvgDuration = time.Duration(avgMS * float64(time.Millisecond))
		ts.LastCalled, _ = time.Parse(timeLayout, last)
		out = append(out, ts)
	}
	return out, rows.Err()
}

// Prune deletes entries that started before cutoff and returns how
// many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tool_calls WHERE started_at < ?`,
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune calls: %w", err)
	}
	return res.RowsAffected()
}

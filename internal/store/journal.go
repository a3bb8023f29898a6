package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// FileName is the journal's default file name inside the data directory.
const FileName = "taskmesh.db"

var pragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA busy_timeout=5000;",
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		type        TEXT    NOT NULL,
		subject     TEXT    NOT NULL DEFAULT '',
		payload     TEXT    NOT NULL DEFAULT '{}',
		occurred_at INTEGER NOT NULL,
		recorded_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_subject ON events(subject, id)`,
}

// Entry is one journaled event.
type Entry struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Subject    string          `json:"subject,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Filter narrows a query. Zero fields match everything.
type Filter struct {
	// Type matches exactly, or by prefix when it ends in ".*" (e.g. "task.*").
	Type    string
	Subject string
	Since   time.Time
	// Limit caps the result to the newest entries; 0 means no limit.
	Limit int
}

// Journal is an append-only SQLite event log.
type Journal struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open opens or creates the journal at path.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases shared and writes serialized.
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, path: path, now: time.Now}
	if err := j.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate(ctx context.Context) error {
	if j.path != ":memory:" {
		for _, q := range pragmas {
			if _, err := j.db.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("set pragma %q: %w", q, err)
			}
		}
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, q := range schema {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return tx.Commit()
}

// Path returns the database file path.
func (j *Journal) Path() string { return j.path }

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }

// Append records an entry and returns it with its ID and record time set.
func (j *Journal) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.Type == "" {
		return Entry{}, fmt.Errorf("journal entry type is required")
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage("{}")
	}
	e.RecordedAt = j.now()
	if e.OccurredAt.IsZero() {
		e.OccurredAt = e.RecordedAt
	}
	res, err := j.db.ExecContext(ctx,
		`INSERT INTO events (type, subject, payload, occurred_at, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		e.Type, e.Subject, string(e.Payload), e.OccurredAt.UnixNano(), e.RecordedAt.UnixNano())
	if err != nil {
		return Entry{}, fmt.Errorf("append %s: %w", e.Type, err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Query returns matching entries, oldest first.
func (j *Journal) Query(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	switch {
	case strings.HasSuffix(f.Type, ".*"):
		where = append(where, "type LIKE ?")
		args = append(args, strings.TrimSuffix(f.Type, "*")+"%")
	case f.Type != "":
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, f.Subject)
	}
	if !f.Since.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, f.Since.UnixNano())
	}

	query := `SELECT id, type, subject, payload, occurred_at, recorded_at FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                  Entry
			payload            string
			occurred, recorded int64
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Subject, &payload, &occurred, &recorded); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		e.OccurredAt = time.Unix(0, occurred)
		e.RecordedAt = time.Unix(0, recorded)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Selected newest first so LIMIT keeps the latest.
	slices.Reverse(out)
	return out, nil
}

// Counts returns the number of entries per type.
func (j *Journal) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM events GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("count journal: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var (
			t string
			n int
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		out[t] = n
	}
	return out, rows.Err()
}

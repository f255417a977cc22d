package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteEventSchema = `
CREATE TABLE IF NOT EXISTS telemetry_events (
	id            TEXT PRIMARY KEY,
	event_type    TEXT NOT NULL,
	caller        TEXT NOT NULL DEFAULT '',
	route         TEXT NOT NULL,
	target_name   TEXT NOT NULL DEFAULT '',
	source        TEXT NOT NULL DEFAULT '',
	ts            DATETIME NOT NULL,
	metadata_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_telemetry_ts ON telemetry_events(ts);
CREATE INDEX IF NOT EXISTS idx_telemetry_type ON telemetry_events(event_type, ts);
`

// SQLiteWriter appends events to a local sqlite table.
type SQLiteWriter struct {
	db *sql.DB
}

// NewSQLiteWriter opens (or creates) the event database at path.
func NewSQLiteWriter(path string) (*SQLiteWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create telemetry dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open telemetry db: %w", err)
	}
	if _, err := db.Exec(sqliteEventSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init telemetry schema: %w", err)
	}
	return &SQLiteWriter{db: db}, nil
}

func (w *SQLiteWriter) Name() string { return "sqlite" }

// Write inserts the batch in one transaction. Duplicate ids are ignored.
func (w *SQLiteWriter) Write(ctx context.Context, batch []Event) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO telemetry_events
			(id, event_type, caller, route, target_name, source, ts, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, ev := range batch {
		var meta []byte
		if len(ev.Metadata) > 0 {
			if meta, err = json.Marshal(ev.Metadata); err != nil {
				return fmt.Errorf("encode metadata for %s: %w", ev.ID, err)
			}
		}
		if _, err := stmt.ExecContext(ctx, ev.ID, string(ev.Type), ev.Caller, ev.Route,
			ev.Target, ev.Source, ev.Timestamp.UTC(), nullableString(meta)); err != nil {
			return fmt.Errorf("insert %s: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

// Query returns stored events at or after since, oldest first. limit <= 0
// means no limit.
func (w *SQLiteWriter) Query(ctx context.Context, since time.Time, limit int) ([]Event, error) {
	q := `SELECT id, event_type, caller, route, target_name, source, ts, metadata_json
		FROM telemetry_events WHERE ts >= ? ORDER BY ts ASC`
	args := []interface{}{since.UTC()}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := w.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev   Event
			typ  string
			meta sql.NullString
		)
		if err := rows.Scan(&ev.ID, &typ, &ev.Caller, &ev.Route, &ev.Target, &ev.Source, &ev.Timestamp, &meta); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = EventType(typ)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", ev.ID, err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (w *SQLiteWriter) Close() error { return w.db.Close() }

func nullableString(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}

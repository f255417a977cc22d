package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS locator_memory (
	scope TEXT NOT NULL,
	owner TEXT NOT NULL DEFAULT '',
	route TEXT NOT NULL,
	target_name TEXT NOT NULL,
	locator TEXT NOT NULL,
	successes INTEGER NOT NULL DEFAULT 0,
	failures INTEGER NOT NULL DEFAULT 0,
	last_success_at DATETIME,
	last_attempt_at DATETIME,
	metadata_json TEXT,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (scope, owner, route, target_name)
);
CREATE INDEX IF NOT EXISTS idx_locator_memory_route ON locator_memory(route, target_name);
CREATE INDEX IF NOT EXISTS idx_locator_memory_last_success ON locator_memory(last_success_at);
`

const sqliteColumns = `scope, owner, route, target_name, locator, successes, failures,
	last_success_at, last_attempt_at, metadata_json, updated_at`

// SQLiteBackend persists entries in a local SQLite database.
type SQLiteBackend struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// NewSQLiteBackend opens (creating if needed) the database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteBackend{
		db:     db,
		dbPath: path,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Path returns the database file path.
func (s *SQLiteBackend) Path() string {
	return s.dbPath
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

func (s *SQLiteBackend) Get(ctx context.Context, key Key) (Entry, error) {
	if err := key.Validate(); err != nil {
		return Entry{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM locator_memory
		 WHERE scope = ? AND owner = ? AND route = ? AND target_name = ?`,
		string(key.Scope), key.Owner, key.Route, key.Target)

	e, err := scanSQLiteEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

func (s *SQLiteBackend) Upsert(ctx context.Context, key Key, locator string, metadata map[string]any) error {
	if err := key.Validate(); err != nil {
		return err
	}
	md, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO locator_memory (scope, owner, route, target_name, locator, metadata_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope, owner, route, target_name) DO UPDATE SET
			locator = excluded.locator,
			metadata_json = excluded.metadata_json,
			updated_at = excluded.updated_at`,
		string(key.Scope), key.Owner, key.Route, key.Target, locator, md, s.now())
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteBackend) RecordOutcome(ctx context.Context, key Key, success bool) (Entry, error) {
	if err := key.Validate(); err != nil {
		return Entry{}, err
	}
	now := s.now()
	query := `UPDATE locator_memory SET failures = failures + 1, last_attempt_at = ?, updated_at = ?
		WHERE scope = ? AND owner = ? AND route = ? AND target_name = ?`
	args := []any{now, now, string(key.Scope), key.Owner, key.Route, key.Target}
	if success {
		query = `UPDATE locator_memory SET successes = successes + 1, last_success_at = ?, last_attempt_at = ?, updated_at = ?
			WHERE scope = ? AND owner = ? AND route = ? AND target_name = ?`
		args = append([]any{now}, args...)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return Entry{}, fmt.Errorf("record outcome %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Entry{}, ErrNotFound
	}
	return s.Get(ctx, key)
}

func (s *SQLiteBackend) Promote(ctx context.Context, from Key) (bool, error) {
	if err := from.Validate(); err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var locator string
	var md sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT locator, metadata_json FROM locator_memory
		 WHERE scope = ? AND owner = ? AND route = ? AND target_name = ?`,
		string(from.Scope), from.Owner, from.Route, from.Target).Scan(&locator, &md)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("promote %s: %w", from, err)
	}

	gk := from.Global()
	now := s.now()
	res, err := tx.ExecContext(ctx,
		`UPDATE locator_memory SET locator = ?, updated_at = ?
		 WHERE scope = ? AND owner = '' AND route = ? AND target_name = ?`,
		locator, now, string(ScopeGlobal), gk.Route, gk.Target)
	if err != nil {
		return false, fmt.Errorf("promote %s: %w", from, err)
	}
	created := false
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO locator_memory (scope, owner, route, target_name, locator, metadata_json, updated_at)
			 VALUES (?, '', ?, ?, ?, ?, ?)`,
			string(ScopeGlobal), gk.Route, gk.Target, locator, md, now); err != nil {
			return false, fmt.Errorf("promote %s: %w", from, err)
		}
		created = true
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return created, nil
}

func (s *SQLiteBackend) List(ctx context.Context, filter Filter) ([]Entry, error) {
	var where []string
	var args []any
	if filter.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, string(filter.Scope))
	}
	if filter.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, filter.Owner)
	}
	if filter.Route != "" {
		where = append(where, "route = ?")
		args = append(args, NormalizeRoute(filter.Route))
	}

	query := `SELECT ` + sqliteColumns + ` FROM locator_memory`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_success_at IS NULL, last_success_at DESC, updated_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memory: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEntry(row rowScanner) (Entry, error) {
	var (
		e             Entry
		scope         string
		lastSuccessAt sql.NullTime
		lastAttemptAt sql.NullTime
		md            sql.NullString
	)
	if err := row.Scan(&scope, &e.Owner, &e.Route, &e.Target, &e.Locator, &e.Successes, &e.Failures,
		&lastSuccessAt, &lastAttemptAt, &md, &e.UpdatedAt); err != nil {
		return Entry{}, err
	}
	e.Scope = Scope(scope)
	if lastSuccessAt.Valid {
		t := lastSuccessAt.Time
		e.LastSuccessAt = &t
	}
	if lastAttemptAt.Valid {
		t := lastAttemptAt.Time
		e.LastAttemptAt = &t
	}
	if md.Valid && md.String != "" {
		if err := json.Unmarshal([]byte(md.String), &e.Metadata); err != nil {
			return Entry{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	e.rescore()
	return e, nil
}

func encodeMetadata(md map[string]any) (any, error) {
	if len(md) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return string(raw), nil
}

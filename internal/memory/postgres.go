package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DBPool abstracts pgxpool.Pool so the backend can be exercised with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS locator_memory (
	scope TEXT NOT NULL,
	owner TEXT NOT NULL DEFAULT '',
	route TEXT NOT NULL,
	target_name TEXT NOT NULL,
	locator TEXT NOT NULL,
	successes BIGINT NOT NULL DEFAULT 0,
	failures BIGINT NOT NULL DEFAULT 0,
	last_success_at TIMESTAMPTZ,
	last_attempt_at TIMESTAMPTZ,
	metadata JSONB,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (scope, owner, route, target_name)
);
CREATE INDEX IF NOT EXISTS idx_locator_memory_last_success ON locator_memory (last_success_at DESC NULLS LAST);
`

const pgColumns = `scope, owner, route, target_name, locator, successes, failures,
	last_success_at, last_attempt_at, metadata, updated_at`

// PostgresBackend persists entries in PostgreSQL. Counter updates are single
// UPDATE statements so concurrent writers are additive.
type PostgresBackend struct {
	pool  DBPool
	log   *zap.Logger
	now   func() time.Time
	close func()
}

// NewPostgresBackend verifies the connection and ensures the schema exists.
func NewPostgresBackend(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresBackend, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &PostgresBackend{
		pool: pool,
		log:  logger.Named("memory.postgres"),
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// OpenPostgres dials dsn with a pgx pool and wraps it in a backend that closes
// the pool on Close.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	b, err := NewPostgresBackend(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	b.close = pool.Close
	return b, nil
}

func (p *PostgresBackend) Close() error {
	if p.close != nil {
		p.close()
	}
	return nil
}

func (p *PostgresBackend) Get(ctx context.Context, key Key) (Entry, error) {
	if err := key.Validate(); err != nil {
		return Entry{}, err
	}
	row := p.pool.QueryRow(ctx,
		`SELECT `+pgColumns+` FROM locator_memory
		 WHERE scope = $1 AND owner = $2 AND route = $3 AND target_name = $4`,
		string(key.Scope), key.Owner, key.Route, key.Target)
	e, err := scanPGEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	return e, nil
}

func (p *PostgresBackend) Upsert(ctx context.Context, key Key, locator string, metadata map[string]any) error {
	if err := key.Validate(); err != nil {
		return err
	}
	md, err := pgMetadata(metadata)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO locator_memory (scope, owner, route, target_name, locator, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (scope, owner, route, target_name) DO UPDATE SET
			locator = EXCLUDED.locator,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`,
		string(key.Scope), key.Owner, key.Route, key.Target, locator, md, p.now())
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

func (p *PostgresBackend) RecordOutcome(ctx context.Context, key Key, success bool) (Entry, error) {
	if err := key.Validate(); err != nil {
		return Entry{}, err
	}
	set := "failures = failures + 1"
	if success {
		set = "successes = successes + 1, last_success_at = $1"
	}
	row := p.pool.QueryRow(ctx,
		`UPDATE locator_memory SET `+set+`, last_attempt_at = $1, updated_at = $1
		 WHERE scope = $2 AND owner = $3 AND route = $4 AND target_name = $5
		 RETURNING `+pgColumns,
		p.now(), string(key.Scope), key.Owner, key.Route, key.Target)
	e, err := scanPGEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("record outcome %s: %w", key, err)
	}
	return e, nil
}

func (p *PostgresBackend) Promote(ctx context.Context, from Key) (bool, error) {
	if err := from.Validate(); err != nil {
		return false, err
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			p.log.Error("Failed to rollback transaction", zap.Error(rbErr))
		}
	}()

	var locator string
	var md []byte
	err = tx.QueryRow(ctx,
		`SELECT locator, metadata FROM locator_memory
		 WHERE scope = $1 AND owner = $2 AND route = $3 AND target_name = $4`,
		string(from.Scope), from.Owner, from.Route, from.Target).Scan(&locator, &md)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("promote %s: %w", from, err)
	}

	// xmax = 0 only for freshly inserted rows.
	var created bool
	gk := from.Global()
	err = tx.QueryRow(ctx, `
		INSERT INTO locator_memory (scope, owner, route, target_name, locator, metadata, updated_at)
		VALUES ($1, '', $2, $3, $4, $5, $6)
		ON CONFLICT (scope, owner, route, target_name) DO UPDATE SET
			locator = EXCLUDED.locator,
			updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0)`,
		string(ScopeGlobal), gk.Route, gk.Target, locator, md, p.now()).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("promote %s: %w", from, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return created, nil
}

func (p *PostgresBackend) List(ctx context.Context, filter Filter) ([]Entry, error) {
	var where []string
	var args []any
	if filter.Scope != "" {
		args = append(args, string(filter.Scope))
		where = append(where, fmt.Sprintf("scope = $%d", len(args)))
	}
	if filter.Owner != "" {
		args = append(args, filter.Owner)
		where = append(where, fmt.Sprintf("owner = $%d", len(args)))
	}
	if filter.Route != "" {
		args = append(args, NormalizeRoute(filter.Route))
		where = append(where, fmt.Sprintf("route = $%d", len(args)))
	}

	query := `SELECT ` + pgColumns + ` FROM locator_memory`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_success_at DESC NULLS LAST, updated_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memory: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanPGEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("list memory: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanPGEntry(row pgx.Row) (Entry, error) {
	var (
		e             Entry
		scope         string
		successes     int64
		failures      int64
		lastSuccessAt pgtype.Timestamptz
		lastAttemptAt pgtype.Timestamptz
		md            []byte
	)
	if err := row.Scan(&scope, &e.Owner, &e.Route, &e.Target, &e.Locator, &successes, &failures,
		&lastSuccessAt, &lastAttemptAt, &md, &e.UpdatedAt); err != nil {
		return Entry{}, err
	}
	e.Scope = Scope(scope)
	e.Successes = int(successes)
	e.Failures = int(failures)
	if lastSuccessAt.Valid {
		t := lastSuccessAt.Time
		e.LastSuccessAt = &t
	}
	if lastAttemptAt.Valid {
		t := lastAttemptAt.Time
		e.LastAttemptAt = &t
	}
	if len(md) > 0 && string(md) != "null" {
		if err := json.Unmarshal(md, &e.Metadata); err != nil {
			return Entry{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	e.rescore()
	return e, nil
}

func pgMetadata(md map[string]any) ([]byte, error) {
	if len(md) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return raw, nil
}

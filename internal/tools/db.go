package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Row is one record as a JSON object.
type Row map[string]any

// DataBackend is the row-scoped read/write interface to business records.
type DataBackend interface {
	Query(ctx context.Context, table string, limit int) ([]Row, error)
	Insert(ctx context.Context, table string, values map[string]any) (Row, error)
	Update(ctx context.Context, table, id string, updates map[string]any) (Row, error)
}

// PGPool is the part of pgxpool.Pool PGData uses.
type PGPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGData reads and writes the app tables through pgx. Every row is returned
// as to_jsonb so callers get the table's own column names.
type PGData struct {
	pool  PGPool
	close func()
	log   *zap.Logger
}

func NewPGData(pool PGPool, logger *zap.Logger) *PGData {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGData{pool: pool, log: logger.Named("data")}
}

// OpenPGData connects a pool to dsn.
func OpenPGData(ctx context.Context, dsn string, logger *zap.Logger) (*PGData, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect data store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping data store: %w", err)
	}
	d := NewPGData(pool, logger)
	d.close = pool.Close
	return d, nil
}

func (d *PGData) Close() error {
	if d.close != nil {
		d.close()
	}
	return nil
}

const maxQueryLimit = 100

var columnName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func (d *PGData) Query(ctx context.Context, table string, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	sql := fmt.Sprintf("SELECT to_jsonb(t) FROM %s AS t LIMIT $1", pgx.Identifier{table}.Sanitize())
	rows, err := d.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	out := make([]Row, 0, limit)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		row, err := decodeRow(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *PGData) Insert(ctx context.Context, table string, values map[string]any) (Row, error) {
	cols, args, err := columns(values)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, errors.New("no values to insert")
	}
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	sql := fmt.Sprintf("INSERT INTO %s AS t (%s) VALUES (%s) RETURNING to_jsonb(t)",
		pgx.Identifier{table}.Sanitize(), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	return d.returning(ctx, table, sql, args)
}

func (d *PGData) Update(ctx context.Context, table, id string, updates map[string]any) (Row, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	cols, args, err := columns(updates)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, errors.New("no updates")
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", c, i+1)
	}
	args = append(args, id)
	sql := fmt.Sprintf("UPDATE %s AS t SET %s WHERE id = $%d RETURNING to_jsonb(t)",
		pgx.Identifier{table}.Sanitize(), strings.Join(sets, ", "), len(args))
	return d.returning(ctx, table, sql, args)
}

func (d *PGData) returning(ctx context.Context, table, sql string, args []any) (Row, error) {
	var raw []byte
	if err := d.pool.QueryRow(ctx, sql, args...).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: no matching row", table)
		}
		return nil, fmt.Errorf("write %s: %w", table, err)
	}
	return decodeRow(raw)
}

// columns returns sanitized column identifiers in sorted order with their
// values. JSON objects and arrays are passed as jsonb.
func columns(values map[string]any) ([]string, []any, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		if controlParams[k] {
			continue
		}
		if !columnName.MatchString(k) {
			return nil, nil, fmt.Errorf("invalid column %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	cols := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		cols[i] = pgx.Identifier{k}.Sanitize()
		switch v := values[k].(type) {
		case map[string]any, []any:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, nil, fmt.Errorf("encode %s: %w", k, err)
			}
			args[i] = b
		default:
			args[i] = v
		}
	}
	return cols, args, nil
}

func decodeRow(raw []byte) (Row, error) {
	var row Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return row, nil
}

// queryTables maps query tools to the tables they read.
var queryTables = map[Name]string{
	DBQueryProfiles:   "profiles",
	DBQueryEvents:     "events",
	DBQueryListings:   "listings",
	DBQueryPosts:      "posts",
	DBQueryBusinesses: "businesses",
	DBQueryTasks:      "andy_tasks",
	DBQueryCalendar:   "calendar_events",
	DBQueryMessages:   "messages",
}

var createTables = map[Name]string{
	DBCreateTask:     "andy_tasks",
	DBCreateEvent:    "events",
	DBCreateListing:  "listings",
	DBCreatePost:     "posts",
	DBCreateBusiness: "businesses",
}

var updateTables = map[Name]string{
	DBUpdateTask:    "andy_tasks",
	DBUpdateProfile: "profiles",
}

// RegisterData installs the db.* tools. A nil backend registers handlers that
// report ErrNotConfigured.
func RegisterData(r *Registry, backend DataBackend) {
	if backend == nil {
		unavailable(r, FamilyData, fmt.Errorf("data backend %w", ErrNotConfigured))
		return
	}
	for name, table := range queryTables {
		table := table
		r.Register(name, func(ctx context.Context, p Params) (any, error) {
			return backend.Query(ctx, table, p.Int("limit", 10))
		})
	}
	for name, table := range createTables {
		table := table
		r.Register(name, func(ctx context.Context, p Params) (any, error) {
			return backend.Insert(ctx, table, p.Payload())
		})
	}
	for name, table := range updateTables {
		table := table
		r.Register(name, func(ctx context.Context, p Params) (any, error) {
			if err := p.Require("id"); err != nil {
				return nil, err
			}
			return backend.Update(ctx, table, p.Text("id"), p.Map("updates"))
		})
	}
}

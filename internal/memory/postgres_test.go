package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var entryColumns = []string{"scope", "owner", "route", "target_name", "locator", "successes", "failures",
	"last_success_at", "last_attempt_at", "metadata", "updated_at"}

func newMockBackend(t *testing.T) (*PostgresBackend, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS locator_memory").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	b, err := NewPostgresBackend(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	return b, mockPool
}

func TestNewPostgresBackend(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing().WillReturnError(errors.New("connection refused"))

		_, err = NewPostgresBackend(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to ping database")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should create schema", func(t *testing.T) {
		_, mockPool := newMockBackend(t)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresGet(t *testing.T) {
	b, mockPool := newMockBackend(t)
	ctx := context.Background()
	key := UserKey("alice", "/", "post button")
	now := time.Now().UTC()

	mockPool.ExpectQuery("SELECT .* FROM locator_memory").
		WithArgs("user", "alice", "/", "post button").
		WillReturnRows(pgxmock.NewRows(entryColumns).AddRow(
			"user", "alice", "/", "post button", "#post", int64(3), int64(1),
			pgtype.Timestamptz{Time: now, Valid: true}, pgtype.Timestamptz{Time: now, Valid: true},
			[]byte(`{"session":"s1"}`), now))

	e, err := b.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "#post", e.Locator)
	assert.Equal(t, 3, e.Successes)
	assert.Equal(t, 1, e.Failures)
	assert.InDelta(t, Score(3, 1), e.Score, 1e-9)
	require.NotNil(t, e.LastSuccessAt)
	assert.Equal(t, "s1", e.Metadata["session"])

	mockPool.ExpectQuery("SELECT .* FROM locator_memory").
		WithArgs("global", "", "/", "post button").
		WillReturnError(pgx.ErrNoRows)

	_, err = b.Get(ctx, key.Global())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresUpsert(t *testing.T) {
	b, mockPool := newMockBackend(t)
	key := UserKey("alice", "/", "post button")

	mockPool.ExpectExec("INSERT INTO locator_memory .* ON CONFLICT").
		WithArgs("user", "alice", "/", "post button", "#post", []byte(`{"k":"v"}`), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, b.Upsert(context.Background(), key, "#post", map[string]any{"k": "v"}))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresRecordOutcome(t *testing.T) {
	b, mockPool := newMockBackend(t)
	ctx := context.Background()
	key := UserKey("alice", "/", "post button")
	now := time.Now().UTC()

	mockPool.ExpectQuery(`UPDATE locator_memory SET successes = successes \+ 1`).
		WithArgs(pgxmock.AnyArg(), "user", "alice", "/", "post button").
		WillReturnRows(pgxmock.NewRows(entryColumns).AddRow(
			"user", "alice", "/", "post button", "#post", int64(1), int64(0),
			pgtype.Timestamptz{Time: now, Valid: true}, pgtype.Timestamptz{Time: now, Valid: true},
			nil, now))

	e, err := b.RecordOutcome(ctx, key, true)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Successes)
	assert.Nil(t, e.Metadata)

	mockPool.ExpectQuery(`UPDATE locator_memory SET failures = failures \+ 1`).
		WithArgs(pgxmock.AnyArg(), "user", "alice", "/", "ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err = b.RecordOutcome(ctx, UserKey("alice", "/", "ghost"), false)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresPromote(t *testing.T) {
	t.Run("creates global entry", func(t *testing.T) {
		b, mockPool := newMockBackend(t)
		key := UserKey("alice", "/", "post button")

		mockPool.ExpectBegin()
		mockPool.ExpectQuery("SELECT locator, metadata FROM locator_memory").
			WithArgs("user", "alice", "/", "post button").
			WillReturnRows(pgxmock.NewRows([]string{"locator", "metadata"}).AddRow("#post", []byte(nil)))
		mockPool.ExpectQuery("INSERT INTO locator_memory .* RETURNING").
			WithArgs("global", "/", "post button", "#post", []byte(nil), pgxmock.AnyArg()).
			WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		created, err := b.Promote(context.Background(), key)
		require.NoError(t, err)
		assert.True(t, created)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("missing source rolls back", func(t *testing.T) {
		b, mockPool := newMockBackend(t)

		mockPool.ExpectBegin()
		mockPool.ExpectQuery("SELECT locator, metadata FROM locator_memory").
			WithArgs("user", "alice", "/", "ghost").
			WillReturnError(pgx.ErrNoRows)
		mockPool.ExpectRollback()

		_, err := b.Promote(context.Background(), UserKey("alice", "/", "ghost"))
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresList(t *testing.T) {
	b, mockPool := newMockBackend(t)
	now := time.Now().UTC()

	mockPool.ExpectQuery(`SELECT .* FROM locator_memory WHERE scope = \$1 AND owner = \$2 ORDER BY .* LIMIT 10`).
		WithArgs("user", "alice").
		WillReturnRows(pgxmock.NewRows(entryColumns).
			AddRow("user", "alice", "/", "a", "#a", int64(2), int64(0),
				pgtype.Timestamptz{Time: now, Valid: true}, pgtype.Timestamptz{Time: now, Valid: true}, nil, now).
			AddRow("user", "alice", "/feed", "b", "#b", int64(0), int64(1),
				pgtype.Timestamptz{}, pgtype.Timestamptz{Time: now, Valid: true}, nil, now))

	entries, err := b.List(context.Background(), Filter{Scope: ScopeUser, Owner: "alice", Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.NotNil(t, entries[0].LastSuccessAt)
	assert.Nil(t, entries[1].LastSuccessAt)
	assert.InDelta(t, Score(0, 1), entries[1].Score, 1e-9)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

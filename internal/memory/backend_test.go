package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backendFactories lists every backend that can run without external services.
func backendFactories(t *testing.T) map[string]func(t *testing.T) Backend {
	return map[string]func(t *testing.T) Backend{
		"memory": func(t *testing.T) Backend {
			return NewMemoryBackend()
		},
		"sqlite": func(t *testing.T) Backend {
			b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "memory.db"))
			require.NoError(t, err)
			t.Cleanup(func() { b.Close() })
			return b
		},
		"redis": func(t *testing.T) Backend {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			b := NewRedisBackend(client, "test")
			t.Cleanup(func() { b.Close() })
			return b
		},
	}
}

func TestBackends(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("GetMissing", func(t *testing.T) {
				b := factory(t)
				_, err := b.Get(context.Background(), UserKey("alice", "/", "post button"))
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("UpsertIdempotent", func(t *testing.T) {
				b := factory(t)
				ctx := context.Background()
				key := UserKey("alice", "/", "post button")

				require.NoError(t, b.Upsert(ctx, key, "#post", map[string]any{"session": "s1"}))
				_, err := b.RecordOutcome(ctx, key, true)
				require.NoError(t, err)

				require.NoError(t, b.Upsert(ctx, key, "#post-v2", nil))
				require.NoError(t, b.Upsert(ctx, key, "#post-v2", nil))

				got, err := b.Get(ctx, key)
				require.NoError(t, err)
				assert.Equal(t, "#post-v2", got.Locator)
				assert.Equal(t, 1, got.Successes)
				assert.Equal(t, 0, got.Failures)
			})

			t.Run("RecordOutcomeRescores", func(t *testing.T) {
				b := factory(t)
				ctx := context.Background()
				key := UserKey("alice", "/feed", "post field")
				require.NoError(t, b.Upsert(ctx, key, "[aria-label=\"Post\"]", nil))

				e, err := b.RecordOutcome(ctx, key, true)
				require.NoError(t, err)
				assert.Equal(t, 1, e.Successes)
				assert.NotNil(t, e.LastSuccessAt)
				assert.InDelta(t, Score(1, 0), e.Score, 1e-9)

				e, err = b.RecordOutcome(ctx, key, false)
				require.NoError(t, err)
				assert.Equal(t, 1, e.Failures)
				assert.NotNil(t, e.LastAttemptAt)
				assert.InDelta(t, Score(1, 1), e.Score, 1e-9)

				got, err := b.Get(ctx, key)
				require.NoError(t, err)
				assert.InDelta(t, Score(got.Successes, got.Failures), got.Score, 1e-9)
			})

			t.Run("RecordOutcomeMissing", func(t *testing.T) {
				b := factory(t)
				_, err := b.RecordOutcome(context.Background(), UserKey("alice", "/", "ghost"), true)
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("PromoteFreshThenRefresh", func(t *testing.T) {
				b := factory(t)
				ctx := context.Background()
				key := UserKey("alice", "/", "post button")
				require.NoError(t, b.Upsert(ctx, key, "#post", map[string]any{"learned_by": "heuristic"}))
				for i := 0; i < 3; i++ {
					_, err := b.RecordOutcome(ctx, key, true)
					require.NoError(t, err)
				}

				created, err := b.Promote(ctx, key)
				require.NoError(t, err)
				assert.True(t, created)

				g, err := b.Get(ctx, key.Global())
				require.NoError(t, err)
				assert.Equal(t, ScopeGlobal, g.Scope)
				assert.Equal(t, "", g.Owner)
				assert.Equal(t, "#post", g.Locator)
				assert.Equal(t, 0, g.Successes)
				assert.Equal(t, 0, g.Failures)
				assert.Equal(t, "heuristic", g.Metadata["learned_by"])

				_, err = b.RecordOutcome(ctx, key.Global(), true)
				require.NoError(t, err)
				require.NoError(t, b.Upsert(ctx, key, "#post-new", nil))

				created, err = b.Promote(ctx, key)
				require.NoError(t, err)
				assert.False(t, created)

				g, err = b.Get(ctx, key.Global())
				require.NoError(t, err)
				assert.Equal(t, "#post-new", g.Locator)
				assert.Equal(t, 1, g.Successes, "refresh must keep global counters")
			})

			t.Run("PromoteMissing", func(t *testing.T) {
				b := factory(t)
				_, err := b.Promote(context.Background(), UserKey("alice", "/", "ghost"))
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("ListFilters", func(t *testing.T) {
				b := factory(t)
				ctx := context.Background()
				require.NoError(t, b.Upsert(ctx, UserKey("alice", "/", "a"), "#a", nil))
				require.NoError(t, b.Upsert(ctx, UserKey("bob", "/", "b"), "#b", nil))
				require.NoError(t, b.Upsert(ctx, UserKey("alice", "/feed", "c"), "#c", nil))
				_, err := b.RecordOutcome(ctx, UserKey("alice", "/feed", "c"), true)
				require.NoError(t, err)

				all, err := b.List(ctx, Filter{})
				require.NoError(t, err)
				assert.Len(t, all, 3)
				assert.Equal(t, "c", all[0].Target, "entries with a success come first")

				alice, err := b.List(ctx, Filter{Owner: "alice"})
				require.NoError(t, err)
				assert.Len(t, alice, 2)

				root, err := b.List(ctx, Filter{Route: "/"})
				require.NoError(t, err)
				assert.Len(t, root, 2)

				limited, err := b.List(ctx, Filter{Limit: 1})
				require.NoError(t, err)
				assert.Len(t, limited, 1)
			})

			t.Run("RejectsInvalidKey", func(t *testing.T) {
				b := factory(t)
				err := b.Upsert(context.Background(), Key{Scope: ScopeUser, Route: "/", Target: "x"}, "#x", nil)
				assert.Error(t, err)
			})
		})
	}
}

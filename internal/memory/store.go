package memory

import (
	"context"
	"errors"
	"fmt"

	"uiresolve-mcp-server/internal/config"

	"go.uber.org/zap"
)

// Store is the best-effort facade over a Backend. Persistence errors are
// logged and swallowed so learning never fails the action that triggered it.
// The caller identity comes from ctx (see WithCaller).
type Store struct {
	backend Backend
	log     *zap.Logger
}

func NewStore(backend Backend, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{backend: backend, log: logger.Named("memory")}
}

// Open builds the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.MemoryConfig, logger *zap.Logger) (Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return NewMemoryBackend(), nil
	case config.BackendSQLite, "":
		return NewSQLiteBackend(cfg.SQLitePath)
	case config.BackendPostgres:
		return OpenPostgres(ctx, cfg.PostgresDSN, logger)
	case config.BackendRedis:
		return OpenRedis(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Backend)
	}
}

// Backend exposes the underlying backend for administrative reads.
func (s *Store) Backend() Backend {
	return s.backend
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// KeyFor builds the key for scope using the caller in ctx. ok is false for
// user scope when the request is anonymous.
func KeyFor(ctx context.Context, scope Scope, route, target string) (Key, bool) {
	if scope == ScopeGlobal {
		return GlobalKey(route, target), true
	}
	caller := CallerFrom(ctx)
	if caller == "" {
		return Key{}, false
	}
	return UserKey(caller, route, target), true
}

// Get returns the entry visible to the caller: user scope first, then global.
// Returns nil when neither exists or the backend is unavailable.
func (s *Store) Get(ctx context.Context, route, target string) *Entry {
	for _, scope := range []Scope{ScopeUser, ScopeGlobal} {
		if e := s.lookup(ctx, scope, route, target); e != nil {
			return e
		}
	}
	return nil
}

// Candidates returns every entry visible to the caller in priority order
// (user, then global).
func (s *Store) Candidates(ctx context.Context, route, target string) []Entry {
	var out []Entry
	for _, scope := range []Scope{ScopeUser, ScopeGlobal} {
		if e := s.lookup(ctx, scope, route, target); e != nil {
			out = append(out, *e)
		}
	}
	return out
}

// Lookup reads a single scope.
func (s *Store) Lookup(ctx context.Context, scope Scope, route, target string) *Entry {
	return s.lookup(ctx, scope, route, target)
}

func (s *Store) lookup(ctx context.Context, scope Scope, route, target string) *Entry {
	key, ok := KeyFor(ctx, scope, route, target)
	if !ok {
		return nil
	}
	e, err := s.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn("memory read failed", zap.Stringer("key", key), zap.Error(err))
		}
		return nil
	}
	return &e
}

// Upsert writes a user-scope locator. Global entries are only written through
// Promote, so a global-scope call is refused.
func (s *Store) Upsert(ctx context.Context, scope Scope, route, target, locator string, metadata map[string]any) bool {
	if scope != ScopeUser {
		s.log.Warn("refusing direct write to non-user scope", zap.String("scope", string(scope)),
			zap.String("route", route), zap.String("target", target))
		return false
	}
	key, ok := KeyFor(ctx, scope, route, target)
	if !ok {
		s.log.Debug("anonymous caller, skipping memory upsert", zap.String("target", target))
		return false
	}
	if err := s.backend.Upsert(ctx, key, locator, metadata); err != nil {
		s.log.Warn("memory upsert failed", zap.Stringer("key", key), zap.Error(err))
		return false
	}
	return true
}

// RecordOutcome increments a counter and returns the updated entry, or nil if
// nothing was recorded.
func (s *Store) RecordOutcome(ctx context.Context, scope Scope, route, target string, success bool) *Entry {
	key, ok := KeyFor(ctx, scope, route, target)
	if !ok {
		return nil
	}
	e, err := s.backend.RecordOutcome(ctx, key, success)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.log.Debug("no entry to record outcome against", zap.Stringer("key", key))
		} else {
			s.log.Warn("memory record outcome failed", zap.Stringer("key", key), zap.Error(err))
		}
		return nil
	}
	return &e
}

// Promote copies the caller's user entry into global scope. ok is false when
// nothing was promoted because of an error or a missing source.
func (s *Store) Promote(ctx context.Context, route, target string) (created bool, ok bool) {
	key, ok := KeyFor(ctx, ScopeUser, route, target)
	if !ok {
		return false, false
	}
	created, err := s.backend.Promote(ctx, key)
	if err != nil {
		s.log.Warn("memory promote failed", zap.Stringer("key", key), zap.Error(err))
		return false, false
	}
	return created, true
}

// List is an administrative read; errors are returned to the caller.
func (s *Store) List(ctx context.Context, filter Filter) ([]Entry, error) {
	return s.backend.List(ctx, filter)
}

package memory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Backend is the persistence boundary for locator memory. Implementations must
// make counter updates atomic and treat Upsert as last-write-wins on the
// locator string.
type Backend interface {
	// Get returns the entry for key or ErrNotFound.
	Get(ctx context.Context, key Key) (Entry, error)
	// Upsert writes locator and metadata, creating the entry with zero counters
	// when absent. Existing counters are never touched.
	Upsert(ctx context.Context, key Key, locator string, metadata map[string]any) error
	// RecordOutcome increments one counter and returns the updated entry, or
	// ErrNotFound when no entry exists.
	RecordOutcome(ctx context.Context, key Key, success bool) (Entry, error)
	// Promote copies a user entry's locator and metadata into global scope.
	// A new global entry starts with fresh counters; an existing one only has
	// its locator refreshed. created reports which happened.
	Promote(ctx context.Context, from Key) (created bool, err error)
	// List returns entries matching filter ordered by most recent success.
	List(ctx context.Context, filter Filter) ([]Entry, error)
	Close() error
}

// MemoryBackend keeps entries in process memory. Used for tests and for
// ephemeral runs with memory.backend=memory.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[Key]*Entry
	now     func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[Key]*Entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryBackend) Get(_ context.Context, key Key) (Entry, error) {
	if err := key.Validate(); err != nil {
		return Entry{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return cloneEntry(e), nil
}

func (m *MemoryBackend) Upsert(_ context.Context, key Key, locator string, metadata map[string]any) error {
	if err := key.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok {
		e.Locator = locator
		e.Metadata = cloneMetadata(metadata)
		e.UpdatedAt = now
		return nil
	}
	m.entries[key] = &Entry{
		Scope:     key.Scope,
		Owner:     key.Owner,
		Route:     key.Route,
		Target:    key.Target,
		Locator:   locator,
		Metadata:  cloneMetadata(metadata),
		UpdatedAt: now,
	}
	return nil
}

func (m *MemoryBackend) RecordOutcome(_ context.Context, key Key, success bool) (Entry, error) {
	if err := key.Validate(); err != nil {
		return Entry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	now := m.now()
	if success {
		e.Successes++
		e.LastSuccessAt = &now
	} else {
		e.Failures++
	}
	e.LastAttemptAt = &now
	e.UpdatedAt = now
	return cloneEntry(e), nil
}

func (m *MemoryBackend) Promote(_ context.Context, from Key) (bool, error) {
	if err := from.Validate(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.entries[from]
	if !ok {
		return false, ErrNotFound
	}
	now := m.now()
	gk := from.Global()
	if g, ok := m.entries[gk]; ok {
		g.Locator = src.Locator
		g.UpdatedAt = now
		return false, nil
	}
	m.entries[gk] = &Entry{
		Scope:     ScopeGlobal,
		Route:     gk.Route,
		Target:    gk.Target,
		Locator:   src.Locator,
		Metadata:  cloneMetadata(src.Metadata),
		UpdatedAt: now,
	}
	return true, nil
}

func (m *MemoryBackend) List(_ context.Context, filter Filter) ([]Entry, error) {
	m.mu.RLock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if filter.match(*e) {
			out = append(out, cloneEntry(e))
		}
	}
	m.mu.RUnlock()

	sortAndLimit(&out, filter.Limit)
	return out, nil
}

func (m *MemoryBackend) Close() error { return nil }

func sortAndLimit(entries *[]Entry, limit int) {
	list := *entries
	sort.SliceStable(list, func(i, j int) bool { return lessByRecency(list[i], list[j]) })
	if limit > 0 && len(list) > limit {
		*entries = list[:limit]
	}
}

func cloneEntry(e *Entry) Entry {
	out := *e
	out.Metadata = cloneMetadata(e.Metadata)
	if e.LastSuccessAt != nil {
		t := *e.LastSuccessAt
		out.LastSuccessAt = &t
	}
	if e.LastAttemptAt != nil {
		t := *e.LastAttemptAt
		out.LastAttemptAt = &t
	}
	out.rescore()
	return out
}

func cloneMetadata(md map[string]any) map[string]any {
	if md == nil {
		return nil
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

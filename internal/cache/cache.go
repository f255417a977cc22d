// Package cache memoizes resolved locators per session for a fixed TTL.
package cache

import (
	"sync"
	"time"

	"uiresolve-mcp-server/internal/memory"
)

// Clock is the time source for expiry. Injected so tests can advance time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

type key struct {
	route  string
	target string
}

type slot struct {
	entry   *memory.Entry // nil caches a known miss
	expires time.Time
}

// Result is a cache hit. Entry is nil for a cached miss.
type Result struct {
	Entry      *memory.Entry
	Generation int
}

// ResolutionCache maps (route, target) to the last resolved entry or a known
// miss. Owned by one executor; cleared on navigation.
type ResolutionCache struct {
	mu         sync.RWMutex
	ttl        time.Duration
	clock      Clock
	slots      map[key]slot
	generation int // increments on Clear
}

// New creates a cache. A nil clock uses SystemClock.
func New(ttl time.Duration, clock Clock) *ResolutionCache {
	if clock == nil {
		clock = SystemClock{}
	}
	return &ResolutionCache{
		ttl:   ttl,
		clock: clock,
		slots: make(map[key]slot),
	}
}

func keyOf(route, target string) key {
	return key{route: memory.NormalizeRoute(route), target: memory.NormalizeTarget(target)}
}

// Get returns the cached value if present and unexpired.
func (c *ResolutionCache) Get(route, target string) (Result, bool) {
	k := keyOf(route, target)

	c.mu.RLock()
	s, ok := c.slots[k]
	gen := c.generation
	c.mu.RUnlock()

	if !ok {
		return Result{}, false
	}
	if !c.clock.Now().Before(s.expires) {
		c.mu.Lock()
		if cur, still := c.slots[k]; still && cur.expires.Equal(s.expires) {
			delete(c.slots, k)
		}
		c.mu.Unlock()
		return Result{}, false
	}

	var entry *memory.Entry
	if s.entry != nil {
		e := *s.entry
		entry = &e
	}
	return Result{Entry: entry, Generation: gen}, true
}

// Put stores value (nil for a miss) with now+TTL expiry, replacing any prior value.
func (c *ResolutionCache) Put(route, target string, value *memory.Entry) {
	var stored *memory.Entry
	if value != nil {
		e := *value
		stored = &e
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots[keyOf(route, target)] = slot{entry: stored, expires: c.clock.Now().Add(c.ttl)}
}

// Invalidate drops one entry. Called whenever an outcome is recorded for it.
func (c *ResolutionCache) Invalidate(route, target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.slots, keyOf(route, target))
}

// Clear drops everything and bumps the generation. Called on navigation.
func (c *ResolutionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots = make(map[key]slot)
	c.generation++
}

// Len returns the number of stored slots, expired or not.
func (c *ResolutionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.slots)
}

// Generation returns how many times the cache has been cleared.
func (c *ResolutionCache) Generation() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

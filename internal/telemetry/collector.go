package telemetry

import (
	"context"
	"sync"
	"time"
)

// Collector keeps the most recent events in memory for metrics and the MCP
// surface. It is a Writer.
type Collector struct {
	mu   sync.RWMutex
	buf  []Event
	next int
	full bool
}

// NewCollector returns a ring holding at most size events.
func NewCollector(size int) *Collector {
	if size <= 0 {
		size = 10000
	}
	return &Collector{buf: make([]Event, size)}
}

func (c *Collector) Name() string { return "collector" }

func (c *Collector) Write(_ context.Context, batch []Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range batch {
		c.buf[c.next] = ev
		c.next = (c.next + 1) % len(c.buf)
		if c.next == 0 {
			c.full = true
		}
	}
	return nil
}

func (c *Collector) Close() error { return nil }

// Len reports how many events are held.
func (c *Collector) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.full {
		return len(c.buf)
	}
	return c.next
}

// Events returns held events oldest first.
func (c *Collector) Events() []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.full {
		out := make([]Event, c.next)
		copy(out, c.buf[:c.next])
		return out
	}
	out := make([]Event, 0, len(c.buf))
	out = append(out, c.buf[c.next:]...)
	return append(out, c.buf[:c.next]...)
}

// Since returns held events at or after t, optionally filtered by type.
func (c *Collector) Since(t time.Time, types ...EventType) []Event {
	var out []Event
	for _, ev := range c.Events() {
		if ev.Timestamp.Before(t) {
			continue
		}
		if len(types) > 0 && !hasType(types, ev.Type) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func hasType(types []EventType, t EventType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

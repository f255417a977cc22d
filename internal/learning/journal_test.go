package learning

import (
	"context"
	"fmt"
	"testing"
	"time"

	"uiresolve-mcp-server/internal/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newJournal(size int) (*Journal, *clock) {
	c := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	return NewJournal(size, c.now), c
}

func TestJournalBoundedNewestFirst(t *testing.T) {
	j, _ := newJournal(3)
	for i := 0; i < 5; i++ {
		j.Append(ActionRecord{Caller: "alice", Action: "click", Target: fmt.Sprintf("t%d", i), Success: true})
	}
	recs := j.Records("alice", 0)
	require.Len(t, recs, 3)
	assert.Equal(t, "t4", recs[0].Target)
	assert.Equal(t, "t2", recs[2].Target)
	assert.NotEmpty(t, recs[0].ID)

	assert.Len(t, j.Records("alice", 2), 2)
	assert.Empty(t, j.Records("bob", 0))
}

func TestSelfCritique(t *testing.T) {
	j, c := newJournal(100)
	fail := ActionRecord{Caller: "alice", Action: "click", Target: "post button"}

	j.Append(fail)
	c.advance(6 * time.Minute)
	j.Append(fail)
	j.Append(fail)
	j.Append(ActionRecord{Caller: "alice", Action: "fill", Target: "post field"})
	j.Append(ActionRecord{Caller: "bob", Action: "click"})

	got := j.SelfCritique("alice", "click")
	assert.False(t, got.Needed, "the first failure is outside the window")
	assert.Equal(t, 2, got.Failures)

	j.Append(fail)
	got = j.SelfCritique("alice", "click")
	assert.True(t, got.Needed)
	assert.Equal(t, 3, got.Failures)
	assert.Contains(t, got.Suggestion, "3 times to click")
}

func TestSuccessRate(t *testing.T) {
	j, c := newJournal(100)
	j.Append(ActionRecord{Caller: "alice", Action: "click", Success: false})
	c.advance(8 * 24 * time.Hour)
	j.Append(ActionRecord{Caller: "alice", Action: "click", Success: true})
	j.Append(ActionRecord{Caller: "alice", Action: "click", Success: true})
	j.Append(ActionRecord{Caller: "alice", Action: "click", Success: false})
	j.Append(ActionRecord{Caller: "alice", Action: "read", Success: false})

	r := j.SuccessRate("alice", "click")
	assert.Equal(t, 3, r.Total)
	assert.Equal(t, 2, r.Successful)
	assert.InDelta(t, 2.0/3.0, r.Rate, 1e-9)

	assert.Equal(t, Rate{}, j.SuccessRate("bob", "click"))
}

func TestHeatmap(t *testing.T) {
	j, c := newJournal(1000)
	start := c.t
	j.Append(ActionRecord{Caller: "old", Target: "x", Success: false})
	c.advance(time.Hour)

	for i := 0; i < 3; i++ {
		j.Append(ActionRecord{Caller: "alice", Target: "post button", Success: false})
	}
	j.Append(ActionRecord{Caller: "alice", Target: "post button", Success: true})
	j.Append(ActionRecord{Caller: "bob", Target: "like", Success: false})
	for i := 0; i < 40; i++ {
		j.Append(ActionRecord{Caller: "carol", Target: fmt.Sprintf("t%02d", i), Success: true})
	}

	cells := j.Heatmap(start.Add(time.Minute))
	require.Len(t, cells, heatmapLimit)
	assert.Equal(t, HeatCell{Caller: "alice", Target: "post button", Successes: 1, Failures: 3}, cells[0])
	assert.Equal(t, "bob", cells[1].Caller)
	for _, cell := range cells {
		assert.NotEqual(t, "old", cell.Caller)
	}
}

func TestExport(t *testing.T) {
	store := memory.NewStore(memory.NewMemoryBackend(), nil)
	ctx := memory.WithCaller(context.Background(), "alice")
	fb := NewFeedback(store, nil, memory.DefaultPolicy(), nil)

	fb.Learn(ctx, nil, "/", "a", "#a", nil)
	fb.Record(ctx, nil, Outcome{Scope: memory.ScopeUser, Route: "/", Target: "a", Success: true})
	fb.Record(ctx, nil, Outcome{Scope: memory.ScopeUser, Route: "/", Target: "a", Success: true})
	fb.Learn(ctx, nil, "/", "b", "#b", nil)
	fb.Learn(memory.WithCaller(context.Background(), "bob"), nil, "/", "c", "#c", nil)

	j, _ := newJournal(100)
	j.Append(ActionRecord{Caller: "alice", Action: "click", Success: true})
	j.Append(ActionRecord{Caller: "alice", Action: "click", Success: false})
	j.Append(ActionRecord{Caller: "bob", Action: "click", Success: true})

	out, err := NewExporter(store, j).Export(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, out.Entries, 2)
	assert.Equal(t, "a", out.Entries[0].Target, "highest score first")
	assert.Equal(t, ExportStats{TotalEntries: 2, HighConfidence: 1, TotalActions: 2, SuccessCount: 1, FailureCount: 1}, out.Stats)
}

package learning

import (
	"context"
	"fmt"
	"sort"

	"uiresolve-mcp-server/internal/memory"

	"golang.org/x/sync/errgroup"
)

const (
	highConfidence = 0.8
	exportRecords  = 100
)

// ExportStats summarizes an export.
type ExportStats struct {
	TotalEntries   int `json:"total_entries"`
	HighConfidence int `json:"high_confidence"`
	TotalActions   int `json:"total_actions"`
	SuccessCount   int `json:"success_count"`
	FailureCount   int `json:"failure_count"`
}

// Export is everything learned about one caller.
type Export struct {
	Caller  string         `json:"caller"`
	Entries []memory.Entry `json:"entries"`
	Actions []ActionRecord `json:"actions"`
	Stats   ExportStats    `json:"stats"`
}

// Exporter reads memory and the journal together.
type Exporter struct {
	store   *memory.Store
	journal *Journal
}

func NewExporter(store *memory.Store, journal *Journal) *Exporter {
	return &Exporter{store: store, journal: journal}
}

// Export gathers the caller's user-scope entries, highest score first, and
// their 100 most recent actions.
func (x *Exporter) Export(ctx context.Context, caller string) (Export, error) {
	out := Export{Caller: caller}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		entries, err := x.store.List(gctx, memory.Filter{Scope: memory.ScopeUser, Owner: caller})
		if err != nil {
			return fmt.Errorf("list memory: %w", err)
		}
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Score > entries[j].Score })
		out.Entries = entries
		return nil
	})
	g.Go(func() error {
		out.Actions = x.journal.Records(caller, exportRecords)
		return nil
	})
	if err := g.Wait(); err != nil {
		return Export{}, err
	}

	out.Stats.TotalEntries = len(out.Entries)
	for _, e := range out.Entries {
		if e.Score >= highConfidence {
			out.Stats.HighConfidence++
		}
	}
	out.Stats.TotalActions = len(out.Actions)
	for _, r := range out.Actions {
		if r.Success {
			out.Stats.SuccessCount++
		} else {
			out.Stats.FailureCount++
		}
	}
	return out, nil
}

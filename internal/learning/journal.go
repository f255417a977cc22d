package learning

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	critiqueWindow    = 5 * time.Minute
	critiqueThreshold = 3
	successRateWindow = 7 * 24 * time.Hour
	heatmapLimit      = 30
	defaultJournal    = 2048
)

// ActionRecord is one executed action as seen by the caller.
type ActionRecord struct {
	ID       string        `json:"id"`
	Caller   string        `json:"caller"`
	Action   string        `json:"action"`
	Route    string        `json:"route"`
	Target   string        `json:"target,omitempty"`
	Success  bool          `json:"success"`
	Source   string        `json:"source,omitempty"`
	Locator  string        `json:"locator,omitempty"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// Journal is a bounded in-memory log of action records.
type Journal struct {
	mu   sync.RWMutex
	recs []ActionRecord
	max  int
	now  func() time.Time
}

// NewJournal keeps at most size records. A nil now uses time.Now.
func NewJournal(size int, now func() time.Time) *Journal {
	if size <= 0 {
		size = defaultJournal
	}
	if now == nil {
		now = time.Now
	}
	return &Journal{max: size, now: now}
}

// Append stores r, filling ID and At when unset.
func (j *Journal) Append(r ActionRecord) ActionRecord {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.At.IsZero() {
		r.At = j.now()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recs = append(j.recs, r)
	if over := len(j.recs) - j.max; over > 0 {
		j.recs = append([]ActionRecord(nil), j.recs[over:]...)
	}
	return r
}

// Records returns the caller's records newest first. An empty caller returns
// everyone's. limit <= 0 means all.
func (j *Journal) Records(caller string, limit int) []ActionRecord {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []ActionRecord
	for i := len(j.recs) - 1; i >= 0; i-- {
		r := j.recs[i]
		if caller != "" && r.Caller != caller {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Critique is the self-critique verdict for an action.
type Critique struct {
	Needed     bool   `json:"needed"`
	Failures   int    `json:"failures"`
	Suggestion string `json:"suggestion,omitempty"`
}

// SelfCritique reports whether the caller failed action at least three times
// in the last five minutes.
func (j *Journal) SelfCritique(caller, action string) Critique {
	since := j.now().Add(-critiqueWindow)
	failures := 0
	for _, r := range j.Records(caller, 0) {
		if r.At.Before(since) {
			break
		}
		if r.Action == action && !r.Success {
			failures++
		}
	}
	c := Critique{Failures: failures}
	if failures >= critiqueThreshold {
		c.Needed = true
		c.Suggestion = fmt.Sprintf("Tried %d times to %s without success. Try a different approach or ask the user to point at the element.", failures, action)
	}
	return c
}

// Rate is a success ratio over a window.
type Rate struct {
	Total      int     `json:"total"`
	Successful int     `json:"successful"`
	Rate       float64 `json:"rate"`
}

// SuccessRate computes the caller's success ratio for action over 7 days.
func (j *Journal) SuccessRate(caller, action string) Rate {
	since := j.now().Add(-successRateWindow)
	var r Rate
	for _, rec := range j.Records(caller, 0) {
		if rec.At.Before(since) {
			break
		}
		if rec.Action != action {
			continue
		}
		r.Total++
		if rec.Success {
			r.Successful++
		}
	}
	if r.Total > 0 {
		r.Rate = float64(r.Successful) / float64(r.Total)
	}
	return r
}

// HeatCell counts outcomes for one caller and target.
type HeatCell struct {
	Caller    string `json:"caller"`
	Target    string `json:"target"`
	Successes int    `json:"successes"`
	Failures  int    `json:"failures"`
}

// Heatmap returns per (caller, target) counts since t, the 30 cells with the
// most failures first.
func (j *Journal) Heatmap(since time.Time) []HeatCell {
	type key struct{ caller, target string }
	cells := make(map[key]*HeatCell)
	for _, r := range j.Records("", 0) {
		if r.At.Before(since) {
			break
		}
		k := key{r.Caller, r.Target}
		c, ok := cells[k]
		if !ok {
			c = &HeatCell{Caller: r.Caller, Target: r.Target}
			cells[k] = c
		}
		if r.Success {
			c.Successes++
		} else {
			c.Failures++
		}
	}

	out := make([]HeatCell, 0, len(cells))
	for _, c := range cells {
		out = append(out, *c)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Failures != out[b].Failures {
			return out[a].Failures > out[b].Failures
		}
		if out[a].Caller != out[b].Caller {
			return out[a].Caller < out[b].Caller
		}
		return out[a].Target < out[b].Target
	})
	if len(out) > heatmapLimit {
		out = out[:heatmapLimit]
	}
	return out
}

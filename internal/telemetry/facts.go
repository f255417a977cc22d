package telemetry

import (
	"context"

	"uiresolve-mcp-server/internal/mangle"
)

// FactWriter feeds events into the deductive engine so derived views such as
// flaky_locator stay current.
type FactWriter struct {
	engine *mangle.Engine
}

func NewFactWriter(engine *mangle.Engine) *FactWriter {
	return &FactWriter{engine: engine}
}

func (w *FactWriter) Name() string { return "mangle" }

func (w *FactWriter) Write(ctx context.Context, batch []Event) error {
	facts := make([]mangle.Fact, 0, len(batch))
	for _, ev := range batch {
		if f, ok := ToFact(ev); ok {
			facts = append(facts, f)
		}
	}
	return w.engine.AddFacts(ctx, facts)
}

func (w *FactWriter) Close() error { return nil }

// ToFact maps an event onto the predicate declared for its type.
func ToFact(ev Event) (mangle.Fact, bool) {
	ts := ev.Timestamp.UnixMilli()
	var args []interface{}
	switch ev.Type {
	case EventMemoryHit, EventMemoryMiss:
		args = []interface{}{ev.Route, ev.Target, ev.Source, ts}
	case EventLearnSession:
		args = []interface{}{ev.Route, ev.Target, outcomeOf(ev), ts}
	case EventPromotion:
		args = []interface{}{ev.Route, ev.Target, ts}
	case EventDecay:
		args = []interface{}{ev.Route, ev.Target, metaInt(ev.Metadata, "failures"), ts}
	case EventActionOutcome:
		action, _ := ev.Metadata["action"].(string)
		success, _ := ev.Metadata["success"].(bool)
		args = []interface{}{ev.Caller, action, ev.Target, success, ts}
	case EventNavigation:
		session, _ := ev.Metadata["session_id"].(string)
		url, _ := ev.Metadata["url"].(string)
		args = []interface{}{session, url, ts}
	default:
		return mangle.Fact{}, false
	}
	return mangle.Fact{Predicate: string(ev.Type), Args: args, Timestamp: ev.Timestamp}, true
}

func metaInt(m map[string]interface{}, key string) int64 {
	switch v := m[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

package mcp

import (
	"context"
	"fmt"
	"time"

	"uiresolve-mcp-server/internal/learning"
	"uiresolve-mcp-server/internal/mangle"
	"uiresolve-mcp-server/internal/memory"
	"uiresolve-mcp-server/internal/telemetry"
)

// ListMemoryTool shows learned locators.
type ListMemoryTool struct {
	store    *memory.Store
	exporter *learning.Exporter
	policy   memory.Policy
}

func (t *ListMemoryTool) Name() string { return "list-memory" }
func (t *ListMemoryTool) Description() string {
	return `List learned locators.

scope=user (default) lists your own entries; scope=global lists shared ones.
export=true returns your entries, recent actions and totals in one document.`
}
func (t *ListMemoryTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"user_id": userIDSchema,
			"scope": map[string]interface{}{
				"type": "string",
				"enum": []string{string(memory.ScopeUser), string(memory.ScopeGlobal)},
			},
			"route": stringSchema("Only entries for this route"),
			"limit": map[string]interface{}{"type": "integer"},
			"export": map[string]interface{}{
				"type":        "boolean",
				"description": "Return the full export for the caller",
			},
		},
	}
}

type memoryRow struct {
	memory.Entry
	Promotable bool `json:"promotable,omitempty"`
}

func (t *ListMemoryTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	caller := memory.CallerFrom(ctx)
	if export, _ := args["export"].(bool); export {
		return t.exporter.Export(ctx, caller)
	}

	scope := memory.Scope(getStringArg(args, "scope"))
	if scope == "" {
		scope = memory.ScopeUser
	}
	if !scope.Valid() {
		return nil, fmt.Errorf("unknown scope %q", scope)
	}
	filter := memory.Filter{
		Scope: scope,
		Route: getStringArg(args, "route"),
		Limit: getIntArg(args, "limit", 100),
	}
	if scope == memory.ScopeUser {
		filter.Owner = caller
	}
	entries, err := t.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	rows := make([]memoryRow, len(entries))
	for i, e := range entries {
		rows[i] = memoryRow{Entry: e, Promotable: scope == memory.ScopeUser && t.policy.Eligible(e)}
	}
	return map[string]interface{}{"scope": scope, "entries": rows}, nil
}

// LearningMetricsTool reports hit rates and failure hot spots.
type LearningMetricsTool struct {
	collector *telemetry.Collector
	journal   *learning.Journal
	now       func() time.Time
}

func (t *LearningMetricsTool) Name() string { return "learning-metrics" }
func (t *LearningMetricsTool) Description() string {
	return `Summarize the learning loop over the last N days (default 7):
daily memory hits by source, misses, hit rate, learn sessions, promotions and
decays, plus a heatmap of the targets that fail most.`
}
func (t *LearningMetricsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"days": map[string]interface{}{"type": "integer", "description": "Window in days (default 7)"},
		},
	}
}
func (t *LearningMetricsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	days := getIntArg(args, "days", 7)
	if days <= 0 {
		days = 7
	}
	since := t.now().Add(-time.Duration(days) * 24 * time.Hour)

	out := map[string]interface{}{"days": days}
	if t.collector != nil {
		out["daily"] = telemetry.Aggregate(t.collector.Since(since))
	}
	if t.journal != nil {
		out["heatmap"] = t.journal.Heatmap(since)
	}
	return out, nil
}

// SelfCritiqueTool tells the caller when to stop retrying an action.
type SelfCritiqueTool struct {
	journal *learning.Journal
}

func (t *SelfCritiqueTool) Name() string { return "self-critique" }
func (t *SelfCritiqueTool) Description() string {
	return `Check your recent attempts at an action. Three or more failures within five
minutes produce a suggestion to change approach. Also reports the 7-day success rate.`
}
func (t *SelfCritiqueTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"user_id": userIDSchema,
			"action":  stringSchema("Action name, e.g. click or create_post"),
		},
		"required": []string{"action"},
	}
}
func (t *SelfCritiqueTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	action := getStringArg(args, "action")
	if action == "" {
		return nil, fmt.Errorf("action is required")
	}
	caller := memory.CallerFrom(ctx)
	return map[string]interface{}{
		"critique":     t.journal.SelfCritique(caller, action),
		"success_rate": t.journal.SuccessRate(caller, action),
	}, nil
}

// TelemetryFactsTool reads the deductive view over telemetry.
type TelemetryFactsTool struct {
	engine *mangle.Engine
}

func (t *TelemetryFactsTool) Name() string { return "telemetry-facts" }
func (t *TelemetryFactsTool) Description() string {
	return `Read telemetry as facts.

predicate evaluates rules and returns every fact, e.g. flaky_locator,
shared_target, learned_target, failing_action, memory_miss.
query binds variables of one atom, e.g. "flaky_locator(R, T)."
rule adds Datalog declarations and rules before predicate or query run,
e.g. "Decl hit_route(R). hit_route(R) :- memory_hit(R, _, _, _)."
since (e.g. "15m") returns buffered raw facts newer than the window,
of predicate when given, otherwise of every predicate.`
}
func (t *TelemetryFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": stringSchema("Predicate name"),
			"query":     stringSchema("Single-atom query"),
			"rule":      stringSchema("Datalog rules to add first"),
			"since":     stringSchema("Go duration window over raw facts, e.g. 15m"),
			"limit":     map[string]interface{}{"type": "integer", "description": "Maximum rows (default 100)"},
		},
	}
}
func (t *TelemetryFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil || !t.engine.Ready() {
		return nil, fmt.Errorf("mangle engine unavailable")
	}
	limit := getIntArg(args, "limit", 100)

	rule := getStringArg(args, "rule")
	if rule != "" {
		if err := t.engine.AddRule(rule); err != nil {
			return nil, err
		}
	}

	if q := getStringArg(args, "query"); q != "" {
		rows, err := t.engine.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		if len(rows) > limit {
			rows = rows[:limit]
		}
		return map[string]interface{}{"query": q, "results": rows}, nil
	}

	predicate := getStringArg(args, "predicate")
	if since := getStringArg(args, "since"); since != "" {
		window, err := time.ParseDuration(since)
		if err != nil || window <= 0 {
			return nil, fmt.Errorf("since must be a positive duration, got %q", since)
		}
		facts := recentFacts(t.engine, predicate, time.Now().Add(-window))
		if len(facts) > limit {
			facts = facts[len(facts)-limit:]
		}
		return map[string]interface{}{"predicate": predicate, "since": since, "facts": facts}, nil
	}

	if predicate == "" {
		if rule != "" {
			return map[string]interface{}{"rule": "added"}, nil
		}
		return nil, fmt.Errorf("predicate, query, rule or since is required")
	}
	facts, err := t.engine.Evaluate(ctx, predicate)
	if err != nil {
		return nil, err
	}
	if len(facts) > limit {
		facts = facts[:limit]
	}
	return map[string]interface{}{"predicate": predicate, "facts": facts}, nil
}

// recentFacts returns buffered facts newer than after, oldest first.
func recentFacts(engine *mangle.Engine, predicate string, after time.Time) []mangle.Fact {
	if predicate != "" {
		return engine.QueryTemporal(predicate, after, time.Time{})
	}
	out := make([]mangle.Fact, 0)
	for _, f := range engine.Facts() {
		if f.Timestamp.After(after) {
			out = append(out, f)
		}
	}
	return out
}

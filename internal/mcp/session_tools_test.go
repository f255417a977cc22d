package mcp

import (
	"context"
	"testing"
	"time"

	"uiresolve-mcp-server/internal/browser"
	"uiresolve-mcp-server/internal/mangle"
)

func TestLaunchBrowserIsIdempotent(t *testing.T) {
	env := newTestEnv(t)

	if res := env.run(t, "launch-browser", nil); res["status"] != "started" {
		t.Fatalf("first launch = %v", res)
	}
	if res := env.run(t, "launch-browser", nil); res["status"] != "already_connected" {
		t.Fatalf("second launch = %v", res)
	}
}

func TestCreateSessionRequiresBrowser(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.srv.ExecuteTool(context.Background(), "create-session", nil)
	if err != browser.ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSnapshotElements(t *testing.T) {
	env := newTestEnv(t)
	env.openSession(t)

	res := env.run(t, "snapshot-elements", map[string]interface{}{"limit": 1})
	if res["total"] != float64(2) {
		t.Errorf("total = %v", res["total"])
	}
	elements, _ := res["elements"].([]interface{})
	if len(elements) != 1 {
		t.Fatalf("expected 1 element, got %v", res["elements"])
	}
	first := elements[0].(map[string]interface{})
	if first["label"] != "Post" || first["locator"] != "#post-btn" || first["strategy"] != "identity" {
		t.Errorf("first element = %v", first)
	}
}

func TestNavigateRequiresURL(t *testing.T) {
	env := newTestEnv(t)
	env.openSession(t)
	if _, err := env.srv.ExecuteTool(context.Background(), "navigate", map[string]interface{}{}); err == nil {
		t.Fatal("expected error without url")
	}
}

func TestTelemetryFactsTool(t *testing.T) {
	env := newTestEnv(t)

	res := env.run(t, "telemetry-facts", map[string]interface{}{"predicate": "flaky_locator"})
	if facts, _ := res["facts"].([]interface{}); len(facts) != 0 {
		t.Errorf("expected no facts on a fresh engine, got %v", facts)
	}
	if _, err := env.srv.ExecuteTool(context.Background(), "telemetry-facts", nil); err == nil {
		t.Error("expected error without predicate or query")
	}
}

func TestTelemetryFactsRuleAndWindow(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()
	old := now.Add(-time.Hour)
	err := env.engine.AddFacts(context.Background(), []mangle.Fact{
		{Predicate: "memory_hit", Args: []interface{}{"/archive", "compose", "user", old.UnixMilli()}, Timestamp: old},
		{Predicate: "memory_hit", Args: []interface{}{"/inbox", "compose", "user", now.UnixMilli()}, Timestamp: now},
		{Predicate: "memory_miss", Args: []interface{}{"/inbox", "reply", "global", now.UnixMilli()}, Timestamp: now},
	})
	if err != nil {
		t.Fatalf("AddFacts: %v", err)
	}

	res := env.run(t, "telemetry-facts", map[string]interface{}{"since": "10m", "predicate": "memory_hit"})
	if facts, _ := res["facts"].([]interface{}); len(facts) != 1 {
		t.Errorf("expected 1 recent memory_hit, got %v", res["facts"])
	}
	res = env.run(t, "telemetry-facts", map[string]interface{}{"since": "10m"})
	if facts, _ := res["facts"].([]interface{}); len(facts) != 2 {
		t.Errorf("expected 2 recent facts, got %v", res["facts"])
	}
	res = env.run(t, "telemetry-facts", map[string]interface{}{"since": "2h", "limit": 1})
	facts, _ := res["facts"].([]interface{})
	if len(facts) != 1 || facts[0].(map[string]interface{})["predicate"] != "memory_miss" {
		t.Errorf("limit keeps the newest fact, got %v", res["facts"])
	}

	res = env.run(t, "telemetry-facts", map[string]interface{}{
		"rule":  "Decl hit_route(R).\nhit_route(R) :- memory_hit(R, _, _, _).",
		"query": "hit_route(R).",
	})
	if rows, _ := res["results"].([]interface{}); len(rows) != 2 {
		t.Errorf("expected 2 hit routes, got %v", res["results"])
	}

	if _, err := env.srv.ExecuteTool(context.Background(), "telemetry-facts", map[string]interface{}{"since": "soon"}); err == nil {
		t.Error("expected error for malformed since")
	}
	if _, err := env.srv.ExecuteTool(context.Background(), "telemetry-facts", map[string]interface{}{"rule": "not ( datalog"}); err == nil {
		t.Error("expected error for malformed rule")
	}
}

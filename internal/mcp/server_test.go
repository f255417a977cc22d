package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"uiresolve-mcp-server/internal/browser"
	"uiresolve-mcp-server/internal/config"
	"uiresolve-mcp-server/internal/discover"
	"uiresolve-mcp-server/internal/executor"
	"uiresolve-mcp-server/internal/learning"
	"uiresolve-mcp-server/internal/mangle"
	"uiresolve-mcp-server/internal/memory"
	"uiresolve-mcp-server/internal/telemetry"
	"uiresolve-mcp-server/internal/tools"
)

type fakePage struct {
	mu    sync.Mutex
	snap  discover.Snapshot
	works map[string]bool
}

func (p *fakePage) Snapshot(ctx context.Context) (discover.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap, ctx.Err()
}

func (p *fakePage) Invoke(_ context.Context, locator string, _ browser.Action, value string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.works[locator] {
		return "", fmt.Errorf("no element matches %s", locator)
	}
	return value, nil
}

func (p *fakePage) PageAction(context.Context, browser.Action, string) (string, error) {
	return "page", nil
}

type fakeBrowser struct {
	mu        sync.Mutex
	connected bool
	sessions  map[string]browser.Session
	order     []string
	page      *fakePage
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		sessions: make(map[string]browser.Session),
		page: &fakePage{
			snap: discover.Snapshot{Elements: []discover.Element{
				{Index: 0, Tag: "button", Text: "Post", ID: "post-btn", IDUnique: true, Visible: true},
				{Index: 1, Tag: "a", Text: "Calendar", ID: "cal", IDUnique: true, Visible: true},
			}},
			works: map[string]bool{"#post-btn": true, "#cal": true},
		},
	}
}

func (b *fakeBrowser) Start(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

func (b *fakeBrowser) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBrowser) ControlURL() string { return "ws://fake" }

func (b *fakeBrowser) Shutdown(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	b.sessions = make(map[string]browser.Session)
	b.order = nil
	return nil
}

func (b *fakeBrowser) List() []browser.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]browser.Session, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.sessions[id])
	}
	return out
}

func (b *fakeBrowser) CreateSession(_ context.Context, rawURL string) (*browser.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, browser.ErrNotConnected
	}
	s := browser.Session{ID: fmt.Sprintf("s%d", len(b.order)+1), URL: rawURL, Status: "active"}
	b.sessions[s.ID] = s
	b.order = append(b.order, s.ID)
	return &s, nil
}

func (b *fakeBrowser) Navigate(_ context.Context, sessionID, rawURL string) (browser.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return browser.Session{}, fmt.Errorf("unknown session: %s", sessionID)
	}
	s.URL = "https://app.test" + rawURL
	b.sessions[sessionID] = s
	return s, nil
}

func (b *fakeBrowser) GetSession(sessionID string) (browser.Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	return s, ok
}

func (b *fakeBrowser) Live(sessionID string) (executor.LiveInterface, error) {
	if _, ok := b.GetSession(sessionID); !ok {
		return nil, fmt.Errorf("unknown session: %s", sessionID)
	}
	return b.page, nil
}

type testEnv struct {
	srv     *Server
	browser *fakeBrowser
	rt      *Runtime
	store   *memory.Store
	engine  *mangle.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Memory.Backend = config.BackendMemory

	store := memory.NewStore(memory.NewMemoryBackend(), nil)
	feedback := learning.NewFeedback(store, telemetry.NopSink{}, memory.DefaultPolicy(), nil)
	journal := learning.NewJournal(100, nil)
	b := newFakeBrowser()
	rt := NewRuntime(b, executor.Deps{Store: store, Feedback: feedback, Journal: journal}, executor.Options{
		CacheTTL:       time.Minute,
		AttemptTimeout: 50 * time.Millisecond,
		DiscoveryWait:  40 * time.Millisecond,
		DiscoveryPoll:  5 * time.Millisecond,
	})
	registry, err := tools.NewDefaultRegistry(tools.Backends{UI: rt.UIProvider()}, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	engine, err := mangle.NewEngine(config.MangleConfig{Enable: true, FactBufferLimit: 100}, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	srv, err := NewServer(cfg, Deps{
		Runtime:   rt,
		Registry:  registry,
		Store:     store,
		Feedback:  feedback,
		Journal:   journal,
		Collector: telemetry.NewCollector(100),
		Engine:    engine,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return &testEnv{srv: srv, browser: b, rt: rt, store: store, engine: engine}
}

func (e *testEnv) run(t *testing.T, name string, args map[string]interface{}) map[string]interface{} {
	t.Helper()
	out, err := e.srv.ExecuteTool(context.Background(), name, args)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("%s: marshal: %v", name, err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("%s: unmarshal: %v", name, err)
	}
	return m
}

func (e *testEnv) openSession(t *testing.T) string {
	t.Helper()
	e.run(t, "launch-browser", nil)
	res := e.run(t, "create-session", map[string]interface{}{"url": "https://app.test/feed"})
	return res["session"].(map[string]interface{})["id"].(string)
}

func TestNewServer(t *testing.T) {
	t.Run("requires runtime and registry", func(t *testing.T) {
		if _, err := NewServer(config.DefaultConfig(), Deps{}); err == nil {
			t.Fatal("expected error without runtime")
		}
	})

	t.Run("registers every tool", func(t *testing.T) {
		env := newTestEnv(t)
		want := []string{
			"launch-browser", "shutdown-browser", "create-session", "list-sessions", "navigate",
			"snapshot-elements", "resolve-locator", "execute-action", "create-post", "dispatch-tool",
			"run-batch", "teach-locator", "list-memory", "learning-metrics", "self-critique", "telemetry-facts",
		}
		for _, name := range want {
			if _, ok := env.srv.tools[name]; !ok {
				t.Errorf("tool %s not registered", name)
			}
		}
		if len(env.srv.tools) != len(want) {
			t.Errorf("expected %d tools, got %d", len(want), len(env.srv.tools))
		}
	})
}

func TestExecuteToolUnknown(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.srv.ExecuteTool(context.Background(), "nope", nil); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestExecuteActionLearnsPerCaller(t *testing.T) {
	env := newTestEnv(t)
	env.openSession(t)

	res := env.run(t, "execute-action", map[string]interface{}{"action": "click", "target": "post button"})
	if res["success"] != true || res["source"] != executor.SourceHeuristic {
		t.Fatalf("first click = %v", res)
	}

	res = env.run(t, "resolve-locator", map[string]interface{}{"target": "post button"})
	if res["found"] != true || res["source"] != executor.SourceUser || res["locator"] != "#post-btn" {
		t.Fatalf("resolve after learning = %v", res)
	}

	res = env.run(t, "resolve-locator", map[string]interface{}{"target": "post button", "user_id": "bob"})
	if res["source"] != executor.SourceHeuristic {
		t.Fatalf("bob should not see the local caller's memory: %v", res)
	}

	res = env.run(t, "resolve-locator", map[string]interface{}{"target": "settings gear"})
	if res["found"] != false {
		t.Fatalf("expected not found, got %v", res)
	}
	if avail, _ := res["available"].([]interface{}); len(avail) == 0 {
		t.Errorf("expected available labels, got %v", res["available"])
	}
}

func TestNavigateClearsSessionCache(t *testing.T) {
	env := newTestEnv(t)
	id := env.openSession(t)
	env.run(t, "execute-action", map[string]interface{}{"action": "click", "target": "post button"})
	env.run(t, "resolve-locator", map[string]interface{}{"target": "post button"})

	x, _, err := env.rt.Executor(id)
	if err != nil {
		t.Fatal(err)
	}
	ctx := memory.WithCaller(context.Background(), "local")
	if x.Cache(ctx).Len() == 0 {
		t.Fatal("expected cached resolutions before navigation")
	}

	res := env.run(t, "navigate", map[string]interface{}{"url": "/events"})
	if res["route"] != "/events" {
		t.Errorf("route = %v", res["route"])
	}
	if n := x.Cache(ctx).Len(); n != 0 {
		t.Errorf("expected empty cache after navigation, got %d", n)
	}
}

func TestNavigateEmitsEvent(t *testing.T) {
	var (
		mu     sync.Mutex
		events []telemetry.Event
	)
	sink := telemetry.SinkFunc(func(ev telemetry.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	b := newFakeBrowser()
	rt := NewRuntime(b, executor.Deps{Store: memory.NewStore(memory.NewMemoryBackend(), nil), Sink: sink}, executor.Options{})
	ctx := memory.WithCaller(context.Background(), "alice")
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	sess, err := b.CreateSession(ctx, "https://app.test/feed")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Navigate(ctx, "", "/events"); err != nil {
		t.Fatalf("Navigate: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != telemetry.EventNavigation || ev.Caller != "alice" || ev.Route != "/events" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Metadata["session_id"] != sess.ID {
		t.Errorf("session_id = %v", ev.Metadata["session_id"])
	}
}

func TestSessionSelection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.srv.ExecuteTool(ctx, "execute-action", map[string]interface{}{"action": "click", "target": "x"}); err == nil ||
		!strings.Contains(err.Error(), "create-session") {
		t.Fatalf("expected no-session error, got %v", err)
	}

	env.openSession(t)
	env.run(t, "create-session", map[string]interface{}{"url": "https://app.test/other"})
	if _, err := env.srv.ExecuteTool(ctx, "execute-action", map[string]interface{}{"action": "click", "target": "x"}); err == nil ||
		!strings.Contains(err.Error(), "session_id is required") {
		t.Fatalf("expected ambiguity error, got %v", err)
	}
	if _, err := env.srv.ExecuteTool(ctx, "navigate", map[string]interface{}{"session_id": "s9", "url": "/"}); err == nil {
		t.Fatal("expected unknown session error")
	}

	res := env.run(t, "list-sessions", nil)
	if sessions, _ := res["sessions"].([]interface{}); len(sessions) != 2 {
		t.Errorf("expected 2 sessions, got %v", res["sessions"])
	}

	env.run(t, "shutdown-browser", nil)
	res = env.run(t, "list-sessions", nil)
	if sessions, _ := res["sessions"].([]interface{}); len(sessions) != 0 {
		t.Errorf("expected no sessions after shutdown, got %v", res["sessions"])
	}
}

func TestTeachLocatorAfterFailure(t *testing.T) {
	env := newTestEnv(t)
	env.openSession(t)

	res := env.run(t, "execute-action", map[string]interface{}{"action": "click", "target": "settings gear"})
	if res["success"] != false {
		t.Fatalf("expected failure, got %v", res)
	}

	res = env.run(t, "teach-locator", map[string]interface{}{"target": "settings gear", "locator": "#cal"})
	if res["status"] != "taught" {
		t.Fatalf("teach = %v", res)
	}

	res = env.run(t, "execute-action", map[string]interface{}{"action": "click", "target": "settings gear"})
	if res["success"] != true || res["source"] != executor.SourceUser || res["locator"] != "#cal" {
		t.Fatalf("click after teaching = %v", res)
	}

	res = env.run(t, "teach-locator", map[string]interface{}{"target": "other", "cancel": true})
	if res["status"] != "cancelled" {
		t.Errorf("cancel = %v", res)
	}
}

func TestSelfCritiqueAfterRepeatedFailures(t *testing.T) {
	env := newTestEnv(t)
	env.openSession(t)

	var res map[string]interface{}
	for i := 0; i < 3; i++ {
		res = env.run(t, "execute-action", map[string]interface{}{"action": "click", "target": "settings gear"})
	}
	critique, ok := res["critique"].(map[string]interface{})
	if !ok || critique["needed"] != true {
		t.Fatalf("expected critique on third failure, got %v", res["critique"])
	}

	res = env.run(t, "self-critique", map[string]interface{}{"action": "click"})
	rate := res["success_rate"].(map[string]interface{})
	if rate["total"] != float64(3) || rate["successful"] != float64(0) {
		t.Errorf("success rate = %v", rate)
	}
}

func TestListMemory(t *testing.T) {
	env := newTestEnv(t)
	env.openSession(t)
	env.run(t, "execute-action", map[string]interface{}{"action": "click", "target": "post button"})

	res := env.run(t, "list-memory", nil)
	entries, _ := res["entries"].([]interface{})
	if len(entries) != 1 {
		t.Fatalf("expected 1 user entry, got %v", res)
	}

	res = env.run(t, "list-memory", map[string]interface{}{"user_id": "bob"})
	if entries, _ := res["entries"].([]interface{}); len(entries) != 0 {
		t.Errorf("bob should have no entries, got %v", entries)
	}

	res = env.run(t, "list-memory", map[string]interface{}{"export": true})
	stats := res["stats"].(map[string]interface{})
	if stats["total_entries"] != float64(1) || stats["success_count"] != float64(1) {
		t.Errorf("export stats = %v", stats)
	}

	if _, err := env.srv.ExecuteTool(context.Background(), "list-memory", map[string]interface{}{"scope": "team"}); err == nil {
		t.Error("expected error for unknown scope")
	}
}

func TestDispatchToolUsesSession(t *testing.T) {
	env := newTestEnv(t)
	id := env.openSession(t)

	res := env.run(t, "dispatch-tool", map[string]interface{}{
		"tool":       "fe.click",
		"session_id": id,
		"params":     map[string]interface{}{"target": "calendar"},
	})
	if res["success"] != true {
		t.Fatalf("fe.click = %v", res)
	}

	res = env.run(t, "dispatch-tool", map[string]interface{}{"tool": "db.query_posts"})
	if res["success"] != false || !strings.Contains(res["error"].(string), "not configured") {
		t.Errorf("db.query_posts = %v", res)
	}

	res = env.run(t, "run-batch", map[string]interface{}{
		"calls": []interface{}{
			map[string]interface{}{"tool": "fe.navigate", "params": map[string]interface{}{"path": "/calendar"}},
			map[string]interface{}{"tool": "ai.generate_image", "params": map[string]interface{}{"continue_on_error": true}},
			map[string]interface{}{"tool": "fe.click", "params": map[string]interface{}{"target": "post button"}},
		},
	})
	results := res["results"].([]interface{})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %v", results)
	}
	if results[2].(map[string]interface{})["success"] != true {
		t.Errorf("last call = %v", results[2])
	}
}

func TestRPCRoutes(t *testing.T) {
	env := newTestEnv(t)
	env.openSession(t)
	ts := httptest.NewServer(env.srv.Router(0))
	defer ts.Close()

	post := func(path, body, caller string) (*http.Response, map[string]interface{}) {
		t.Helper()
		req, err := http.NewRequest(http.MethodPost, ts.URL+path, strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		if caller != "" {
			req.Header.Set("X-User-ID", caller)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var out map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("%s: decode: %v", path, err)
		}
		return resp, out
	}

	resp, out := post("/rpc/execute", `{"action":"click","target":"post button"}`, "carol")
	if resp.StatusCode != http.StatusOK || out["success"] != true {
		t.Fatalf("execute = %d %v", resp.StatusCode, out)
	}

	_, out = post("/rpc/resolve", `{"target":"post button"}`, "carol")
	if out["source"] != executor.SourceUser {
		t.Errorf("carol should resolve from her memory: %v", out)
	}
	_, out = post("/rpc/resolve", `{"target":"post button"}`, "")
	if out["source"] != executor.SourceHeuristic {
		t.Errorf("default caller should not see carol's memory: %v", out)
	}

	resp, out = post("/rpc/resolve", `{}`, "")
	if resp.StatusCode != http.StatusBadRequest || out["success"] != false {
		t.Errorf("missing target = %d %v", resp.StatusCode, out)
	}

	_, out = post("/rpc/dispatch", `{"tool":"ai.transcribe_audio"}`, "")
	if out["success"] != false || !strings.Contains(out["error"].(string), "not implemented") {
		t.Errorf("dispatch = %v", out)
	}

	resp, _ = post("/rpc/batch", `not json`, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body status = %d", resp.StatusCode)
	}

	health, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", health.StatusCode)
	}
}

func TestMarshalToolPayloadFallback(t *testing.T) {
	payload := marshalToolPayload("x", map[string]interface{}{"bad": make(chan int)})
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("fallback not JSON: %v", err)
	}
	if m["success"] != false {
		t.Errorf("expected success=false, got %v", m)
	}
}

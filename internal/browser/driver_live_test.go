package browser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"uiresolve-mcp-server/internal/config"
	"uiresolve-mcp-server/internal/discover"
)

const livePage = `<!doctype html>
<html><body><main>
<form onsubmit="event.preventDefault(); document.body.dataset.submitted='yes'">
  <textarea id="composer" placeholder="Compose"></textarea>
  <button type="submit" data-rocker="post button">Post</button>
</form>
<div><span role="button" aria-label="Like">♥</span></div>
<p>Welcome to the feed</p>
</main></body></html>`

// TestLivePageDriver exercises Snapshot and Invoke against a real Chrome.
// Set CHROME_BIN to run it.
func TestLivePageDriver(t *testing.T) {
	if os.Getenv("SKIP_LIVE_TESTS") != "" {
		t.Skip("Skipping live browser tests (SKIP_LIVE_TESTS set)")
	}
	bin := os.Getenv("CHROME_BIN")
	if bin == "" {
		t.Skip("CHROME_BIN not set")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(livePage))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	m := NewSessionManager(config.BrowserConfig{Launch: []string{bin, "--no-sandbox"}}, nil)
	if err := m.Start(ctx); err != nil {
		t.Skipf("Browser start failed (Chrome not available): %v", err)
	}
	defer m.Shutdown(ctx)

	sess, err := m.CreateSession(ctx, srv.URL+"/home")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Route() != "/home" {
		t.Errorf("route = %q", sess.Route())
	}
	d, err := m.Driver(sess.ID)
	if err != nil {
		t.Fatal(err)
	}

	snap, err := d.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Elements) < 3 {
		t.Fatalf("expected at least 3 elements, got %d", len(snap.Elements))
	}
	m1, ok := discover.Discover("post button", snap)
	if !ok {
		t.Fatal("post button not discovered")
	}
	if m1.Candidate.Locator != `[data-rocker="post button"]` {
		t.Errorf("unexpected locator %s", m1.Candidate.Locator)
	}
	field, ok := discover.Discover("post field", snap)
	if !ok || field.Candidate.Locator != "#composer" {
		t.Fatalf("unexpected field match: %+v", field)
	}

	attempt, stop := context.WithTimeout(ctx, 3*time.Second)
	defer stop()
	got, err := d.Invoke(attempt, "#composer", ActionFill, "hello world")
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello world" {
		t.Errorf("fill returned %q", got)
	}
	if _, err := d.Invoke(attempt, m1.Candidate.Locator, ActionClick, ""); err != nil {
		t.Fatal(err)
	}
	text, err := d.PageAction(attempt, ActionRead, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "Welcome to the feed") {
		t.Errorf("read returned %q", text)
	}

	short, stop2 := context.WithTimeout(ctx, 300*time.Millisecond)
	defer stop2()
	if _, err := d.Invoke(short, "#does-not-exist", ActionClick, ""); err == nil {
		t.Error("expected error for missing element")
	}
}

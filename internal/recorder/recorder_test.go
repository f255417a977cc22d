package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"uiresolve-mcp-server/internal/telemetry"
)

func TestRecorderRotation(t *testing.T) {
	tempDir := t.TempDir()

	r, err := NewRecorder(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for i := 0; i < MaxRotatedFiles+2; i++ {
		if err := r.Start("run"); err != nil {
			t.Fatal(err)
		}
		ev := telemetry.NewEvent(telemetry.EventMemoryHit, "u", "/", "x", telemetry.SourceUser, nil)
		if err := r.Write(context.Background(), []telemetry.Event{ev}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond) // distinct mod times
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != MaxRotatedFiles {
		t.Errorf("expected %d files, got %d", MaxRotatedFiles, len(entries))
	}
}

func TestRecorderWritesJSONL(t *testing.T) {
	r, err := NewRecorder(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start("run1"); err != nil {
		t.Fatal(err)
	}

	events := []telemetry.Event{
		telemetry.NewEvent(telemetry.EventLearnSession, "u", "/home", "post field", "",
			map[string]interface{}{"outcome": telemetry.OutcomeConfirmed}),
		telemetry.NewEvent(telemetry.EventPromotion, "u", "/home", "post field", "", nil),
	}
	if err := r.Write(context.Background(), events); err != nil {
		t.Fatal(err)
	}
	path := r.Path()
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var got []line
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var l line
		if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
			t.Fatalf("invalid json line: %v", err)
		}
		got = append(got, l)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(got))
	}
	if got[0].RunID != "run1" || got[0].Event.Type != telemetry.EventLearnSession {
		t.Errorf("unexpected first line: %+v", got[0])
	}
	if got[1].Event.ID != events[1].ID {
		t.Errorf("event id mismatch: %s", got[1].Event.ID)
	}
}

func TestRecorderWriteBeforeStart(t *testing.T) {
	r, err := NewRecorder(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Write(context.Background(), nil); err == nil {
		t.Error("expected error before Start")
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close without Start: %v", err)
	}
	if r.Path() != "" {
		t.Error("expected empty path")
	}
}

// Package recorder writes telemetry to rotating JSONL trace files, one file
// per server run.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"uiresolve-mcp-server/internal/telemetry"
)

const (
	MaxRotatedFiles = 3
	TraceDir        = "data/traces"
)

var errNotStarted = errors.New("recorder: no trace open")

// line is one JSONL record.
type line struct {
	Timestamp time.Time       `json:"ts"`
	RunID     string          `json:"run_id"`
	Event     telemetry.Event `json:"event"`
}

// Recorder is a telemetry.Writer that appends every event to the current
// trace file.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	encoder  *json.Encoder
	basePath string
	runID    string
}

// NewRecorder ensures basePath exists. Start must be called before events
// are written.
func NewRecorder(basePath string) (*Recorder, error) {
	if basePath == "" {
		basePath = TraceDir
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{basePath: basePath}, nil
}

// Start opens a new trace for runID, keeping only the newest MaxRotatedFiles.
func (r *Recorder) Start(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	name := fmt.Sprintf("trace_%s_%d.jsonl", runID, time.Now().UnixMilli())
	f, err := os.Create(filepath.Join(r.basePath, name))
	if err != nil {
		return err
	}
	r.file = f
	r.encoder = json.NewEncoder(f)
	r.runID = runID
	return nil
}

// Path returns the open trace file, or "" before Start.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return ""
	}
	return r.file.Name()
}

func (r *Recorder) Name() string { return "jsonl" }

func (r *Recorder) Write(_ context.Context, batch []telemetry.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return errNotStarted
	}
	now := time.Now().UTC()
	for _, ev := range batch {
		if err := r.encoder.Encode(line{Timestamp: now, RunID: r.runID, Event: ev}); err != nil {
			return err
		}
	}
	return nil
}

// rotate keeps only the newest MaxRotatedFiles-1 traces to make room for the
// next one.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return err
	}

	type trace struct {
		name string
		mod  time.Time
	}
	var traces []trace
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, trace{e.Name(), info.ModTime()})
	}

	sort.Slice(traces, func(i, j int) bool { return traces[i].mod.After(traces[j].mod) })

	keep := MaxRotatedFiles - 1
	for i := keep; i < len(traces); i++ {
		_ = os.Remove(filepath.Join(r.basePath, traces[i].name))
	}
	return nil
}

// Close finishes the current trace.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.encoder = nil
	return err
}

package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingWriter struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
	block  chan struct{}
}

func (w *recordingWriter) Name() string { return "recording" }

func (w *recordingWriter) Write(_ context.Context, batch []Event) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, batch...)
	return w.err
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *recordingWriter) snapshot() []Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Event(nil), w.events...)
}

func TestDispatcherFlushesOnClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := &recordingWriter{}
	d := NewDispatcher([]Writer{w}, 16, 100, nil)
	for i := 0; i < 5; i++ {
		d.TryWrite(NewEvent(EventMemoryHit, "u1", "/home", "post button", SourceUser, nil))
	}
	require.NoError(t, d.Close(context.Background()))

	assert.Len(t, w.snapshot(), 5)
	assert.True(t, w.closed)
	assert.Equal(t, int64(5), d.Written())
	assert.Zero(t, d.Dropped())
}

func TestDispatcherFlushesFullBatches(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := &recordingWriter{}
	d := NewDispatcher([]Writer{w}, 16, 2, nil)
	d.TryWrite(NewEvent(EventPromotion, "", "/a", "t", "", nil))
	d.TryWrite(NewEvent(EventPromotion, "", "/b", "t", "", nil))

	require.Eventually(t, func() bool { return len(w.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := &recordingWriter{block: make(chan struct{})}
	d := NewDispatcher([]Writer{w}, 1, 1, nil)

	// The worker takes the first event and blocks in Write; the second fills
	// the buffer; the rest are dropped.
	d.TryWrite(NewEvent(EventMemoryMiss, "", "/", "x", SourceUser, nil))
	require.Eventually(t, func() bool { return len(d.ch) == 0 }, time.Second, time.Millisecond)
	d.TryWrite(NewEvent(EventMemoryMiss, "", "/", "x", SourceUser, nil))
	start := time.Now()
	for i := 0; i < 10; i++ {
		d.TryWrite(NewEvent(EventMemoryMiss, "", "/", "x", SourceUser, nil))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "TryWrite must not block")
	assert.Equal(t, int64(10), d.Dropped())

	close(w.block)
	require.NoError(t, d.Close(context.Background()))
	assert.Len(t, w.snapshot(), 2)
}

func TestDispatcherSwallowsWriterErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	core, logs := observer.New(zapcore.WarnLevel)
	failing := &recordingWriter{err: errors.New("disk full")}
	ok := &recordingWriter{}
	d := NewDispatcher([]Writer{failing, ok}, 8, 8, zap.New(core))
	d.TryWrite(NewEvent(EventDecay, "u", "/", "x", SourceUser, nil))
	require.NoError(t, d.Close(context.Background()))

	assert.Len(t, ok.snapshot(), 1, "a failing writer must not starve the others")
	entries := logs.FilterMessage("telemetry write failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "telemetry", entries[0].LoggerName)
}

func TestDispatcherAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := &recordingWriter{}
	d := NewDispatcher([]Writer{w}, 8, 8, nil)
	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, d.Close(context.Background()))

	d.TryWrite(NewEvent(EventPromotion, "", "/", "x", "", nil))
	assert.Equal(t, int64(1), d.Dropped())
	assert.Empty(t, w.snapshot())
}

func TestDispatcherConcurrentWriters(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := NewCollector(1000)
	d := NewDispatcher([]Writer{c}, 1000, 16, nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				d.TryWrite(NewEvent(EventMemoryHit, "u", "/", "x", SourceGlobal, nil))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, int64(400), int64(c.Len())+d.Dropped())
}

func TestSinkFunc(t *testing.T) {
	var got []Event
	var s Sink = SinkFunc(func(ev Event) { got = append(got, ev) })
	s.TryWrite(NewEvent(EventPromotion, "", "/", "x", "", nil))
	NopSink{}.TryWrite(Event{})
	assert.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
}

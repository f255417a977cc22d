package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBufferSize = 1024
	defaultBatchSize  = 64
	flushInterval     = 250 * time.Millisecond
	writeTimeout      = 5 * time.Second
)

// Dispatcher is the asynchronous Sink. TryWrite enqueues without blocking and
// drops the event when the buffer is full; a single worker batches events to
// every writer. Writer errors are logged and swallowed.
type Dispatcher struct {
	log     *zap.Logger
	writers []Writer
	batch   int

	mu      sync.RWMutex
	closed  bool
	ch      chan Event
	done    chan struct{}
	dropped atomic.Int64
	written atomic.Int64
}

// NewDispatcher starts the worker. Close must be called to flush and stop it.
func NewDispatcher(writers []Writer, bufferSize, batchSize int, logger *zap.Logger) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		log:     logger.Named("telemetry"),
		writers: writers,
		batch:   batchSize,
		ch:      make(chan Event, bufferSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// TryWrite implements Sink.
func (d *Dispatcher) TryWrite(ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.ch <- ev:
	default:
		d.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Written reports how many events reached the flush stage.
func (d *Dispatcher) Written() int64 { return d.written.Load() }

func (d *Dispatcher) run() {
	defer close(d.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	pending := make([]Event, 0, d.batch)
	for {
		select {
		case ev, ok := <-d.ch:
			if !ok {
				d.flush(pending)
				return
			}
			pending = append(pending, ev)
			if len(pending) >= d.batch {
				d.flush(pending)
				pending = pending[:0]
			}
		case <-ticker.C:
			if len(pending) > 0 {
				d.flush(pending)
				pending = pending[:0]
			}
		}
	}
}

func (d *Dispatcher) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	d.written.Add(int64(len(batch)))
	for _, w := range d.writers {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := w.Write(ctx, batch); err != nil {
			d.log.Warn("telemetry write failed",
				zap.String("writer", w.Name()),
				zap.Int("events", len(batch)),
				zap.Error(err))
		}
		cancel()
	}
}

// Close stops accepting events, flushes what is buffered and closes every
// writer. It is safe to call more than once.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.ch)
	d.mu.Unlock()

	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var errs []error
	for _, w := range d.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

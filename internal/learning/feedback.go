// Package learning turns action outcomes into memory updates, promotions and
// telemetry, and keeps the per-caller action journal used for analytics.
package learning

import (
	"context"
	"time"

	"uiresolve-mcp-server/internal/memory"
	"uiresolve-mcp-server/internal/telemetry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultWriteTimeout bounds each best-effort memory write.
const DefaultWriteTimeout = 2 * time.Second

// Invalidator is the slice of the resolution cache feedback touches.
type Invalidator interface {
	Invalidate(route, target string)
}

// Outcome is the result of one attempt against a remembered locator.
type Outcome struct {
	Scope   memory.Scope
	Route   string
	Target  string
	Success bool
	// Source is the telemetry source the locator came from.
	Source string
}

// Feedback records outcomes. Every method is best-effort: persistence
// problems are logged by the store and never returned.
type Feedback struct {
	store    *memory.Store
	sink     telemetry.Sink
	policy   memory.Policy
	promoter *Promoter
	timeout  time.Duration
	log      *zap.Logger
}

// NewFeedback wires feedback to a store and sink. A nil sink discards events.
func NewFeedback(store *memory.Store, sink telemetry.Sink, policy memory.Policy, logger *zap.Logger) *Feedback {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feedback{
		store:    store,
		sink:     sink,
		policy:   policy,
		promoter: NewPromoter(store, sink, policy, logger),
		timeout:  DefaultWriteTimeout,
		log:      logger.Named("learning"),
	}
}

// Promoter returns the promotion pipeline feedback uses.
func (f *Feedback) Promoter() *Promoter { return f.promoter }

// Policy returns the promotion thresholds.
func (f *Feedback) Policy() memory.Policy { return f.policy }

// detach keeps the caller identity but not the caller's cancellation, so an
// outcome observed just before cancellation is still written.
func (f *Feedback) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
}

// Record applies an outcome to a remembered entry, invalidates the cached
// resolution and, on a user-scope success, evaluates promotion. A failure
// against an existing entry emits a decay event.
func (f *Feedback) Record(ctx context.Context, cache Invalidator, o Outcome) *memory.Entry {
	wctx, cancel := f.detach(ctx)
	defer cancel()

	entry := f.store.RecordOutcome(wctx, o.Scope, o.Route, o.Target, o.Success)
	if cache != nil {
		cache.Invalidate(o.Route, o.Target)
	}
	if entry == nil {
		return nil
	}

	caller := memory.CallerFrom(ctx)
	if !o.Success {
		f.sink.TryWrite(telemetry.NewEvent(telemetry.EventDecay, caller, entry.Route, entry.Target, o.Source,
			map[string]interface{}{
				"scope":    string(entry.Scope),
				"failures": entry.Failures,
				"score":    entry.Score,
			}))
		return entry
	}
	if entry.Scope == memory.ScopeUser {
		f.promoter.PromoteIfEligible(wctx, *entry)
	}
	return entry
}

// Learn bootstraps memory from a locator that just worked: it upserts the
// user-scope entry, records the success and emits a confirmed learn session.
func (f *Feedback) Learn(ctx context.Context, cache Invalidator, route, target, locator string, metadata map[string]any) *memory.Entry {
	return f.learn(ctx, cache, route, target, locator, metadata, telemetry.OutcomeConfirmed)
}

// Teach stores a locator the caller pointed at after a failed resolution.
// The new locator replaces any remembered one; counters carry over.
func (f *Feedback) Teach(ctx context.Context, cache Invalidator, route, target, locator string) *memory.Entry {
	return f.learn(ctx, cache, route, target, locator, map[string]any{"taught": true}, telemetry.OutcomeCorrected)
}

// CancelLearn records that a learn session ended without a locator.
func (f *Feedback) CancelLearn(ctx context.Context, route, target string) {
	f.sink.TryWrite(telemetry.NewEvent(telemetry.EventLearnSession, memory.CallerFrom(ctx),
		memory.NormalizeRoute(route), memory.NormalizeTarget(target), "",
		map[string]interface{}{"outcome": telemetry.OutcomeCancelled}))
}

func (f *Feedback) learn(ctx context.Context, cache Invalidator, route, target, locator string, metadata map[string]any, outcome string) *memory.Entry {
	sessionID := uuid.NewString()
	meta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["learn_session"] = sessionID

	wctx, cancel := f.detach(ctx)
	defer cancel()

	var entry *memory.Entry
	if f.store.Upsert(wctx, memory.ScopeUser, route, target, locator, meta) {
		entry = f.store.RecordOutcome(wctx, memory.ScopeUser, route, target, true)
	}
	if cache != nil {
		cache.Invalidate(route, target)
	}

	f.sink.TryWrite(telemetry.NewEvent(telemetry.EventLearnSession, memory.CallerFrom(ctx),
		memory.NormalizeRoute(route), memory.NormalizeTarget(target), telemetry.SourceHeuristic,
		map[string]interface{}{
			"outcome":  outcome,
			"session":  sessionID,
			"locator":  locator,
			"recorded": entry != nil,
		}))

	if entry != nil {
		f.promoter.PromoteIfEligible(wctx, *entry)
	}
	return entry
}

// State reads the conceptual learning state for the caller's view of a target.
func (f *Feedback) State(ctx context.Context, route, target string) memory.State {
	user := f.store.Lookup(ctx, memory.ScopeUser, route, target)
	global := f.store.Lookup(ctx, memory.ScopeGlobal, route, target)
	return f.policy.StateOf(user, global)
}

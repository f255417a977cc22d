package learning

import (
	"context"

	"uiresolve-mcp-server/internal/memory"
	"uiresolve-mcp-server/internal/telemetry"

	"go.uber.org/zap"
)

// Promoter copies proven user-scope locators into global scope.
type Promoter struct {
	store  *memory.Store
	sink   telemetry.Sink
	policy memory.Policy
	log    *zap.Logger
}

func NewPromoter(store *memory.Store, sink telemetry.Sink, policy memory.Policy, logger *zap.Logger) *Promoter {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoter{store: store, sink: sink, policy: policy, log: logger.Named("promotion")}
}

// PromoteIfEligible promotes e when it meets the policy. It returns true only
// when a new global entry was created; re-promoting refreshes the global
// locator and emits nothing.
func (p *Promoter) PromoteIfEligible(ctx context.Context, e memory.Entry) bool {
	if !p.policy.Eligible(e) {
		return false
	}
	created, ok := p.store.Promote(ctx, e.Route, e.Target)
	if !ok || !created {
		return false
	}
	p.log.Info("locator promoted",
		zap.String("route", e.Route),
		zap.String("target", e.Target),
		zap.Int("successes", e.Successes),
		zap.Float64("score", e.Score))
	p.sink.TryWrite(telemetry.NewEvent(telemetry.EventPromotion, memory.CallerFrom(ctx), e.Route, e.Target,
		telemetry.SourceUser, map[string]interface{}{
			"successes": e.Successes,
			"failures":  e.Failures,
			"score":     e.Score,
			"locator":   e.Locator,
		}))
	return true
}

package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"uiresolve-mcp-server/internal/browser"
	"uiresolve-mcp-server/internal/learning"
	"uiresolve-mcp-server/internal/memory"
	"uiresolve-mcp-server/internal/telemetry"

	"go.uber.org/zap"
)

// SourcePage marks actions that ran against the page rather than an element.
const SourcePage = "page"

// Request asks for one action on a semantic target. Target may be empty for
// scroll, read and submit, which then act on the whole page.
type Request struct {
	Action browser.Action `json:"action"`
	Route  string         `json:"route"`
	Target string         `json:"target,omitempty"`
	Value  string         `json:"value,omitempty"`
}

// Attempt is one locator that was tried and failed.
type Attempt struct {
	Source  string `json:"source"`
	Locator string `json:"locator"`
	Error   string `json:"error"`
}

// Result is what the caller sees. Failures are reported here, never as errors.
type Result struct {
	Success bool           `json:"success"`
	Action  browser.Action `json:"action"`
	Target  string         `json:"target,omitempty"`
	Source  string         `json:"source,omitempty"`
	Locator string         `json:"locator,omitempty"`
	Value   string         `json:"value,omitempty"`
	Message string         `json:"message"`
	// Step names the failing sub-step of a compound action.
	Step       string        `json:"step,omitempty"`
	Strategies []string      `json:"strategies,omitempty"`
	Attempts   []Attempt     `json:"attempts,omitempty"`
	Available  []string      `json:"available,omitempty"`
	Cancelled  bool          `json:"cancelled,omitempty"`
	Duration   time.Duration `json:"duration"`
}

type candidate struct {
	entry memory.Entry
	via   string
}

// Execute resolves req.Target and performs the action, falling back through
// cache, memory and heuristic discovery with one attempt per strategy. A
// cancelled request records no outcome.
func (x *Executor) Execute(ctx context.Context, req Request) Result {
	start := time.Now()
	if !req.Action.Valid() {
		return Result{Action: req.Action, Target: req.Target, Message: fmt.Sprintf("unsupported action %q", req.Action)}
	}
	route := memory.NormalizeRoute(req.Route)

	var res Result
	if strings.TrimSpace(req.Target) == "" {
		res = x.pageAction(ctx, req)
	} else {
		res = x.targeted(ctx, route, req)
	}
	res.Action = req.Action
	res.Target = req.Target
	res.Duration = time.Since(start)

	if res.Cancelled {
		x.log.Debug("action cancelled", zap.String("action", string(req.Action)), zap.String("target", req.Target))
		return res
	}
	x.observe(ctx, route, res)
	return res
}

func (x *Executor) targeted(ctx context.Context, route string, req Request) Result {
	var res Result
	tried := make(map[string]bool)

	// The store is read only once the cached locator, if any, has failed.
	candidates, loaded := x.cachedCandidates(ctx, route, req.Target)
	for i := 0; ; i++ {
		if i == len(candidates) {
			if loaded {
				break
			}
			candidates = append(candidates, x.storeCandidates(ctx, route, req.Target, len(candidates) == 0)...)
			loaded = true
			if i == len(candidates) {
				break
			}
		}
		c := candidates[i]
		if tried[c.entry.Locator] {
			continue
		}
		tried[c.entry.Locator] = true
		res.Strategies = append(res.Strategies, c.via)
		source := string(c.entry.Scope)
		x.emit(ctx, telemetry.EventMemoryHit, route, req.Target, source, map[string]interface{}{
			"locator": c.entry.Locator,
			"via":     c.via,
		})

		value, err := x.attempt(ctx, c.entry.Locator, req)
		if err == nil {
			x.record(ctx, c.entry.Scope, route, req.Target, true, source)
			return x.succeeded(res, req, source, c.entry.Locator, value)
		}
		if ctx.Err() != nil {
			return cancelled(res)
		}
		res.Attempts = append(res.Attempts, Attempt{Source: source, Locator: c.entry.Locator, Error: err.Error()})
		x.record(ctx, c.entry.Scope, route, req.Target, false, source)
		x.emit(ctx, telemetry.EventMemoryMiss, route, req.Target, source, map[string]interface{}{
			"locator": c.entry.Locator,
			"error":   err.Error(),
		})
	}

	res.Strategies = append(res.Strategies, SourceHeuristic)
	found, err := x.discover(ctx, req.Target, func(loc string) bool { return tried[loc] })
	res.Available = found.Labels
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(res)
		}
		res.Message = notFound(req.Target, res)
		return res
	}

	best := found.Matches[0]
	value, err := x.attempt(ctx, best.Candidate.Locator, req)
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(res)
		}
		res.Attempts = append(res.Attempts, Attempt{Source: SourceHeuristic, Locator: best.Candidate.Locator, Error: err.Error()})
		res.Message = fmt.Sprintf("Found %q at %s but %s failed: %v", req.Target, best.Candidate.Locator, req.Action, err)
		return res
	}

	if x.feedback != nil {
		x.feedback.Learn(ctx, x.Cache(ctx), route, req.Target, best.Candidate.Locator, map[string]any{
			"strategy": string(best.Candidate.Strategy),
			"action":   string(req.Action),
			"tier":     best.Tier,
		})
	}
	return x.succeeded(res, req, SourceHeuristic, best.Candidate.Locator, value)
}

// cachedCandidates returns the cached entry, if any. loaded is true when the
// cache holds a known miss, so the store need not be read at all.
func (x *Executor) cachedCandidates(ctx context.Context, route, target string) (out []candidate, loaded bool) {
	hit, ok := x.Cache(ctx).Get(route, target)
	if !ok {
		return nil, x.store == nil
	}
	if hit.Entry == nil {
		return nil, true
	}
	return []candidate{{entry: *hit.Entry, via: SourceCache}}, x.store == nil
}

// storeCandidates reads the caller's user then global entries. With fill set
// the first entry, or a miss, is cached for the next resolution.
func (x *Executor) storeCandidates(ctx context.Context, route, target string, fill bool) []candidate {
	if x.store == nil {
		return nil
	}
	entries := x.store.Candidates(ctx, route, target)
	if fill {
		if len(entries) == 0 {
			x.Cache(ctx).Put(route, target, nil)
		} else {
			x.Cache(ctx).Put(route, target, &entries[0])
		}
	}
	out := make([]candidate, len(entries))
	for i, e := range entries {
		out[i] = candidate{entry: e, via: string(e.Scope)}
	}
	return out
}

func (x *Executor) attempt(ctx context.Context, locator string, req Request) (string, error) {
	actx, cancel := context.WithTimeout(ctx, x.opts.AttemptTimeout)
	defer cancel()
	return x.live.Invoke(actx, locator, req.Action, req.Value)
}

func (x *Executor) pageAction(ctx context.Context, req Request) Result {
	actx, cancel := context.WithTimeout(ctx, x.opts.AttemptTimeout)
	defer cancel()
	value, err := x.live.PageAction(actx, req.Action, req.Value)
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(Result{})
		}
		return Result{Source: SourcePage, Message: err.Error()}
	}
	return Result{Success: true, Source: SourcePage, Value: value, Message: successMessage(req, value)}
}

func (x *Executor) record(ctx context.Context, scope memory.Scope, route, target string, success bool, source string) {
	if x.feedback == nil {
		x.Cache(ctx).Invalidate(route, target)
		return
	}
	x.feedback.Record(ctx, x.Cache(ctx), learning.Outcome{
		Scope:   scope,
		Route:   route,
		Target:  target,
		Success: success,
		Source:  source,
	})
}

func (x *Executor) emit(ctx context.Context, typ telemetry.EventType, route, target, source string, md map[string]interface{}) {
	x.sink.TryWrite(telemetry.NewEvent(typ, memory.CallerFrom(ctx), route, memory.NormalizeTarget(target), source, md))
}

// observe journals a finished action and emits its outcome.
func (x *Executor) observe(ctx context.Context, route string, res Result) {
	caller := memory.CallerFrom(ctx)
	x.journal.Append(learning.ActionRecord{
		Caller:   caller,
		Action:   string(res.Action),
		Route:    route,
		Target:   memory.NormalizeTarget(res.Target),
		Success:  res.Success,
		Source:   res.Source,
		Locator:  res.Locator,
		Message:  res.Message,
		Duration: res.Duration,
	})
	x.emit(ctx, telemetry.EventActionOutcome, route, res.Target, res.Source, map[string]interface{}{
		"action":   string(res.Action),
		"success":  res.Success,
		"locator":  res.Locator,
		"attempts": len(res.Attempts),
	})
	if !res.Success {
		x.log.Info("action failed",
			zap.String("action", string(res.Action)),
			zap.String("target", res.Target),
			zap.Strings("strategies", res.Strategies),
			zap.String("message", res.Message))
	}
}

func (x *Executor) succeeded(res Result, req Request, source, locator, value string) Result {
	res.Success = true
	res.Source = source
	res.Locator = locator
	res.Value = value
	res.Message = successMessage(req, value)
	res.Available = nil
	return res
}

func cancelled(res Result) Result {
	res.Cancelled = true
	res.Message = "cancelled"
	return res
}

func successMessage(req Request, value string) string {
	switch req.Action {
	case browser.ActionClick:
		return fmt.Sprintf("Clicked %q", req.Target)
	case browser.ActionFill:
		return fmt.Sprintf("Filled %q", req.Target)
	case browser.ActionScroll:
		if req.Target == "" {
			return fmt.Sprintf("Scrolled %s", orDefault(req.Value, "down"))
		}
		return fmt.Sprintf("Scrolled to %q", req.Target)
	case browser.ActionSubmit:
		return "Submitted"
	case browser.ActionRead:
		return value
	}
	return "ok"
}

func notFound(target string, res Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Could not find %q (tried: %s)", target, strings.Join(res.Strategies, ", "))
	if n := len(res.Attempts); n > 0 {
		fmt.Fprintf(&b, "; last error: %s", res.Attempts[n-1].Error)
	}
	if len(res.Available) > 0 {
		fmt.Fprintf(&b, ". Available: %s", strings.Join(res.Available, ", "))
	}
	return b.String()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

package executor

import (
	"context"
	"errors"
	"slices"
	"time"

	"uiresolve-mcp-server/internal/browser"
	"uiresolve-mcp-server/internal/discover"
)

// ActionCreatePost labels the compound compose-and-submit result.
const ActionCreatePost browser.Action = "create_post"

// Compound step names reported in Result.Step.
const (
	StepComposer = "composer"
	StepFill     = "fill"
	StepSubmit   = "submit"
)

// ErrComposerNotReady means no post composer appeared on the page.
var ErrComposerNotReady = errors.New("executor: composer not ready")

// composerOpener is clicked when no composer is visible yet.
const composerOpener = `[data-rocker="open post composer"]`

const composerWait = 2 * time.Second

var composerTargets = []string{"post box", "post field", "composer", "write post", "what's happening", "share something"}

// CreatePost fills the post composer with text and clicks the post button.
// It stops at the first failing step and names it in Result.Step.
func (x *Executor) CreatePost(ctx context.Context, route, text string) Result {
	start := time.Now()
	res := Result{Action: ActionCreatePost, Target: "post"}

	if err := x.ensureComposer(ctx); err != nil {
		res.Duration = time.Since(start)
		if ctx.Err() != nil {
			return cancelled(res)
		}
		res.Step = StepComposer
		res.Message = "Composer not ready: " + err.Error()
		return res
	}

	fill := x.Execute(ctx, Request{Action: browser.ActionFill, Route: route, Target: "post field", Value: text})
	if !fill.Success {
		fill.Step = StepFill
		return fill
	}
	submit := x.Execute(ctx, Request{Action: browser.ActionClick, Route: route, Target: "post button"})
	if !submit.Success {
		submit.Step = StepSubmit
		submit.Attempts = slices.Concat(fill.Attempts, submit.Attempts)
		return submit
	}

	res.Success = true
	res.Source = submit.Source
	res.Locator = submit.Locator
	res.Strategies = slices.Concat(fill.Strategies, submit.Strategies)
	res.Attempts = slices.Concat(fill.Attempts, submit.Attempts)
	res.Message = "Post created"
	res.Duration = time.Since(start)
	return res
}

// ensureComposer waits for a text field answering one of the composer targets,
// clicking the composer opener once if none is visible.
func (x *Executor) ensureComposer(ctx context.Context) error {
	if x.composerVisible(ctx) {
		return nil
	}
	if _, err := x.attempt(ctx, composerOpener, Request{Action: browser.ActionClick}); err != nil && ctx.Err() == nil {
		x.log.Debug("no composer opener")
	}

	deadline := time.Now().Add(composerWait)
	poll := x.opts.DiscoveryPoll
	if poll <= 0 {
		poll = 120 * time.Millisecond
	}
	for {
		if x.composerVisible(ctx) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().Add(poll).After(deadline) {
			return ErrComposerNotReady
		}
		timer := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (x *Executor) composerVisible(ctx context.Context) bool {
	sctx, cancel := context.WithTimeout(ctx, x.opts.AttemptTimeout)
	defer cancel()
	snap, err := x.live.Snapshot(sctx)
	if err != nil {
		return false
	}
	for _, term := range composerTargets {
		for _, m := range discover.Rank(term, snap) {
			if m.Element.Kind() == discover.KindField {
				return true
			}
		}
	}
	return false
}

package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"uiresolve-mcp-server/internal/browser"
	"uiresolve-mcp-server/internal/executor"
	"uiresolve-mcp-server/internal/learning"
	"uiresolve-mcp-server/internal/memory"
)

// sessionExecutor picks the session executor and the route to act on. An
// explicit args.route overrides the session's current route.
func sessionExecutor(rt *Runtime, args map[string]interface{}) (*executor.Executor, string, error) {
	x, id, err := rt.Executor(getStringArg(args, "session_id"))
	if err != nil {
		return nil, "", err
	}
	route := getStringArg(args, "route")
	if route == "" {
		route = rt.Route(id)
	}
	return x, route, nil
}

var routeSchema = stringSchema("Logical route; defaults to the session's current path")

// ResolveLocatorTool finds a locator without acting on it.
type ResolveLocatorTool struct {
	rt *Runtime
}

func (t *ResolveLocatorTool) Name() string { return "resolve-locator" }
func (t *ResolveLocatorTool) Description() string {
	return `Resolve a semantic target ("post button", "search field") to a locator.

Order: session cache, your learned locator, the shared locator, then heuristic
discovery on the live page. Nothing is clicked and nothing is learned.

Returns: {found, locator, source, strategy, available}`
}
func (t *ResolveLocatorTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDSchema,
			"user_id":    userIDSchema,
			"route":      routeSchema,
			"target":     stringSchema("Semantic description of the element"),
		},
		"required": []string{"target"},
	}
}
func (t *ResolveLocatorTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	target := getStringArg(args, "target")
	if strings.TrimSpace(target) == "" {
		return nil, fmt.Errorf("target is required")
	}
	x, route, err := sessionExecutor(t.rt, args)
	if err != nil {
		return nil, err
	}
	return resolve(ctx, x, route, target)
}

func resolve(ctx context.Context, x *executor.Executor, route, target string) (map[string]interface{}, error) {
	res, err := x.Resolve(ctx, route, target)
	if errors.Is(err, executor.ErrNoLocator) {
		return map[string]interface{}{
			"found":     false,
			"route":     route,
			"target":    target,
			"available": res.Labels,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"found":    true,
		"route":    route,
		"target":   target,
		"locator":  res.Locator,
		"source":   res.Source,
		"strategy": res.Strategy,
		"entry":    res.Entry,
	}, nil
}

type actionResponse struct {
	executor.Result
	Critique *learning.Critique `json:"critique,omitempty"`
}

// ExecuteActionTool performs one action on a semantic target.
type ExecuteActionTool struct {
	rt      *Runtime
	journal *learning.Journal
}

func (t *ExecuteActionTool) Name() string { return "execute-action" }
func (t *ExecuteActionTool) Description() string {
	return `Perform click, fill, scroll, read or submit on a semantic target.

Each remembered locator is tried once before falling back to heuristic
discovery. Successes are learned; failures lower the remembered locator's score.
Without a target, scroll/read/submit act on the whole page.

scroll values: top, bottom, up, down, or a pixel count.

Returns: {success, source, locator, message, attempts, available, critique}`
}
func (t *ExecuteActionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDSchema,
			"user_id":    userIDSchema,
			"route":      routeSchema,
			"action": map[string]interface{}{
				"type": "string",
				"enum": []string{
					string(browser.ActionClick), string(browser.ActionFill), string(browser.ActionScroll),
					string(browser.ActionRead), string(browser.ActionSubmit),
				},
			},
			"target": stringSchema("Semantic description of the element"),
			"value":  stringSchema("Text for fill, direction or offset for scroll"),
		},
		"required": []string{"action"},
	}
}
func (t *ExecuteActionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	x, route, err := sessionExecutor(t.rt, args)
	if err != nil {
		return nil, err
	}
	res := x.Execute(ctx, executor.Request{
		Action: browser.Action(getStringArg(args, "action")),
		Route:  route,
		Target: getStringArg(args, "target"),
		Value:  getStringArg(args, "value"),
	})
	return t.respond(ctx, res), nil
}

func (t *ExecuteActionTool) respond(ctx context.Context, res executor.Result) actionResponse {
	out := actionResponse{Result: res}
	if !res.Success && !res.Cancelled && t.journal != nil {
		if c := t.journal.SelfCritique(memory.CallerFrom(ctx), string(res.Action)); c.Needed {
			out.Critique = &c
		}
	}
	return out
}

// CreatePostTool runs the compose, fill, submit sequence.
type CreatePostTool struct {
	rt      *Runtime
	journal *learning.Journal
}

func (t *CreatePostTool) Name() string { return "create-post" }
func (t *CreatePostTool) Description() string {
	return `Create a post: open the composer if needed, fill "post field", click "post button".

On failure, step names the sub-step that failed (composer, fill, submit).`
}
func (t *CreatePostTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDSchema,
			"user_id":    userIDSchema,
			"route":      routeSchema,
			"text":       stringSchema("Post body"),
		},
		"required": []string{"text"},
	}
}
func (t *CreatePostTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	text := getStringArg(args, "text")
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}
	x, route, err := sessionExecutor(t.rt, args)
	if err != nil {
		return nil, err
	}
	res := x.CreatePost(ctx, route, text)
	return (&ExecuteActionTool{journal: t.journal}).respond(ctx, res), nil
}

// TeachLocatorTool stores a locator the caller pointed at, or records that
// the caller gave up.
type TeachLocatorTool struct {
	rt       *Runtime
	feedback *learning.Feedback
}

func (t *TeachLocatorTool) Name() string { return "teach-locator" }
func (t *TeachLocatorTool) Description() string {
	return `Teach the right element for a target after a failed action.

The locator replaces your remembered one for (route, target) and counts as a
success. Set cancel=true to close the learn session without teaching.

Returns: {state, entry}`
}
func (t *TeachLocatorTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDSchema,
			"user_id":    userIDSchema,
			"route":      routeSchema,
			"target":     stringSchema("Semantic description of the element"),
			"locator":    stringSchema("CSS locator of the correct element (see snapshot-elements)"),
			"cancel": map[string]interface{}{
				"type":        "boolean",
				"description": "Abandon the learn session instead of teaching",
			},
		},
		"required": []string{"target"},
	}
}
func (t *TeachLocatorTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	target := getStringArg(args, "target")
	if target == "" {
		return nil, fmt.Errorf("target is required")
	}
	x, route, err := sessionExecutor(t.rt, args)
	if err != nil {
		return nil, err
	}
	if cancel, _ := args["cancel"].(bool); cancel {
		t.feedback.CancelLearn(ctx, route, target)
		return map[string]interface{}{"status": "cancelled"}, nil
	}

	locator := getStringArg(args, "locator")
	if locator == "" {
		return nil, fmt.Errorf("locator is required")
	}
	entry := t.feedback.Teach(ctx, x.Cache(ctx), route, target, locator)
	if entry == nil {
		return nil, fmt.Errorf("could not store locator for %q", target)
	}
	return map[string]interface{}{
		"status": "taught",
		"state":  t.feedback.State(ctx, route, target),
		"entry":  entry,
	}, nil
}

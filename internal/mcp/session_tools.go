package mcp

import (
	"context"
	"fmt"

	"uiresolve-mcp-server/internal/discover"
)

type ListSessionsTool struct {
	rt *Runtime
}

func (t *ListSessionsTool) Name() string { return "list-sessions" }
func (t *ListSessionsTool) Description() string {
	return `List the browser sessions the server tracks.

Returns session IDs used by navigate, resolve-locator, execute-action and fe.* tools.
Sessions restored from a previous run are reported with status "detached".

Returns: {sessions: [{id, url, title, status}]}`
}
func (t *ListSessionsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListSessionsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"sessions": t.rt.Browser().List()}, nil
}

type CreateSessionTool struct {
	rt *Runtime
}

func (t *CreateSessionTool) Name() string { return "create-session" }
func (t *CreateSessionTool) Description() string {
	return `Open a new page in the browser.

PREREQUISITE: launch-browser (or browser.auto_start).
Relative URLs are resolved against browser.base_url.

Returns: {session: {id, url, title}}`
}
func (t *CreateSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": stringSchema("Optional URL or app path to open"),
		},
	}
}
func (t *CreateSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	url := getStringArg(args, "url")
	if url == "" {
		url = "about:blank"
	}
	sess, err := t.rt.Browser().CreateSession(ctx, url)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"session": sess}, nil
}

// LaunchBrowserTool starts or attaches to Chrome.
type LaunchBrowserTool struct {
	rt *Runtime
}

func (t *LaunchBrowserTool) Name() string { return "launch-browser" }
func (t *LaunchBrowserTool) Description() string {
	return `Start Chrome, or attach to browser.debugger_url. Idempotent.

Returns: {status: "started"|"already_connected", control_url}`
}
func (t *LaunchBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *LaunchBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	b := t.rt.Browser()
	if b.IsConnected() {
		return map[string]interface{}{
			"status":      "already_connected",
			"control_url": b.ControlURL(),
		}, nil
	}
	if err := b.Start(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":      "started",
		"control_url": b.ControlURL(),
	}, nil
}

// ShutdownBrowserTool stops Chrome and drops every session executor.
// Learned memory is unaffected.
type ShutdownBrowserTool struct {
	rt *Runtime
}

func (t *ShutdownBrowserTool) Name() string { return "shutdown-browser" }
func (t *ShutdownBrowserTool) Description() string {
	return `Stop the browser and forget all sessions. Learned locators are kept.`
}
func (t *ShutdownBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ShutdownBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if err := t.rt.Browser().Shutdown(ctx); err != nil {
		return nil, err
	}
	t.rt.Reset()
	return map[string]interface{}{"status": "stopped"}, nil
}

// NavigateTool loads a URL and clears the session's resolution cache.
type NavigateTool struct {
	rt *Runtime
}

func (t *NavigateTool) Name() string { return "navigate" }
func (t *NavigateTool) Description() string {
	return `Load a URL or app path in a session.

Cached resolutions for the session are discarded, so the next action on the new
screen consults memory again.

Returns: {session, route}`
}
func (t *NavigateTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDSchema,
			"url":        stringSchema("Absolute URL or path relative to browser.base_url"),
		},
		"required": []string{"url"},
	}
}
func (t *NavigateTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	url := getStringArg(args, "url")
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	sess, err := t.rt.Navigate(ctx, getStringArg(args, "session_id"), url)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"session": sess, "route": sess.Route()}, nil
}

// SnapshotElementsTool lists the interactive elements discovery sees.
type SnapshotElementsTool struct {
	rt *Runtime
}

func (t *SnapshotElementsTool) Name() string { return "snapshot-elements" }
func (t *SnapshotElementsTool) Description() string {
	return `List the visible interactive elements of a session's page with the locator
discovery would synthesize for each.

Use it to pick a locator for teach-locator after a failed action.

Returns: {url, title, total, elements: [{index, label, tag, locator, strategy}]}`
}
func (t *SnapshotElementsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDSchema,
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum elements to return (default 40)",
			},
		},
	}
}

type elementSummary struct {
	Index    int               `json:"index"`
	Label    string            `json:"label"`
	Tag      string            `json:"tag"`
	Locator  string            `json:"locator,omitempty"`
	Strategy discover.Strategy `json:"strategy,omitempty"`
}

func (t *SnapshotElementsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id, err := t.rt.SessionID(getStringArg(args, "session_id"))
	if err != nil {
		return nil, err
	}
	live, err := t.rt.Browser().Live(id)
	if err != nil {
		return nil, err
	}
	snap, err := live.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	limit := getIntArg(args, "limit", discover.MaxLabels)
	elements := make([]elementSummary, 0, limit)
	for _, el := range snap.Elements {
		if !el.Visible {
			continue
		}
		if len(elements) >= limit {
			break
		}
		sum := elementSummary{Index: el.Index, Label: el.Label(), Tag: el.Tag}
		if c, ok := discover.Synthesize(el, snap.Elements...); ok {
			sum.Locator = c.Locator
			sum.Strategy = c.Strategy
		}
		elements = append(elements, sum)
	}
	return map[string]interface{}{
		"url":      snap.URL,
		"title":    snap.Title,
		"total":    len(snap.Elements),
		"elements": elements,
	}, nil
}

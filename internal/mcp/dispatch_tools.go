package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"uiresolve-mcp-server/internal/tools"
)

// DispatchTool routes one {tool, params} call through the registry.
type DispatchTool struct {
	registry *tools.Registry
}

func (t *DispatchTool) Name() string { return "dispatch-tool" }
func (t *DispatchTool) Description() string {
	return `Invoke one of the 60 app tools by name (db.*, svc.*, fe.*, ai.*).

fe.* tools act on the browser session given by session_id.
The result is always an envelope: {success, data, error}.`
}
func (t *DispatchTool) InputSchema() map[string]interface{} {
	names := make([]string, 0, len(tools.AllTools))
	for _, n := range tools.AllTools {
		names = append(names, string(n))
	}
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"tool": map[string]interface{}{
				"type": "string",
				"enum": names,
			},
			"params": map[string]interface{}{
				"type":        "object",
				"description": "Tool parameters",
			},
			"session_id": sessionIDSchema,
			"user_id":    userIDSchema,
		},
		"required": []string{"tool"},
	}
}
func (t *DispatchTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	name := getStringArg(args, "tool")
	if name == "" {
		return nil, fmt.Errorf("tool is required")
	}
	return t.registry.Dispatch(ctx, name, callParams(args, getMapArg(args, "params"))), nil
}

// callParams copies params and fills session_id from the outer call.
func callParams(args, params map[string]interface{}) tools.Params {
	out := make(tools.Params, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	if _, ok := out["session_id"]; !ok {
		if id := getStringArg(args, "session_id"); id != "" {
			out["session_id"] = id
		}
	}
	return out
}

// RunBatchTool runs several registry calls in order.
type RunBatchTool struct {
	registry *tools.Registry
}

func (t *RunBatchTool) Name() string { return "run-batch" }
func (t *RunBatchTool) Description() string {
	return `Run app tool calls in order. The batch stops at the first failure unless
that call's params set continue_on_error=true.

Returns: {results: [{success, data, error}]}`
}
func (t *RunBatchTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"calls": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"tool":   map[string]interface{}{"type": "string"},
						"params": map[string]interface{}{"type": "object"},
					},
					"required": []string{"tool"},
				},
			},
			"session_id": sessionIDSchema,
			"user_id":    userIDSchema,
		},
		"required": []string{"calls"},
	}
}
func (t *RunBatchTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	calls, err := decodeCalls(args["calls"])
	if err != nil {
		return nil, err
	}
	for i := range calls {
		calls[i].Params = callParams(args, calls[i].Params)
	}
	return map[string]interface{}{"results": t.registry.RunBatch(ctx, calls)}, nil
}

func decodeCalls(raw interface{}) ([]tools.Call, error) {
	if raw == nil {
		return nil, fmt.Errorf("calls is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode calls: %w", err)
	}
	var calls []tools.Call
	if err := json.Unmarshal(data, &calls); err != nil {
		return nil, fmt.Errorf("calls must be an array of {tool, params}: %w", err)
	}
	return calls, nil
}

package mcp

import (
	"context"
	"fmt"

	"uiresolve-mcp-server/internal/memory"
)

func getStringArg(args map[string]interface{}, key string) string {
	val, ok := args[key]
	if !ok || val == nil {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func getIntArg(args map[string]interface{}, key string, fallback int) int {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func getMapArg(args map[string]interface{}, key string) map[string]interface{} {
	if m, ok := args[key].(map[string]interface{}); ok {
		return m
	}
	return nil
}

// withCaller attaches the acting identity: args.user_id, else an identity
// already on ctx (the X-User-ID header), else fallback.
func withCaller(ctx context.Context, args map[string]interface{}, fallback string) context.Context {
	if caller := getStringArg(args, "user_id"); caller != "" {
		return memory.WithCaller(ctx, caller)
	}
	if memory.CallerFrom(ctx) != "" {
		return ctx
	}
	return memory.WithCaller(ctx, fallback)
}

func stringSchema(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

var (
	sessionIDSchema = stringSchema("Session ID. Optional when exactly one session is open.")
	userIDSchema    = stringSchema("Acting user. Defaults to the server's default caller.")
)

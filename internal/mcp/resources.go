package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"uiresolve-mcp-server/internal/mangle"
	"uiresolve-mcp-server/internal/memory"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"uiresolve://about",
			"About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info, learning policy and usage notes."),
		),
		s.handleAboutResource,
	)

	if s.deps.Store != nil {
		s.mcpServer.AddResourceTemplate(
			mcp.NewResourceTemplate(
				"uiresolve://memory/{scope}{?route,limit}",
				"Learned Locators",
				mcp.WithTemplateMIMEType(resourceMIMEJSON),
				mcp.WithTemplateDescription("Shared (global) learned locators, optionally for one route."),
			),
			s.handleMemoryResource,
		)
	}

	if s.deps.Engine != nil {
		s.mcpServer.AddResourceTemplate(
			mcp.NewResourceTemplate(
				"uiresolve://facts/{predicate}{?limit}",
				"Telemetry Facts",
				mcp.WithTemplateMIMEType(resourceMIMEJSON),
				mcp.WithTemplateDescription("Most recent buffered telemetry facts of one predicate."),
			),
			s.handleFactsResource,
		)
	}
}

func jsonResource(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	policy := memory.DefaultPolicy()
	if s.deps.Feedback != nil {
		policy = s.deps.Feedback.Policy()
	}
	return jsonResource(request.Params.URI, map[string]interface{}{
		"name":    s.cfg.Server.Name,
		"version": s.cfg.Server.Version,
		"policy": map[string]interface{}{
			"promotion_min_successes": policy.MinSuccesses,
			"promotion_min_score":     policy.MinScore,
		},
		"notes": []string{
			"Targets are semantic descriptions such as \"post button\"; routes are URL paths.",
			"Each action tries your learned locator, then the shared one, then heuristic discovery.",
			"After a failed action use snapshot-elements then teach-locator.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	})
}

// handleMemoryResource serves global entries only. User entries are read
// through list-memory, which carries the caller.
func (s *Server) handleMemoryResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	scope := memory.Scope(argString(request.Params.Arguments["scope"]))
	if scope != memory.ScopeGlobal {
		return nil, fmt.Errorf("only the global scope is readable as a resource")
	}
	limit := asInt(request.Params.Arguments["limit"])
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	entries, err := s.deps.Store.List(ctx, memory.Filter{
		Scope: scope,
		Route: argString(request.Params.Arguments["route"]),
		Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	return jsonResource(request.Params.URI, map[string]interface{}{
		"scope":   scope,
		"count":   len(entries),
		"entries": entries,
	})
}

func (s *Server) handleFactsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	predicate := argString(request.Params.Arguments["predicate"])
	if predicate == "" {
		return nil, fmt.Errorf("missing predicate")
	}
	limit := asInt(request.Params.Arguments["limit"])
	if limit <= 0 {
		limit = 25
	}
	if limit > 500 {
		limit = 500
	}
	facts := lastNFacts(s.deps.Engine, predicate, limit)
	return jsonResource(request.Params.URI, map[string]interface{}{
		"predicate": predicate,
		"count":     len(facts),
		"facts":     facts,
	})
}

// lastNFacts returns the last limit facts of predicate, oldest first.
func lastNFacts(engine *mangle.Engine, predicate string, limit int) []mangle.Fact {
	source := engine.FactsByPredicate(predicate)
	if len(source) > limit {
		source = source[len(source)-limit:]
	}
	return source
}

func argString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []string:
		if len(value) == 0 {
			return ""
		}
		return value[0]
	default:
		return fmt.Sprintf("%v", value)
	}
}

func asInt(v interface{}) int {
	switch value := v.(type) {
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	case string:
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err == nil {
			return n
		}
	case []string:
		if len(value) > 0 {
			return asInt(value[0])
		}
	}
	return 0
}

// Package mcp exposes the resolution engine and the tool registry as MCP
// tools over stdio or SSE, with a small JSON RPC surface alongside SSE.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"uiresolve-mcp-server/internal/config"
	"uiresolve-mcp-server/internal/learning"
	"uiresolve-mcp-server/internal/mangle"
	"uiresolve-mcp-server/internal/memory"
	"uiresolve-mcp-server/internal/telemetry"
	"uiresolve-mcp-server/internal/tools"

	"github.com/gorilla/mux"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// Deps are the components the server exposes. Runtime and Registry are
// required.
type Deps struct {
	Runtime   *Runtime
	Registry  *tools.Registry
	Store     *memory.Store
	Feedback  *learning.Feedback
	Journal   *learning.Journal
	Exporter  *learning.Exporter
	Collector *telemetry.Collector
	Engine    *mangle.Engine
	Logger    *zap.Logger
}

// Server wires the MCP runtime to the per-session executors and the registry.
type Server struct {
	cfg       config.Config
	deps      Deps
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
	log       *zap.Logger
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer constructs the MCP server and registers all tools.
func NewServer(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Runtime == nil || deps.Registry == nil {
		return nil, errors.New("mcp: runtime and registry are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Journal == nil {
		deps.Journal = learning.NewJournal(0, nil)
	}

	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:       cfg,
		deps:      deps,
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
		log:       deps.Logger.Named("mcp"),
	}
	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// Start serves MCP over stdio.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// Router returns the HTTP routes served in SSE mode.
func (s *Server) Router(port int) *mux.Router {
	r := mux.NewRouter()
	r.Use(s.callerMiddleware)

	if port > 0 {
		sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))
		r.Handle("/sse", sseServer.SSEHandler())
		r.Handle("/message", sseServer.MessageHandler())
	}

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	rpc := r.PathPrefix("/rpc").Subrouter()
	rpc.HandleFunc("/resolve", s.rpcHandler("resolve-locator")).Methods(http.MethodPost)
	rpc.HandleFunc("/execute", s.rpcHandler("execute-action")).Methods(http.MethodPost)
	rpc.HandleFunc("/dispatch", s.rpcHandler("dispatch-tool")).Methods(http.MethodPost)
	rpc.HandleFunc("/batch", s.rpcHandler("run-batch")).Methods(http.MethodPost)
	return r
}

// StartSSE hosts MCP over SSE plus the RPC routes until ctx is cancelled.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           s.Router(port),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("http server listening", zap.Int("port", port))

	select {
	case <-ctx.Done():
		s.log.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool runs a tool directly with the caller resolved from args.
func (s *Server) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return tool.Execute(withCaller(ctx, args, s.cfg.Resolver.DefaultCaller), args)
}

func (s *Server) registerAllTools() {
	rt := s.deps.Runtime

	// Browser sessions
	s.registerTool(&LaunchBrowserTool{rt: rt})
	s.registerTool(&ShutdownBrowserTool{rt: rt})
	s.registerTool(&CreateSessionTool{rt: rt})
	s.registerTool(&ListSessionsTool{rt: rt})
	s.registerTool(&NavigateTool{rt: rt})
	s.registerTool(&SnapshotElementsTool{rt: rt})

	// Resolution and actions
	s.registerTool(&ResolveLocatorTool{rt: rt})
	s.registerTool(&ExecuteActionTool{rt: rt, journal: s.deps.Journal})
	s.registerTool(&CreatePostTool{rt: rt, journal: s.deps.Journal})

	// App tools
	s.registerTool(&DispatchTool{registry: s.deps.Registry})
	s.registerTool(&RunBatchTool{registry: s.deps.Registry})

	// Learning
	if s.deps.Feedback != nil {
		s.registerTool(&TeachLocatorTool{rt: rt, feedback: s.deps.Feedback})
	}
	if s.deps.Store != nil {
		policy := memory.DefaultPolicy()
		if s.deps.Feedback != nil {
			policy = s.deps.Feedback.Policy()
		}
		exporter := s.deps.Exporter
		if exporter == nil {
			exporter = learning.NewExporter(s.deps.Store, s.deps.Journal)
		}
		s.registerTool(&ListMemoryTool{store: s.deps.Store, exporter: exporter, policy: policy})
	}
	s.registerTool(&LearningMetricsTool{collector: s.deps.Collector, journal: s.deps.Journal, now: time.Now})
	s.registerTool(&SelfCritiqueTool{journal: s.deps.Journal})
	if s.deps.Engine != nil {
		s.registerTool(&TelemetryFactsTool{engine: s.deps.Engine})
	}
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(withCaller(ctx, args, s.cfg.Resolver.DefaultCaller), args)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: false,
		}, nil
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}
	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}

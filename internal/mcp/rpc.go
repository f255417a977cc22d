package mcp

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"uiresolve-mcp-server/internal/memory"

	"go.uber.org/zap"
)

const maxRPCBody = 1 << 20

// callerMiddleware puts X-User-ID on the request context.
func (s *Server) callerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if caller := r.Header.Get("X-User-ID"); caller != "" {
			r = r.WithContext(memory.WithCaller(r.Context(), caller))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"browser": s.deps.Runtime.Browser().IsConnected(),
		"tools":   len(s.tools),
	})
}

// rpcHandler decodes a JSON object body as tool arguments and runs the tool.
// Tool errors are returned as 400 with {success: false, error}.
func (s *Server) rpcHandler(toolName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		args := map[string]interface{}{}
		body := http.MaxBytesReader(w, r.Body, maxRPCBody)
		if err := json.NewDecoder(body).Decode(&args); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "invalid JSON body: " + err.Error()})
			return
		}

		result, err := s.ExecuteTool(r.Context(), toolName, args)
		if err != nil {
			s.log.Debug("rpc failed", zap.String("tool", toolName), zap.Error(err))
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": err.Error()})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(marshalToolPayload(toolName, result))
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

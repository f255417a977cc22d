package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotImplemented is returned by tools that exist by name only.
	ErrNotImplemented = errors.New("not implemented")
	// ErrNotConfigured is returned when a family's collaborator is missing.
	ErrNotConfigured = errors.New("not configured")
	// ErrUnknownTool is returned for names outside AllTools.
	ErrUnknownTool = errors.New("unknown tool")
)

// Params are the free-form arguments of a call.
type Params map[string]any

// controlParams steer dispatch and are never forwarded to a backend.
var controlParams = map[string]bool{"continue_on_error": true, "session_id": true, "user_id": true}

// Payload returns params without control keys.
func (p Params) Payload() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		if !controlParams[k] {
			out[k] = v
		}
	}
	return out
}

// Text returns params[key] as a string, or "".
func (p Params) Text(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Int returns params[key] as an int, or def.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Bool returns params[key] as a bool.
func (p Params) Bool(key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// Map returns params[key] as a nested object, or nil.
func (p Params) Map(key string) map[string]any {
	if m, ok := p[key].(map[string]any); ok {
		return m
	}
	return nil
}

// Require returns the string params named by keys or an error naming the
// first missing one.
func (p Params) Require(keys ...string) error {
	for _, k := range keys {
		if p.Text(k) == "" {
			return fmt.Errorf("missing required param %q", k)
		}
	}
	return nil
}

// Result is the uniform tool envelope.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Call is one entry of a batch.
type Call struct {
	Tool   Name   `json:"tool"`
	Params Params `json:"params"`
}

// Handler runs one tool.
type Handler func(ctx context.Context, params Params) (any, error)

// Registry maps tool names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Name]Handler
	log      *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{handlers: make(map[Name]Handler), log: logger.Named("tools")}
}

// Register installs h for name, replacing any previous handler.
func (r *Registry) Register(name Name, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Names lists registered tools in sorted order.
func (r *Registry) Names() []Name {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Name, 0, len(r.handlers))
	for n := range r.handlers {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks that every enumerated tool has a handler and that nothing
// outside the enumeration was registered.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	known := make(map[Name]bool, len(AllTools))
	var errs []error
	for _, n := range AllTools {
		known[n] = true
		if _, ok := r.handlers[n]; !ok {
			errs = append(errs, fmt.Errorf("tool %s has no handler", n))
		}
	}
	for n := range r.handlers {
		if !known[n] {
			errs = append(errs, fmt.Errorf("handler registered for unknown tool %s", n))
		}
	}
	return errors.Join(errs...)
}

// Dispatch runs the named tool. It never panics and never returns an error:
// every failure is folded into the envelope.
func (r *Registry) Dispatch(ctx context.Context, name string, params Params) (res Result) {
	tool := Name(name)
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("tool panicked", zap.String("tool", name), zap.Any("panic", rec))
			res = Result{Error: fmt.Sprintf("%s: internal error", name)}
		}
		r.log.Debug("tool dispatched",
			zap.String("tool", name),
			zap.Bool("success", res.Success),
			zap.Duration("took", time.Since(start)))
	}()

	r.mu.RLock()
	h, ok := r.handlers[tool]
	r.mu.RUnlock()
	if !ok {
		return Result{Error: fmt.Sprintf("%v: %s", ErrUnknownTool, name)}
	}
	if params == nil {
		params = Params{}
	}

	data, err := h(ctx, params)
	if err != nil {
		return Result{Error: fmt.Sprintf("%s: %v", name, err)}
	}
	return Result{Success: true, Data: data}
}

// RunBatch runs calls in order and stops after the first failure unless that
// call set params.continue_on_error.
func (r *Registry) RunBatch(ctx context.Context, calls []Call) []Result {
	results := make([]Result, 0, len(calls))
	for _, c := range calls {
		if err := ctx.Err(); err != nil {
			results = append(results, Result{Error: err.Error()})
			break
		}
		res := r.Dispatch(ctx, string(c.Tool), c.Params)
		results = append(results, res)
		if !res.Success && !c.Params.Bool("continue_on_error") {
			break
		}
	}
	return results
}

// unavailable fills every tool of a family with a handler reporting err.
func unavailable(r *Registry, family Family, err error) {
	for _, n := range AllTools {
		if n.Family() == family {
			r.Register(n, func(context.Context, Params) (any, error) { return nil, err })
		}
	}
}

// Backends bundles the collaborators of every family. A nil member registers
// handlers that report ErrNotConfigured.
type Backends struct {
	Data      DataBackend
	Functions FunctionInvoker
	UI        UIProvider
	Notifier  Notifier
	Generator Generator
}

// NewDefaultRegistry registers all four families and validates the result.
func NewDefaultRegistry(b Backends, logger *zap.Logger) (*Registry, error) {
	r := NewRegistry(logger)
	RegisterData(r, b.Data)
	RegisterServices(r, b.Functions)
	RegisterFrontend(r, b.UI, b.Notifier)
	RegisterAI(r, b.Generator)
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

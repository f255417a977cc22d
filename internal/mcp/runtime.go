package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"uiresolve-mcp-server/internal/browser"
	"uiresolve-mcp-server/internal/executor"
	"uiresolve-mcp-server/internal/memory"
	"uiresolve-mcp-server/internal/telemetry"
	"uiresolve-mcp-server/internal/tools"

	"go.uber.org/zap"
)

// Browser is the session surface the server drives. SessionBrowser adapts
// *browser.SessionManager to it.
type Browser interface {
	Start(ctx context.Context) error
	IsConnected() bool
	ControlURL() string
	Shutdown(ctx context.Context) error
	List() []browser.Session
	CreateSession(ctx context.Context, rawURL string) (*browser.Session, error)
	Navigate(ctx context.Context, sessionID, rawURL string) (browser.Session, error)
	GetSession(sessionID string) (browser.Session, bool)
	Live(sessionID string) (executor.LiveInterface, error)
}

// SessionBrowser exposes each session's page driver as a live interface.
type SessionBrowser struct {
	*browser.SessionManager
}

func (b SessionBrowser) Live(sessionID string) (executor.LiveInterface, error) {
	d, err := b.Driver(sessionID)
	if err != nil {
		return nil, err
	}
	return d, nil
}

var errNoSession = errors.New("no browser session: call create-session first")

// Runtime keeps one executor per browser session. Executors share the memory
// store, feedback loop, journal and telemetry sink.
type Runtime struct {
	browser Browser
	deps    executor.Deps
	opts    executor.Options
	log     *zap.Logger

	mu        sync.Mutex
	executors map[string]*executor.Executor
}

func NewRuntime(b Browser, deps executor.Deps, opts executor.Options) *Runtime {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		browser:   b,
		deps:      deps,
		opts:      opts,
		log:       logger.Named("runtime"),
		executors: make(map[string]*executor.Executor),
	}
}

// Browser returns the underlying session surface.
func (r *Runtime) Browser() Browser { return r.browser }

// SessionID resolves id against the open sessions. An empty id picks the only
// open session.
func (r *Runtime) SessionID(id string) (string, error) {
	if id != "" {
		if _, ok := r.browser.GetSession(id); !ok {
			return "", fmt.Errorf("unknown session: %s", id)
		}
		return id, nil
	}
	sessions := r.browser.List()
	switch len(sessions) {
	case 0:
		return "", errNoSession
	case 1:
		return sessions[0].ID, nil
	default:
		return "", errors.New("session_id is required when several sessions are open")
	}
}

// Executor returns the executor bound to a session, creating it on first use.
func (r *Runtime) Executor(sessionID string) (*executor.Executor, string, error) {
	id, err := r.SessionID(sessionID)
	if err != nil {
		return nil, "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if x, ok := r.executors[id]; ok {
		return x, id, nil
	}
	live, err := r.browser.Live(id)
	if err != nil {
		return nil, "", err
	}
	x := executor.New(live, r.deps, r.opts)
	r.executors[id] = x
	return x, id, nil
}

// Route is the current logical route of a session.
func (r *Runtime) Route(sessionID string) string {
	s, _ := r.browser.GetSession(sessionID)
	return s.Route()
}

// Navigate loads path in the session and drops the session's cached
// resolutions.
func (r *Runtime) Navigate(ctx context.Context, sessionID, path string) (browser.Session, error) {
	id, err := r.SessionID(sessionID)
	if err != nil {
		return browser.Session{}, err
	}
	sess, err := r.browser.Navigate(ctx, id, path)
	if err != nil {
		return browser.Session{}, err
	}
	r.mu.Lock()
	x := r.executors[id]
	r.mu.Unlock()
	if x != nil {
		x.ClearCache()
	}
	if r.deps.Sink != nil {
		r.deps.Sink.TryWrite(telemetry.NewEvent(telemetry.EventNavigation, memory.CallerFrom(ctx), sess.Route(), "", "",
			map[string]interface{}{"session_id": id, "url": sess.URL}))
	}
	return sess, nil
}

// Reset forgets every executor, e.g. after the browser shut down.
func (r *Runtime) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors = make(map[string]*executor.Executor)
}

// UIProvider lets fe.* tools act on the session named by params.session_id.
func (r *Runtime) UIProvider() tools.UIProvider {
	return func(_ context.Context, p tools.Params) (tools.UI, error) {
		x, id, err := r.Executor(p.Text("session_id"))
		if err != nil {
			return nil, err
		}
		return &sessionUI{rt: r, id: id, exec: x}, nil
	}
}

type sessionUI struct {
	rt   *Runtime
	id   string
	exec *executor.Executor
}

func (u *sessionUI) Navigate(ctx context.Context, path string) (string, error) {
	sess, err := u.rt.Navigate(ctx, u.id, path)
	if err != nil {
		return "", err
	}
	return sess.Route(), nil
}

func (u *sessionUI) Route() string { return u.rt.Route(u.id) }

func (u *sessionUI) Execute(ctx context.Context, req executor.Request) executor.Result {
	return u.exec.Execute(ctx, req)
}

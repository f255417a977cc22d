// Package executor resolves semantic targets to locators and runs actions
// against the live interface, falling back from cached and remembered
// locators to heuristic discovery and feeding every outcome back into memory.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"uiresolve-mcp-server/internal/browser"
	"uiresolve-mcp-server/internal/cache"
	"uiresolve-mcp-server/internal/config"
	"uiresolve-mcp-server/internal/discover"
	"uiresolve-mcp-server/internal/learning"
	"uiresolve-mcp-server/internal/memory"
	"uiresolve-mcp-server/internal/telemetry"

	"go.uber.org/zap"
)

// ErrNoLocator is returned by Resolve when no strategy produced a locator.
var ErrNoLocator = errors.New("executor: no locator")

// Strategy sources, in priority order.
const (
	SourceCache     = "cache"
	SourceUser      = telemetry.SourceUser
	SourceGlobal    = telemetry.SourceGlobal
	SourceHeuristic = telemetry.SourceHeuristic
)

// LiveInterface is the page the executor operates on. *browser.PageDriver
// implements it.
type LiveInterface interface {
	Snapshot(ctx context.Context) (discover.Snapshot, error)
	Invoke(ctx context.Context, locator string, action browser.Action, value string) (string, error)
	PageAction(ctx context.Context, action browser.Action, value string) (string, error)
}

// Deps are the collaborators shared by every executor in the process.
type Deps struct {
	Store    *memory.Store
	Feedback *learning.Feedback
	Journal  *learning.Journal
	Sink     telemetry.Sink
	Logger   *zap.Logger
	// Clock drives the resolution cache; nil uses the system clock.
	Clock cache.Clock
}

// Options bound each step of the fallback chain.
type Options struct {
	CacheTTL       time.Duration
	AttemptTimeout time.Duration
	DiscoveryWait  time.Duration
	DiscoveryPoll  time.Duration
}

// OptionsFrom reads the resolver section of the config.
func OptionsFrom(cfg config.ResolverConfig) Options {
	return Options{
		CacheTTL:       cfg.GetCacheTTL(),
		AttemptTimeout: cfg.GetAttemptTimeout(),
		DiscoveryWait:  cfg.GetDiscoveryWait(),
		DiscoveryPoll:  cfg.GetDiscoveryPoll(),
	}
}

// Executor runs one action at a time against a single live interface. It
// owns one resolution cache per caller.
type Executor struct {
	live     LiveInterface
	store    *memory.Store
	clock    cache.Clock
	finder   *discover.Finder
	feedback *learning.Feedback
	journal  *learning.Journal
	sink     telemetry.Sink
	opts     Options
	log      *zap.Logger

	mu     sync.Mutex
	caches map[string]*cache.ResolutionCache
}

// New builds an executor for live.
func New(live LiveInterface, deps Deps, opts Options) *Executor {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := deps.Sink
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 2500 * time.Millisecond
	}
	if opts.DiscoveryWait <= 0 {
		opts.DiscoveryWait = 7 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	journal := deps.Journal
	if journal == nil {
		journal = learning.NewJournal(0, nil)
	}
	return &Executor{
		live:     live,
		store:    deps.Store,
		clock:    deps.Clock,
		finder:   discover.NewFinder(opts.DiscoveryWait, opts.DiscoveryPoll, logger),
		feedback: deps.Feedback,
		journal:  journal,
		sink:     sink,
		opts:     opts,
		log:      logger.Named("executor"),
		caches:   make(map[string]*cache.ResolutionCache),
	}
}

// Cache returns the resolution cache of the caller in ctx.
func (x *Executor) Cache(ctx context.Context) *cache.ResolutionCache {
	caller := memory.CallerFrom(ctx)
	x.mu.Lock()
	defer x.mu.Unlock()
	c, ok := x.caches[caller]
	if !ok {
		c = cache.New(x.opts.CacheTTL, x.clock)
		x.caches[caller] = c
	}
	return c
}

// ClearCache drops every cached resolution. Called on navigation.
func (x *Executor) ClearCache() {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, c := range x.caches {
		c.Clear()
	}
}

// Resolution is a locator and where it came from.
type Resolution struct {
	Locator  string            `json:"locator"`
	Source   string            `json:"source"`
	Strategy discover.Strategy `json:"strategy,omitempty"`
	Entry    *memory.Entry     `json:"entry,omitempty"`
	Labels   []string          `json:"available,omitempty"`
	Matches  []discover.Match  `json:"-"`
}

// Resolve returns the best locator for target without acting on it. Cache,
// then memory (user, then global), then heuristic discovery.
func (x *Executor) Resolve(ctx context.Context, route, target string) (Resolution, error) {
	if res, ok := x.rememberedLocator(ctx, route, target); ok {
		return res, nil
	}
	found, err := x.discover(ctx, target, nil)
	if err != nil {
		return Resolution{Labels: found.Labels}, fmt.Errorf("resolve %q: %w", target, joinNoLocator(err))
	}
	best := found.Matches[0]
	return Resolution{
		Locator:  best.Candidate.Locator,
		Source:   SourceHeuristic,
		Strategy: best.Candidate.Strategy,
		Labels:   found.Labels,
		Matches:  found.Matches,
	}, nil
}

func (x *Executor) rememberedLocator(ctx context.Context, route, target string) (Resolution, bool) {
	rc := x.Cache(ctx)
	if hit, ok := rc.Get(route, target); ok {
		if hit.Entry == nil {
			return Resolution{}, false
		}
		return Resolution{Locator: hit.Entry.Locator, Source: string(hit.Entry.Scope), Entry: hit.Entry}, true
	}
	if x.store == nil {
		return Resolution{}, false
	}
	e := x.store.Get(ctx, route, target)
	rc.Put(route, target, e)
	if e == nil {
		return Resolution{}, false
	}
	return Resolution{Locator: e.Locator, Source: string(e.Scope), Entry: e}, true
}

// discover polls the live interface. Each snapshot is bounded by the attempt
// timeout and the whole search by the discovery wait.
func (x *Executor) discover(ctx context.Context, target string, skip func(string) bool) (discover.Result, error) {
	dctx, cancel := context.WithTimeout(ctx, x.opts.DiscoveryWait)
	defer cancel()
	snapshot := func(c context.Context) (discover.Snapshot, error) {
		sctx, stop := context.WithTimeout(c, x.opts.AttemptTimeout)
		defer stop()
		return x.live.Snapshot(sctx)
	}
	res, err := x.finder.Find(dctx, target, snapshot, skip)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		// discovery wait elapsed rather than the caller giving up
		err = discover.ErrNoCandidate
	}
	return res, err
}

func joinNoLocator(err error) error {
	if errors.Is(err, discover.ErrNoCandidate) {
		return errors.Join(ErrNoLocator, err)
	}
	return err
}

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"uiresolve-mcp-server/internal/browser"
	"uiresolve-mcp-server/internal/config"
	"uiresolve-mcp-server/internal/executor"
	"uiresolve-mcp-server/internal/learning"
	"uiresolve-mcp-server/internal/mangle"
	"uiresolve-mcp-server/internal/mcp"
	"uiresolve-mcp-server/internal/memory"
	"uiresolve-mcp-server/internal/recorder"
	"uiresolve-mcp-server/internal/telemetry"
	"uiresolve-mcp-server/internal/tools"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// app holds everything serve wires together, in construction order.
type app struct {
	cfg        config.Config
	log        *zap.Logger
	store      *memory.Store
	engine     *mangle.Engine
	collector  *telemetry.Collector
	dispatcher *telemetry.Dispatcher
	nats       *nats.Conn
	data       *tools.PGData
	sessions   *browser.SessionManager
	server     *mcp.Server

	closers []func(context.Context) error
}

// buildApp wires every component. On error whatever was opened is closed.
func buildApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger}
	if err := a.build(ctx); err != nil {
		_ = a.close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg, logger := a.cfg, a.log

	backend, err := memory.Open(ctx, cfg.Memory, logger)
	if err != nil {
		return fmt.Errorf("open memory backend: %w", err)
	}
	a.store = memory.NewStore(backend, logger)
	a.onClose(func(context.Context) error { return a.store.Close() })

	if cfg.Mangle.Enable {
		if a.engine, err = mangle.NewEngine(cfg.Mangle, logger); err != nil {
			return fmt.Errorf("init mangle engine: %w", err)
		}
	}

	if cfg.Telemetry.NATSURL != "" {
		if a.nats, err = telemetry.ConnectNATS(cfg.Telemetry.NATSURL, cfg.Server.Name); err != nil {
			return err
		}
		// The nats writer drains the conn itself when it is enabled.
		a.onClose(func(context.Context) error {
			if a.nats.IsClosed() || a.nats.IsDraining() {
				return nil
			}
			return a.nats.Drain()
		})
	}

	writers, err := a.telemetryWriters()
	if err != nil {
		return err
	}
	a.dispatcher = telemetry.NewDispatcher(writers, cfg.Telemetry.BufferSize, cfg.Telemetry.BatchSize, logger)
	a.onClose(a.dispatcher.Close)

	policy := memory.NewPolicy(cfg.Resolver.PromotionMinSuccesses, cfg.Resolver.PromotionMinScore)
	feedback := learning.NewFeedback(a.store, a.dispatcher, policy, logger)
	journal := learning.NewJournal(cfg.Resolver.JournalSize, nil)

	a.sessions = browser.NewSessionManager(cfg.Browser, logger)
	a.onClose(a.sessions.Shutdown)
	rt := mcp.NewRuntime(mcp.SessionBrowser{SessionManager: a.sessions}, executor.Deps{
		Store:    a.store,
		Feedback: feedback,
		Journal:  journal,
		Sink:     a.dispatcher,
		Logger:   logger,
	}, executor.OptionsFrom(cfg.Resolver))

	registry, err := a.registry(ctx, rt)
	if err != nil {
		return err
	}

	a.server, err = mcp.NewServer(cfg, mcp.Deps{
		Runtime:   rt,
		Registry:  registry,
		Store:     a.store,
		Feedback:  feedback,
		Journal:   journal,
		Exporter:  learning.NewExporter(a.store, journal),
		Collector: a.collector,
		Engine:    a.engine,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("init mcp server: %w", err)
	}
	return nil
}

func (a *app) telemetryWriters() (writers []telemetry.Writer, err error) {
	cfg := a.cfg.Telemetry
	defer func() {
		if err != nil {
			for _, w := range writers {
				_ = w.Close()
			}
		}
	}()

	if cfg.HasWriter(config.WriterCollector) {
		a.collector = telemetry.NewCollector(cfg.CollectorSize)
		writers = append(writers, a.collector)
	}
	if cfg.HasWriter(config.WriterSQLite) {
		w, err := telemetry.NewSQLiteWriter(cfg.SQLitePath)
		if err != nil {
			return writers, err
		}
		writers = append(writers, w)
	}
	if cfg.HasWriter(config.WriterJSONL) {
		rec, err := recorder.NewRecorder(cfg.TraceDir)
		if err != nil {
			return writers, fmt.Errorf("open trace dir: %w", err)
		}
		if err := rec.Start(uuid.NewString()[:8]); err != nil {
			return writers, fmt.Errorf("start trace: %w", err)
		}
		a.log.Info("recording telemetry", zap.String("path", rec.Path()))
		writers = append(writers, rec)
	}
	if cfg.HasWriter(config.WriterNATS) {
		if a.nats == nil {
			return writers, errors.New("nats writer enabled without telemetry.nats_url")
		}
		writers = append(writers, telemetry.NewNATSWriter(a.nats, cfg.NATSSubject))
	}
	if cfg.HasWriter(config.WriterMangle) && a.engine != nil {
		writers = append(writers, telemetry.NewFactWriter(a.engine))
	}
	return writers, nil
}

// registry builds the tool registry. Families whose collaborator is not
// configured stay registered and report "not configured".
func (a *app) registry(ctx context.Context, rt *mcp.Runtime) (*tools.Registry, error) {
	cfg := a.cfg.Tools
	backends := tools.Backends{UI: rt.UIProvider()}

	if cfg.DataDSN != "" {
		data, err := tools.OpenPGData(ctx, cfg.DataDSN, a.log)
		if err != nil {
			return nil, err
		}
		a.data = data
		a.onClose(func(context.Context) error { return data.Close() })
		backends.Data = data
	}
	if cfg.FunctionsURL != "" {
		backends.Functions = tools.NewFunctionClient(cfg.FunctionsURL, cfg.FunctionsToken, cfg.FunctionsRPS, cfg.GetFunctionsTimeout(), a.log)
	}
	if cfg.GenAIAPIKey != "" {
		gen, err := tools.NewGeminiGenerator(ctx, cfg.GenAIAPIKey, cfg.GenAIModel, cfg.EmbedModel)
		if err != nil {
			return nil, err
		}
		backends.Generator = gen
	}
	if a.nats != nil {
		backends.Notifier = tools.NewNATSNotifier(a.nats, cfg.NotifySubject)
	}

	registry, err := tools.NewDefaultRegistry(backends, a.log)
	if err != nil {
		return nil, fmt.Errorf("tool registry: %w", err)
	}
	return registry, nil
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// close releases resources in reverse construction order.
func (a *app) close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

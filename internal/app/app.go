// Package app wires the Attune subsystems into a running server.
//
// New creates and connects everything: the PostgreSQL memory store, the
// phase hub, the turn registry, the orchestration engine, and the HTTP
// surface (gateway, health probes, metrics). Run serves until the context
// is cancelled; Shutdown tears the subsystems down in order.
//
// For testing, inject mock implementations via functional options
// (WithConversationStore, WithDocumentIndex). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/attunehq/attune/internal/config"
	"github.com/attunehq/attune/internal/engine"
	"github.com/attunehq/attune/internal/gateway"
	"github.com/attunehq/attune/internal/health"
	"github.com/attunehq/attune/internal/observe"
	"github.com/attunehq/attune/internal/phase"
	"github.com/attunehq/attune/internal/resilience"
	"github.com/attunehq/attune/internal/triage"
	"github.com/attunehq/attune/internal/turn"
	"github.com/attunehq/attune/pkg/memory"
	"github.com/attunehq/attune/pkg/memory/postgres"
	"github.com/attunehq/attune/pkg/provider/embeddings"
	"github.com/attunehq/attune/pkg/provider/llm"
)

// Providers holds one backend per pipeline role. Fast and Deep are required;
// Triage and Embeddings are optional and degrade gracefully (deterministic
// triage fallback, no document retrieval). FastFallback and DeepFallback are
// optional standbys tried when the primary fails or its breaker is open.
// Populated by main from the config.
type Providers struct {
	Fast         llm.Provider
	Deep         llm.Provider
	FastFallback llm.Provider
	DeepFallback llm.Provider
	Triage       llm.Provider
	Embeddings   embeddings.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	store  memory.ConversationStore
	docs   memory.DocumentIndex
	hub    *phase.Hub
	turns  *turn.Registry
	engine *engine.Engine
	server *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithConversationStore injects a conversation store instead of connecting
// to PostgreSQL.
func WithConversationStore(s memory.ConversationStore) Option {
	return func(a *App) { a.store = s }
}

// WithDocumentIndex injects a document index instead of the pgvector one.
func WithDocumentIndex(d memory.DocumentIndex) Option {
	return func(a *App) { a.docs = d }
}

// New wires all subsystems together. Initialisation is synchronous; a
// returned App is ready to Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Fast == nil || providers.Deep == nil {
		return nil, fmt.Errorf("app: fast and deep providers are required")
	}

	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	checkers := []health.Checker{}
	if err := a.initMemory(ctx, providers.Embeddings, &checkers); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	var hubOpts []phase.Option
	if cfg.Phase.IdleTTL > 0 {
		hubOpts = append(hubOpts, phase.WithTTL(cfg.Phase.IdleTTL))
	}
	a.hub = phase.NewHub(hubOpts...)
	a.closers = append(a.closers, func() error {
		a.hub.Close()
		return nil
	})
	a.turns = turn.NewRegistry()

	a.engine = a.buildEngine(providers)
	a.server = a.buildServer(checkers)

	return a, nil
}

// initMemory connects the PostgreSQL store unless mocks were injected.
func (a *App) initMemory(ctx context.Context, embedder embeddings.Provider, checkers *[]health.Checker) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		return fmt.Errorf("memory.postgres_dsn is required when no store is injected")
	}

	store, err := postgres.NewStore(ctx, dsn, embedder)
	if err != nil {
		return err
	}
	a.store = store.Conversations()
	if a.docs == nil && embedder != nil {
		a.docs = store.Documents()
	}
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	*checkers = append(*checkers, health.Checker{Name: "database", Check: store.Ping})
	return nil
}

// buildEngine wraps each generation backend in its own circuit breaker and
// constructs the orchestrator from the config tunables.
func (a *App) buildEngine(providers *Providers) *engine.Engine {
	fast := resilience.NewChain("fast", providers.Fast, resilience.BreakerConfig{Name: "fast"})
	if providers.FastFallback != nil {
		fast.AddFallback("fast-fallback", providers.FastFallback)
	}
	deep := resilience.NewChain("deep", providers.Deep, resilience.BreakerConfig{Name: "deep"})
	if providers.DeepFallback != nil {
		deep.AddFallback("deep-fallback", providers.DeepFallback)
	}

	var classifier *triage.Classifier
	if providers.Triage != nil {
		triageChain := resilience.NewChain("triage", providers.Triage, resilience.BreakerConfig{Name: "triage"})
		classifier = triage.NewClassifier(triageChain)
	} else {
		slog.Warn("no triage provider configured, every turn uses the deterministic fallback")
	}

	var opts []engine.Option
	if a.cfg.Engine.HandoffWordThreshold > 0 {
		opts = append(opts, engine.WithHandoffWordThreshold(a.cfg.Engine.HandoffWordThreshold))
	}
	if a.cfg.Engine.DeepTimeout > 0 {
		opts = append(opts, engine.WithDeepTimeout(a.cfg.Engine.DeepTimeout))
	}
	if a.cfg.Engine.HistoryLimit > 0 {
		opts = append(opts, engine.WithHistoryLimit(a.cfg.Engine.HistoryLimit))
	}
	if a.cfg.Memory.RetrievalLimit > 0 {
		opts = append(opts, engine.WithRetrievalLimit(a.cfg.Memory.RetrievalLimit))
	}
	return engine.New(fast, deep, classifier, a.store, a.docs, a.turns, a.hub, opts...)
}

// buildServer assembles the HTTP surface: gateway, probes, and metrics.
func (a *App) buildServer(checkers []health.Checker) *http.Server {
	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	gateway.New(a.engine, a.hub, a.docs, slog.Default()).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	handler := observe.Middleware(observe.DefaultMetrics())(mux)
	return &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: handler,
	}
}

// Run serves HTTP until ctx is cancelled, then drains the listener within
// the configured shutdown timeout.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutCtx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Shutdown waits for in-flight turn persistence and tears down subsystems in
// order. If ctx expires first, remaining closers are skipped.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		done := make(chan struct{})
		go func() {
			a.engine.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("shutdown deadline reached while persisting turns")
			shutdownErr = ctx.Err()
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// Command attune is the Attune conversation server: it mediates live turns
// between users and a pair of generative backends, streaming merged replies
// over the HTTP gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/attunehq/attune/internal/app"
	"github.com/attunehq/attune/internal/config"
	"github.com/attunehq/attune/internal/observe"
	oaembed "github.com/attunehq/attune/pkg/provider/embeddings/openai"
	"github.com/attunehq/attune/pkg/provider/llm"
	"github.com/attunehq/attune/pkg/provider/llm/anyllm"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "attune: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "attune: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("attune starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "attune"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildProviders instantiates all generation and embedding backends named in
// cfg and returns them in an [app.Providers] struct.
func buildProviders(cfg *config.Config) (*app.Providers, error) {
	ps := &app.Providers{}
	var err error

	if ps.Fast, err = buildLLM(cfg.Providers.Fast); err != nil {
		return nil, fmt.Errorf("create fast provider: %w", err)
	}
	slog.Info("provider created", "role", "fast", "name", cfg.Providers.Fast.Name, "model", cfg.Providers.Fast.Model)

	if ps.Deep, err = buildLLM(cfg.Providers.Deep); err != nil {
		return nil, fmt.Errorf("create deep provider: %w", err)
	}
	slog.Info("provider created", "role", "deep", "name", cfg.Providers.Deep.Name, "model", cfg.Providers.Deep.Model)

	if entry := cfg.Providers.FastFallback; entry.Name != "" {
		if ps.FastFallback, err = buildLLM(entry); err != nil {
			return nil, fmt.Errorf("create fast fallback provider: %w", err)
		}
		slog.Info("provider created", "role", "fast-fallback", "name", entry.Name, "model", entry.Model)
	}

	if entry := cfg.Providers.DeepFallback; entry.Name != "" {
		if ps.DeepFallback, err = buildLLM(entry); err != nil {
			return nil, fmt.Errorf("create deep fallback provider: %w", err)
		}
		slog.Info("provider created", "role", "deep-fallback", "name", entry.Name, "model", entry.Model)
	}

	if entry := cfg.Providers.Triage; entry.Name != "" {
		if ps.Triage, err = buildLLM(entry); err != nil {
			return nil, fmt.Errorf("create triage provider: %w", err)
		}
		slog.Info("provider created", "role", "triage", "name", entry.Name, "model", entry.Model)
	}

	if entry := cfg.Providers.Embeddings; entry.Name != "" {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if ps.Embeddings, err = oaembed.New(entry.APIKey, entry.Model, opts...); err != nil {
			return nil, fmt.Errorf("create embeddings provider: %w", err)
		}
		slog.Info("provider created", "role", "embeddings", "name", entry.Name, "model", entry.Model)
	}

	return ps, nil
}

// buildLLM constructs one generation backend. All supported providers share
// the same pattern: optional APIKey plus optional BaseURL.
func buildLLM(entry config.ProviderEntry) (llm.Provider, error) {
	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return anyllm.New(entry.Name, entry.Model, opts...)
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

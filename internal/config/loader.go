package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the engine tunables. Applied by the loader when the YAML
// leaves a field unset.
const (
	DefaultListenAddr           = ":8080"
	DefaultShutdownTimeout      = 10 * time.Second
	DefaultHandoffWordThreshold = 8
	DefaultDeepTimeout          = 4 * time.Second
	DefaultHistoryLimit         = 10
	DefaultRetrievalLimit       = 5
	DefaultPhaseIdleTTL         = 15 * time.Minute
)

// ValidProviderNames lists known provider names per provider role.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"fast":       {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"deep":       {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"triage":     {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"embeddings": {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. `${VAR}` references are expanded from the
// environment before decoding, so API keys can stay out of the file.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields of cfg with their default values.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Engine.HandoffWordThreshold == 0 {
		cfg.Engine.HandoffWordThreshold = DefaultHandoffWordThreshold
	}
	if cfg.Engine.DeepTimeout == 0 {
		cfg.Engine.DeepTimeout = DefaultDeepTimeout
	}
	if cfg.Engine.HistoryLimit == 0 {
		cfg.Engine.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Memory.RetrievalLimit == 0 {
		cfg.Memory.RetrievalLimit = DefaultRetrievalLimit
	}
	if cfg.Phase.IdleTTL == 0 {
		cfg.Phase.IdleTTL = DefaultPhaseIdleTTL
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("fast", cfg.Providers.Fast.Name)
	validateProviderName("deep", cfg.Providers.Deep.Name)
	validateProviderName("fast", cfg.Providers.FastFallback.Name)
	validateProviderName("deep", cfg.Providers.DeepFallback.Name)
	validateProviderName("triage", cfg.Providers.Triage.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.Fast.Name == "" {
		errs = append(errs, errors.New("providers.fast is required"))
	}
	if cfg.Providers.Deep.Name == "" {
		errs = append(errs, errors.New("providers.deep is required"))
	}
	if cfg.Providers.Triage.Name == "" {
		slog.Warn("providers.triage is not configured; the deep reasoning gate will rely on the keyword fallback only")
	}
	if cfg.Memory.PostgresDSN == "" {
		errs = append(errs, errors.New("memory.postgres_dsn is required"))
	}
	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("providers.embeddings is not configured; background document retrieval will be unavailable")
	}

	if cfg.Engine.HandoffWordThreshold < 0 {
		errs = append(errs, fmt.Errorf("engine.handoff_word_threshold %d must not be negative", cfg.Engine.HandoffWordThreshold))
	}
	if cfg.Engine.DeepTimeout < 0 {
		errs = append(errs, fmt.Errorf("engine.deep_timeout %s must not be negative", cfg.Engine.DeepTimeout))
	}
	if cfg.Engine.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("engine.history_limit %d must not be negative", cfg.Engine.HistoryLimit))
	}
	if cfg.Memory.RetrievalLimit < 0 {
		errs = append(errs, fmt.Errorf("memory.retrieval_limit %d must not be negative", cfg.Memory.RetrievalLimit))
	}
	if cfg.Phase.IdleTTL < 0 {
		errs = append(errs, fmt.Errorf("phase.idle_ttl %s must not be negative", cfg.Phase.IdleTTL))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given role.
func validateProviderName(role, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[role]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"role", role,
		"name", name,
		"known", known,
	)
}

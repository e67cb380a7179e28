package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/attunehq/attune/pkg/provider/llm"
)

// ErrAllBackendsFailed is returned when every backend in a [Chain] fails or
// has an open circuit breaker.
var ErrAllBackendsFailed = errors.New("all backends failed")

// Chain is an llm.Provider that fails over across multiple backends. Each
// backend gets its own [Breaker]; calls try backends in registration order,
// skipping any whose breaker is open.
//
// A stream that starts successfully belongs to its backend: mid-stream
// errors are carried in the stream itself and do not trigger failover, since
// partial output may already have reached the user.
type Chain struct {
	entries []chainEntry
	cfg     BreakerConfig
}

type chainEntry struct {
	name     string
	provider llm.Provider
	breaker  *Breaker
}

var _ llm.Provider = (*Chain)(nil)

// NewChain creates a [Chain] with primary as the first backend. cfg seeds
// every backend's breaker; its Name field is ignored.
func NewChain(primaryName string, primary llm.Provider, cfg BreakerConfig) *Chain {
	c := &Chain{cfg: cfg}
	c.add(primaryName, primary)
	return c
}

// AddFallback appends a fallback backend. Fallbacks are tried in the order
// they are added, after the primary.
func (c *Chain) AddFallback(name string, provider llm.Provider) {
	c.add(name, provider)
}

func (c *Chain) add(name string, provider llm.Provider) {
	cfg := c.cfg
	cfg.Name = name
	c.entries = append(c.entries, chainEntry{
		name:     name,
		provider: provider,
		breaker:  NewBreaker(cfg),
	})
}

// StreamCompletion implements llm.Provider. Failover applies only to
// starting the stream.
func (c *Chain) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	var lastErr error
	for i := range c.entries {
		entry := &c.entries[i]
		var ch <-chan llm.Chunk
		err := entry.breaker.Execute(func() error {
			var innerErr error
			ch, innerErr = entry.provider.StreamCompletion(ctx, req)
			return innerErr
		})
		if err == nil {
			return ch, nil
		}
		lastErr = err
		c.logSkip(entry.name, err)
	}
	return nil, fmt.Errorf("%w: %v", ErrAllBackendsFailed, lastErr)
}

// Complete implements llm.Provider.
func (c *Chain) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var lastErr error
	for i := range c.entries {
		entry := &c.entries[i]
		var resp *llm.CompletionResponse
		err := entry.breaker.Execute(func() error {
			var innerErr error
			resp, innerErr = entry.provider.Complete(ctx, req)
			return innerErr
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err
		c.logSkip(entry.name, err)
	}
	return nil, fmt.Errorf("%w: %v", ErrAllBackendsFailed, lastErr)
}

func (c *Chain) logSkip(name string, err error) {
	if errors.Is(err, ErrBreakerOpen) {
		slog.Debug("skipping backend (circuit open)", "backend", name)
		return
	}
	slog.Warn("backend failed, trying next", "backend", name, "error", err)
}

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/attunehq/attune/pkg/provider/llm"
	llmmock "github.com/attunehq/attune/pkg/provider/llm/mock"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Name: "test", MaxFailures: 3, ResetTimeout: time.Hour})
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("Execute() error = %v, want boom", err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("Execute() error = %v, want ErrBreakerOpen", err)
	}
	if called {
		t.Error("fn called while breaker open")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{MaxFailures: 2})
	boom := errors.New("boom")

	_ = b.Execute(func() error { return boom })
	_ = b.Execute(func() error { return nil })
	_ = b.Execute(func() error { return boom })

	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed (success resets the counter)", b.State())
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMax: 2})
	_ = b.Execute(func() error { return errors.New("boom") })
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	time.Sleep(20 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after reset timeout", b.State())
	}

	// Two successful probes close the breaker.
	for i := 0; i < 2; i++ {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d error = %v", i, err)
		}
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed after successful probes", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond})
	_ = b.Execute(func() error { return errors.New("boom") })
	time.Sleep(20 * time.Millisecond)

	_ = b.Execute(func() error { return errors.New("boom again") })
	if b.State() != StateOpen {
		t.Errorf("state = %v, want open after failed probe", b.State())
	}
}

func TestChainFailsOverToFallback(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errors.New("rate limited")}
	fallback := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from fallback"}}

	chain := NewChain("primary", primary, BreakerConfig{MaxFailures: 5})
	chain.AddFallback("fallback", fallback)

	resp, err := chain.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "from fallback" {
		t.Errorf("content = %q, want from fallback", resp.Content)
	}
	if primary.CompleteCallCount() != 1 || fallback.CompleteCallCount() != 1 {
		t.Errorf("call counts = %d/%d, want 1/1", primary.CompleteCallCount(), fallback.CompleteCallCount())
	}
}

func TestChainSkipsOpenBreaker(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errors.New("down")}
	fallback := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}

	chain := NewChain("primary", primary, BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	chain.AddFallback("fallback", fallback)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := chain.Complete(ctx, llm.CompletionRequest{}); err != nil {
			t.Fatalf("Complete() error = %v", err)
		}
	}

	// First call trips the primary's breaker; later calls skip it.
	if primary.CompleteCallCount() != 1 {
		t.Errorf("primary calls = %d, want 1", primary.CompleteCallCount())
	}
	if fallback.CompleteCallCount() != 3 {
		t.Errorf("fallback calls = %d, want 3", fallback.CompleteCallCount())
	}
}

func TestChainAllBackendsFailed(t *testing.T) {
	t.Parallel()

	chain := NewChain("only", &llmmock.Provider{StreamErr: errors.New("down")}, BreakerConfig{})
	_, err := chain.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllBackendsFailed) {
		t.Errorf("StreamCompletion() error = %v, want ErrAllBackendsFailed", err)
	}
}

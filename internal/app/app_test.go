package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/attunehq/attune/internal/config"
	memmock "github.com/attunehq/attune/pkg/memory/mock"
	"github.com/attunehq/attune/pkg/provider/llm"
	llmmock "github.com/attunehq/attune/pkg/provider/llm/mock"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = time.Second
	return cfg
}

func TestNewRequiresProviders(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), testConfig(), &Providers{Fast: &llmmock.Provider{}},
		WithConversationStore(&memmock.ConversationStore{}))
	if err == nil {
		t.Fatal("New() without a deep provider succeeded, want error")
	}
}

func TestNewRequiresDSNWithoutInjectedStore(t *testing.T) {
	t.Parallel()

	providers := &Providers{Fast: &llmmock.Provider{}, Deep: &llmmock.Provider{}}
	_, err := New(context.Background(), testConfig(), providers)
	if err == nil {
		t.Fatal("New() without a DSN or injected store succeeded, want error")
	}
}

func TestFallbackProviderServesWhenPrimaryFails(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errors.New("upstream unavailable")}
	standby := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Still here."}}

	a, err := New(context.Background(), testConfig(), &Providers{
		Fast:         primary,
		Deep:         &llmmock.Provider{},
		FastFallback: standby,
	}, WithConversationStore(&memmock.ConversationStore{}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		a.Shutdown(ctx)
	})

	res, err := a.engine.Generate(context.Background(), "u1", "s1", "ok")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.ReplyText != "Still here." {
		t.Errorf("reply = %q, want the standby backend's reply", res.ReplyText)
	}
	if standby.CompleteCallCount() == 0 {
		t.Error("standby backend was never called")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	providers := &Providers{Fast: &llmmock.Provider{}, Deep: &llmmock.Provider{}}
	a, err := New(context.Background(), testConfig(), providers,
		WithConversationStore(&memmock.ConversationStore{}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

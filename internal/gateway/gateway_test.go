package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/attunehq/attune/internal/engine"
	"github.com/attunehq/attune/internal/observe"
	"github.com/attunehq/attune/internal/phase"
	"github.com/attunehq/attune/internal/turn"
	"github.com/attunehq/attune/pkg/memory"
	memmock "github.com/attunehq/attune/pkg/memory/mock"
	"github.com/attunehq/attune/pkg/provider/llm"
	llmmock "github.com/attunehq/attune/pkg/provider/llm/mock"
)

type fixture struct {
	server *httptest.Server
	store  *memmock.ConversationStore
	fast   *llmmock.Provider
	docs   *memmock.DocumentIndex
}

func newFixture(t *testing.T, store *memmock.ConversationStore, fast *llmmock.Provider) *fixture {
	t.Helper()

	hub := phase.NewHub()
	t.Cleanup(hub.Close)
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eng := engine.New(fast, &llmmock.Provider{}, nil, store, nil, turn.NewRegistry(), hub,
		engine.WithLogger(logger), engine.WithMetrics(metrics))

	docs := &memmock.DocumentIndex{}
	mux := http.NewServeMux()
	New(eng, hub, docs, logger).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &fixture{server: srv, store: store, fast: fast, docs: docs}
}

func TestTurnEndpoint(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Got it."}}
	f := newFixture(t, &memmock.ConversationStore{}, fast)

	body, _ := json.Marshal(TurnRequest{UserID: "u1", Message: "ok"})
	resp, err := http.Post(f.server.URL+"/v1/sessions/s1/turns", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got TurnResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ReplyText != "Got it." {
		t.Errorf("reply_text = %q", got.ReplyText)
	}
	if got.Mood != string(memory.MoodNeutral) {
		t.Errorf("mood = %q, want neutral", got.Mood)
	}
}

func TestTurnEndpointUnknownSession(t *testing.T) {
	t.Parallel()

	store := &memmock.ConversationStore{Sessions: map[string]bool{}}
	f := newFixture(t, store, &llmmock.Provider{})

	body, _ := json.Marshal(TurnRequest{UserID: "u1", Message: "hello there friend"})
	resp, err := http.Post(f.server.URL+"/v1/sessions/nope/turns", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestTurnEndpointBadRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &memmock.ConversationStore{}, &llmmock.Provider{})

	resp, err := http.Post(f.server.URL+"/v1/sessions/s1/turns", "application/json",
		strings.NewReader(`{"message":"no user id"}`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStream(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "That sounds "},
		{Text: "like a lot."},
		{FinishReason: "stop"},
	}}
	f := newFixture(t, &memmock.ConversationStore{}, fast)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/sessions/s1/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.CloseNow()

	req := TurnRequest{UserID: "u1", Message: "Today was long and I want to talk about all of it."}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	var reply strings.Builder
	sawPhase := false
	for {
		var ev StreamEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		switch ev.Type {
		case EventPhase:
			sawPhase = true
		case EventFragment:
			reply.WriteString(ev.Text)
		case EventError:
			t.Fatalf("error event: %s", ev.Error)
		case EventTurnEnd:
			if got := reply.String(); got != "That sounds like a lot." {
				t.Errorf("reply = %q", got)
			}
			if !sawPhase {
				t.Errorf("no phase events delivered before turn end")
			}
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func TestForwardTurnSerializesTurns(t *testing.T) {
	t.Parallel()

	h := New(nil, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	events := make(chan StreamEvent, 16)

	fragsA := make(chan engine.Fragment)
	fragsB := make(chan engine.Fragment, 2)
	fragsB <- engine.Fragment{Text: "b1 "}
	fragsB <- engine.Fragment{Text: "b2"}
	close(fragsB)

	first := make(chan struct{})
	close(first)
	doneA := make(chan struct{})
	doneB := make(chan struct{})
	go h.forwardTurn(ctx, events, fragsA, first, doneA)
	go h.forwardTurn(ctx, events, fragsB, doneA, doneB)

	// B's fragments are ready immediately while A's trickle in. The second
	// forwarder must hold them back until A has flushed.
	go func() {
		for _, text := range []string{"a1 ", "a2"} {
			time.Sleep(20 * time.Millisecond)
			fragsA <- engine.Fragment{Text: text}
		}
		close(fragsA)
	}()

	select {
	case <-doneB:
	case <-time.After(5 * time.Second):
		t.Fatal("forwarders did not finish")
	}

	var got []string
	for len(events) > 0 {
		ev := <-events
		switch ev.Type {
		case EventFragment:
			got = append(got, ev.Text)
		case EventTurnEnd:
			got = append(got, "end")
		}
	}
	want := []string{"a1 ", "a2", "end", "b1 ", "b2", "end"}
	if !slices.Equal(got, want) {
		t.Errorf("event order = %v, want %v", got, want)
	}
}

func TestIndexDocumentEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &memmock.ConversationStore{}, &llmmock.Provider{})

	body, _ := json.Marshal(DocumentRequest{Source: "journal", Content: "Planted tomatoes with my daughter today."})
	resp, err := http.Post(f.server.URL+"/v1/users/u1/documents", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	indexed := f.docs.Indexed()
	if len(indexed) != 1 {
		t.Fatalf("indexed %d documents, want 1", len(indexed))
	}
	if indexed[0].UserID != "u1" || indexed[0].Source != "journal" {
		t.Errorf("indexed document = %+v", indexed[0])
	}
	if indexed[0].ID == "" {
		t.Error("indexed document has no ID")
	}
}

func TestIndexDocumentEndpointRequiresContent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &memmock.ConversationStore{}, &llmmock.Provider{})

	resp, err := http.Post(f.server.URL+"/v1/users/u1/documents", "application/json",
		strings.NewReader(`{"source":"journal"}`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if got := len(f.docs.Indexed()); got != 0 {
		t.Errorf("indexed %d documents, want 0", got)
	}
}

func TestStreamRejectsEmptyRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &memmock.ConversationStore{}, &llmmock.Provider{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/sessions/s1/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.CloseNow()

	if err := wsjson.Write(ctx, conn, TurnRequest{UserID: "u1"}); err != nil {
		t.Fatalf("write request: %v", err)
	}

	var ev StreamEvent
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != EventError {
		t.Fatalf("event = %+v, want error event", ev)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

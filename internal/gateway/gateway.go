// Package gateway exposes the turn engine over HTTP.
//
// Two surfaces are provided per session:
//
//   - GET  /v1/sessions/{session}/stream — websocket. The client sends one
//     JSON [TurnRequest] per turn; the server interleaves fragment, phase,
//     and turn_end events on the same connection. Sending a new request
//     while a turn is streaming supersedes it.
//   - POST /v1/sessions/{session}/turns — plain request/response for
//     callers that want the completed reply as a single value.
//
// When a document index is attached, POST /v1/users/{user}/documents ingests
// background documents into semantic retrieval.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/attunehq/attune/internal/engine"
	"github.com/attunehq/attune/internal/phase"
	"github.com/attunehq/attune/pkg/memory"
)

// eventBuffer is the per-connection outbound event queue depth. Phase events
// are dropped when the queue is full; fragments apply backpressure instead.
const eventBuffer = 64

// TurnRequest is one user turn sent over the websocket or the POST endpoint.
type TurnRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// TurnResponse is the completed-value reply of the POST endpoint.
type TurnResponse struct {
	ReplyText string `json:"reply_text"`
	VoiceMode string `json:"voice_mode,omitempty"`
	Mood      string `json:"mood,omitempty"`
	RiskLevel int    `json:"risk_level"`
}

// Websocket event types.
const (
	EventPhase    = "phase"
	EventFragment = "fragment"
	EventTurnEnd  = "turn_end"
	EventError    = "error"
)

// StreamEvent is one websocket frame sent to the client.
type StreamEvent struct {
	Type      string `json:"type"`
	Phase     string `json:"phase,omitempty"`
	Text      string `json:"text,omitempty"`
	VoiceMode string `json:"voice_mode,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DocumentRequest is one background document submitted for indexing.
type DocumentRequest struct {
	Source  string `json:"source"`
	Type    string `json:"type,omitempty"`
	Content string `json:"content"`
}

// Handler serves the session endpoints. Safe for concurrent use.
type Handler struct {
	engine *engine.Engine
	hub    *phase.Hub
	docs   memory.DocumentIndex
	logger *slog.Logger
}

// New creates a gateway handler over the given engine and phase hub. docs
// may be nil, in which case the document ingestion route is not registered.
func New(e *engine.Engine, hub *phase.Hub, docs memory.DocumentIndex, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: e, hub: hub, docs: docs, logger: logger}
}

// Register adds the session routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/sessions/{session}/stream", h.handleStream)
	mux.HandleFunc("POST /v1/sessions/{session}/turns", h.handleTurn)
	if h.docs != nil {
		mux.HandleFunc("POST /v1/users/{user}/documents", h.handleIndexDocument)
	}
}

// handleTurn runs one turn to completion and answers with the full reply.
func (h *Handler) handleTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")

	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || strings.TrimSpace(req.Message) == "" {
		http.Error(w, "user_id and message are required", http.StatusBadRequest)
		return
	}

	res, err := h.engine.Generate(r.Context(), req.UserID, sessionID, req.Message)
	switch {
	case errors.Is(err, memory.ErrSessionNotFound):
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	case errors.Is(err, engine.ErrTurnSuperseded):
		http.Error(w, "turn superseded", http.StatusConflict)
		return
	case err != nil:
		h.logger.Error("turn failed", "session", sessionID, "user", req.UserID, "error", err)
		http.Error(w, "turn failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(TurnResponse{
		ReplyText: res.ReplyText,
		VoiceMode: res.VoiceMode,
		Mood:      string(res.Mood),
		RiskLevel: res.RiskLevel,
	}); err != nil {
		h.logger.Warn("writing turn response failed", "session", sessionID, "error", err)
	}
}

// handleStream upgrades to a websocket and serves turns until the client
// disconnects.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", "session", sessionID, "error", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan StreamEvent, eventBuffer)

	// Single writer: every event funnels through the events channel.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				if err := wsjson.Write(ctx, conn, ev); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// Phase events are advisory; drop rather than stall the reply stream.
	phases, unsubscribe := h.hub.Subscribe(sessionID)
	defer unsubscribe()
	go func() {
		for ev := range phases {
			select {
			case events <- StreamEvent{Type: EventPhase, Phase: string(ev.Phase)}:
			default:
			}
		}
	}()

	// Forwarders are chained: each turn's forwarder waits for the previous
	// one to flush, so a superseded turn's buffered fragments never land
	// after the next turn's output.
	prevDone := make(chan struct{})
	close(prevDone)

	for {
		var req TurnRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				h.logger.Debug("websocket read ended", "session", sessionID, "error", err)
			}
			return
		}
		if req.UserID == "" || strings.TrimSpace(req.Message) == "" {
			h.send(ctx, events, StreamEvent{Type: EventError, Error: "user_id and message are required"})
			continue
		}

		frags, err := h.engine.GenerateStream(ctx, req.UserID, sessionID, req.Message)
		if err != nil {
			msg := "turn failed"
			if errors.Is(err, memory.ErrSessionNotFound) {
				msg = "unknown session"
			} else {
				h.logger.Error("turn failed to start", "session", sessionID, "user", req.UserID, "error", err)
			}
			h.send(ctx, events, StreamEvent{Type: EventError, Error: msg})
			continue
		}
		done := make(chan struct{})
		go h.forwardTurn(ctx, events, frags, prevDone, done)
		prevDone = done
	}
}

// forwardTurn relays one turn's fragments to the connection once the
// previous turn's forwarder has finished. A superseded turn's channel simply
// closes early; the client still gets its turn_end.
func (h *Handler) forwardTurn(ctx context.Context, events chan<- StreamEvent, frags <-chan engine.Fragment, prev <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	select {
	case <-prev:
	case <-ctx.Done():
		return
	}

	for f := range frags {
		if !h.send(ctx, events, StreamEvent{Type: EventFragment, Text: f.Text, VoiceMode: f.VoiceMode}) {
			return
		}
	}
	h.send(ctx, events, StreamEvent{Type: EventTurnEnd})
}

// handleIndexDocument ingests one background document into the retrieval
// index.
func (h *Handler) handleIndexDocument(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")

	var req DocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}

	doc := memory.Document{
		ID:        uuid.NewString(),
		UserID:    userID,
		Source:    req.Source,
		Type:      req.Type,
		Content:   req.Content,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.docs.IndexDocument(r.Context(), doc); err != nil {
		h.logger.Error("indexing document failed", "user", userID, "source", req.Source, "error", err)
		http.Error(w, "indexing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(map[string]string{"id": doc.ID}); err != nil {
		h.logger.Warn("writing index response failed", "user", userID, "error", err)
	}
}

// send queues one event, racing connection teardown.
func (h *Handler) send(ctx context.Context, events chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

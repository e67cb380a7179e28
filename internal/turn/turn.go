// Package turn owns the per-session turn lifecycle: at most one live turn
// exists per session, and beginning a new turn supersedes (cancels) the
// previous one. Cancellation is cooperative through the token's context.
//
// The registry is in-memory process state. A restart invalidates all
// in-flight turns, which is the intended behavior.
package turn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrSuperseded is the cancellation cause installed when a newer turn for
// the same session begins.
var ErrSuperseded = errors.New("turn superseded by a newer turn")

// Token identifies one live turn and carries its cancellation signal.
type Token struct {
	id        string
	sessionID string
	ctx       context.Context
	cancel    context.CancelCauseFunc
}

// ID returns the unique turn identifier.
func (t *Token) ID() string { return t.id }

// SessionID returns the owning session.
func (t *Token) SessionID() string { return t.sessionID }

// Context returns the turn's cancellation context. Holders must observe it
// on every blocking wait so supersession preempts slow upstream calls.
func (t *Token) Context() context.Context { return t.ctx }

// Cancelled reports whether the turn has been cancelled.
func (t *Token) Cancelled() bool {
	return t.ctx.Err() != nil
}

// Registry maps sessions to their single live turn token. Safe for
// concurrent use across sessions.
type Registry struct {
	mu     sync.Mutex
	active map[string]*Token
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*Token)}
}

// Begin installs a fresh token for sessionID, cancelling and replacing any
// existing one. The old token's holders observe [ErrSuperseded] as the
// cancellation cause before the new token is visible.
func (r *Registry) Begin(sessionID string) *Token {
	ctx, cancel := context.WithCancelCause(context.Background())
	tok := &Token{
		id:        uuid.NewString(),
		sessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.active[sessionID]; ok {
		prev.cancel(ErrSuperseded)
	}
	r.active[sessionID] = tok
	return tok
}

// End removes the mapping for sessionID if tok is still its current token,
// and cancels tok to release anything still holding its context. A stale
// End (after supersession) cancels only the stale token and leaves the
// newer registration untouched. Idempotent.
func (r *Registry) End(sessionID string, tok *Token) {
	if tok == nil {
		return
	}
	r.mu.Lock()
	if cur, ok := r.active[sessionID]; ok && cur.id == tok.id {
		delete(r.active, sessionID)
	}
	r.mu.Unlock()
	tok.cancel(context.Canceled)
}

// Abort cancels and removes the live turn for sessionID, recording reason
// as the cancellation cause. No-op when no turn is live.
func (r *Registry) Abort(sessionID string, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tok, ok := r.active[sessionID]; ok {
		tok.cancel(fmt.Errorf("turn aborted: %s", reason))
		delete(r.active, sessionID)
	}
}

// ActiveCount returns the number of sessions with a live turn.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

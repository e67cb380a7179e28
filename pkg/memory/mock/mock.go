// Package mock provides in-memory test doubles for the memory store
// contracts. All fields are plain and safe to set before use; call records
// are guarded so engine tests can assert from the test goroutine while the
// engine persists concurrently.
package mock

import (
	"context"
	"sync"

	"github.com/attunehq/attune/pkg/memory"
)

// Compile-time interface checks.
var (
	_ memory.ConversationStore = (*ConversationStore)(nil)
	_ memory.DocumentIndex     = (*DocumentIndex)(nil)
)

// ConversationStore is a configurable mock implementing
// [memory.ConversationStore].
type ConversationStore struct {
	mu sync.Mutex

	// Sessions maps session IDs that exist. A nil map means every session
	// exists, which keeps simple engine tests short.
	Sessions map[string]bool

	// State is the conversation state returned by GetConversationState and
	// passed into UpsertConversationState updates. Upserts write back here.
	State      map[string]memory.ConversationState
	Recent     []memory.MessageRecord
	SessionErr error
	MessageErr error
	RecentErr  error
	UpsertErr  error
	GetErr     error
	RiskErr    error

	// Done, when non-nil, receives one value after each successful
	// UpsertConversationState. Tests use it to wait for async finalization.
	Done chan struct{}

	createdMessages []memory.MessageRecord
	riskLogs        []memory.RiskLog
	increments      []string
	maxRiskUpdates  []MaxRiskUpdate
	upsertedUsers   []string
}

// MaxRiskUpdate records one UpdateMaxRisk call.
type MaxRiskUpdate struct {
	SessionID string
	RiskLevel int
}

// SessionExists implements [memory.ConversationStore].
func (s *ConversationStore) SessionExists(_ context.Context, sessionID string) (bool, error) {
	if s.SessionErr != nil {
		return false, s.SessionErr
	}
	if s.Sessions == nil {
		return true, nil
	}
	return s.Sessions[sessionID], nil
}

// CreateMessage implements [memory.ConversationStore].
func (s *ConversationStore) CreateMessage(_ context.Context, msg memory.MessageRecord) error {
	if s.MessageErr != nil {
		return s.MessageErr
	}
	s.mu.Lock()
	s.createdMessages = append(s.createdMessages, msg)
	s.mu.Unlock()
	return nil
}

// RecentMessages implements [memory.ConversationStore].
func (s *ConversationStore) RecentMessages(_ context.Context, _ string, limit int) ([]memory.MessageRecord, error) {
	if s.RecentErr != nil {
		return nil, s.RecentErr
	}
	msgs := s.Recent
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// IncrementMessageCount implements [memory.ConversationStore].
func (s *ConversationStore) IncrementMessageCount(_ context.Context, sessionID string) error {
	if s.MessageErr != nil {
		return s.MessageErr
	}
	s.mu.Lock()
	s.increments = append(s.increments, sessionID)
	s.mu.Unlock()
	return nil
}

// UpsertConversationState implements [memory.ConversationStore].
func (s *ConversationStore) UpsertConversationState(_ context.Context, userID string, update func(memory.ConversationState) memory.ConversationState) error {
	if s.UpsertErr != nil {
		return s.UpsertErr
	}
	s.mu.Lock()
	if s.State == nil {
		s.State = make(map[string]memory.ConversationState)
	}
	prev, ok := s.State[userID]
	if !ok {
		prev = memory.ConversationState{
			UserID:  userID,
			Context: memory.UserTurnContext{Graph: memory.NewStateGraph()},
		}
	}
	s.State[userID] = update(prev)
	s.upsertedUsers = append(s.upsertedUsers, userID)
	s.mu.Unlock()
	if s.Done != nil {
		s.Done <- struct{}{}
	}
	return nil
}

// GetConversationState implements [memory.ConversationStore].
func (s *ConversationStore) GetConversationState(_ context.Context, userID string) (memory.ConversationState, bool, error) {
	if s.GetErr != nil {
		return memory.ConversationState{}, false, s.GetErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.State[userID]; ok {
		return state, true, nil
	}
	return memory.ConversationState{
		UserID:  userID,
		Context: memory.UserTurnContext{Graph: memory.NewStateGraph()},
	}, false, nil
}

// CreateRiskLog implements [memory.ConversationStore].
func (s *ConversationStore) CreateRiskLog(_ context.Context, log memory.RiskLog) error {
	if s.RiskErr != nil {
		return s.RiskErr
	}
	s.mu.Lock()
	s.riskLogs = append(s.riskLogs, log)
	s.mu.Unlock()
	return nil
}

// UpdateMaxRisk implements [memory.ConversationStore].
func (s *ConversationStore) UpdateMaxRisk(_ context.Context, sessionID string, riskLevel int) error {
	if s.RiskErr != nil {
		return s.RiskErr
	}
	s.mu.Lock()
	s.maxRiskUpdates = append(s.maxRiskUpdates, MaxRiskUpdate{SessionID: sessionID, RiskLevel: riskLevel})
	s.mu.Unlock()
	return nil
}

// CreatedMessages returns a copy of all messages recorded so far.
func (s *ConversationStore) CreatedMessages() []memory.MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]memory.MessageRecord, len(s.createdMessages))
	copy(out, s.createdMessages)
	return out
}

// RiskLogs returns a copy of all risk logs recorded so far.
func (s *ConversationStore) RiskLogs() []memory.RiskLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]memory.RiskLog, len(s.riskLogs))
	copy(out, s.riskLogs)
	return out
}

// MaxRiskUpdates returns a copy of all UpdateMaxRisk calls recorded so far.
func (s *ConversationStore) MaxRiskUpdates() []MaxRiskUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MaxRiskUpdate, len(s.maxRiskUpdates))
	copy(out, s.maxRiskUpdates)
	return out
}

// UpsertCount returns how many UpsertConversationState calls succeeded.
func (s *ConversationStore) UpsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.upsertedUsers)
}

// IncrementCount returns how many IncrementMessageCount calls succeeded.
func (s *ConversationStore) IncrementCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.increments)
}

// DocumentIndex is a configurable mock implementing [memory.DocumentIndex].
type DocumentIndex struct {
	mu sync.Mutex

	Docs     []memory.RetrievedDoc
	FindErr  error
	IndexErr error

	indexed   []memory.Document
	findCalls []FindCall
}

// FindCall records one FindRelevant call.
type FindCall struct {
	UserID string
	Text   string
	Limit  int
}

// IndexDocument implements [memory.DocumentIndex].
func (d *DocumentIndex) IndexDocument(_ context.Context, doc memory.Document) error {
	if d.IndexErr != nil {
		return d.IndexErr
	}
	d.mu.Lock()
	d.indexed = append(d.indexed, doc)
	d.mu.Unlock()
	return nil
}

// FindRelevant implements [memory.DocumentIndex].
func (d *DocumentIndex) FindRelevant(_ context.Context, userID string, text string, limit int) ([]memory.RetrievedDoc, error) {
	d.mu.Lock()
	d.findCalls = append(d.findCalls, FindCall{UserID: userID, Text: text, Limit: limit})
	d.mu.Unlock()
	if d.FindErr != nil {
		return nil, d.FindErr
	}
	docs := d.Docs
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

// Indexed returns a copy of all indexed documents.
func (d *DocumentIndex) Indexed() []memory.Document {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]memory.Document, len(d.indexed))
	copy(out, d.indexed)
	return out
}

// FindCalls returns a copy of all recorded FindRelevant calls.
func (d *DocumentIndex) FindCalls() []FindCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]FindCall, len(d.findCalls))
	copy(out, d.findCalls)
	return out
}

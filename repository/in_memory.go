// Package repository provides the built-in implementations of the
// core.Repository capability: a volatile in-memory store for tests and demos,
// and a durable SQLite store in the sqlite subpackage.
package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/badibam/assistant-sub001/core"
)

// ErrNotFound is returned when a session or seed does not exist.
var ErrNotFound = fmt.Errorf("repository: not found")

// InMemoryStore is a volatile Repository implementation storing everything in
// process-local maps. It is safe for concurrent access and best suited for
// tests or ephemeral demo runs. Returned sessions are cloned to prevent
// external mutation of internal state.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*core.Session
	states   map[string]core.OrchestrationState
	messages map[string][]core.Message
	seeds    map[string]*core.Seed
}

// NewInMemoryStore constructs an empty in-memory repository.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*core.Session),
		states:   make(map[string]core.OrchestrationState),
		messages: make(map[string][]core.Message),
		seeds:    make(map[string]*core.Seed),
	}
}

// SaveSession stores a clone of the session.
func (s *InMemoryStore) SaveSession(_ context.Context, sess *core.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// GetSession returns a clone of the stored session.
func (s *InMemoryStore) GetSession(_ context.Context, id string) (*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sess.Clone(), nil
}

// SaveState persists the orchestration state and, when the state is terminal,
// the session's end reason in the same step.
func (s *InMemoryStore) SaveState(_ context.Context, state core.OrchestrationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.SessionID] = state
	if state.Phase.Terminal() {
		if sess, ok := s.sessions[state.SessionID]; ok {
			sess.End(state.EndReason)
		}
	}
	return nil
}

// LoadState returns the last persisted state for a session, if any.
func (s *InMemoryStore) LoadState(_ context.Context, sessionID string) (core.OrchestrationState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[sessionID]
	return state, ok, nil
}

// AppendMessage assigns the next per-session sequence number and persists the
// message. The transcript is append-only; sequences are monotonic.
func (s *InMemoryStore) AppendMessage(_ context.Context, m core.Message) (core.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.Sequence = len(s.messages[m.SessionID]) + 1
	s.messages[m.SessionID] = append(s.messages[m.SessionID], m)
	return m, nil
}

// Messages returns a defensive copy of the session transcript in sequence
// order.
func (s *InMemoryStore) Messages(_ context.Context, sessionID string) ([]core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := make([]core.Message, len(s.messages[sessionID]))
	copy(msgs, s.messages[sessionID])
	return msgs, nil
}

// SaveSeed stores or replaces an automation seed.
func (s *InMemoryStore) SaveSeed(_ context.Context, seed *core.Seed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *seed
	s.seeds[seed.ID] = &c
	return nil
}

// Seeds returns all stored seeds.
func (s *InMemoryStore) Seeds(_ context.Context) ([]*core.Seed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Seed, 0, len(s.seeds))
	for _, seed := range s.seeds {
		c := *seed
		out = append(out, &c)
	}
	return out, nil
}

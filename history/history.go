// Package history persists per-user chat histories.
package history

import (
	"context"
	"sync"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// History is an ordered sequence of turns, oldest first.
type History []Turn

func (h History) Clone() History {
	if h == nil {
		return History{}
	}
	return append(History(make([]Turn, 0, len(h)+2)), h...)
}

// Last returns at most the newest n turns. A window never opens with an
// assistant turn whose question was cut off. n <= 0 returns h unchanged.
func (h History) Last(n int) History {
	if n <= 0 || len(h) <= n {
		return h
	}

	w := h[len(h)-n:]
	for len(w) > 0 && w[0].Role != RoleUser {
		w = w[1:]
	}
	return w
}

// Store reads and overwrites whole histories keyed by user id. Callers own the
// read-modify-write cycle.
type Store interface {
	Get(ctx context.Context, userID string) (History, error)
	Put(ctx context.Context, userID string, h History) error
}

// MemoryStore keeps histories for the lifetime of the process.
type MemoryStore struct {
	maxTurns int

	mu    sync.RWMutex
	users map[string]History
}

func NewMemoryStore(maxTurns int) *MemoryStore {
	return &MemoryStore{
		maxTurns: maxTurns,
		users:    make(map[string]History),
	}
}

func (s *MemoryStore) Get(_ context.Context, userID string) (History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.users[userID].Clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, userID string, h History) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[userID] = h.Last(s.maxTurns).Clone()
	return nil
}

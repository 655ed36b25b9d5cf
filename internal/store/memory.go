package store

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/MikeSquared-Agency/intake/internal/session"
)

// Memory keeps session state in process, evicting the least recently used
// sessions beyond its size. Used when no database is configured.
type Memory struct {
	cache *lru.Cache[string, session.State]
}

func NewMemory(size int) (*Memory, error) {
	cache, err := lru.New[string, session.State](size)
	if err != nil {
		return nil, fmt.Errorf("session cache: %w", err)
	}
	return &Memory{cache: cache}, nil
}

func (m *Memory) SaveSession(_ context.Context, st session.State) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	m.cache.Add(st.SessionID, st.Clone())
	return nil
}

func (m *Memory) GetSession(_ context.Context, sessionID string) (session.State, error) {
	st, ok := m.cache.Get(sessionID)
	if !ok {
		return session.State{}, session.ErrNotFound
	}
	return st.Clone(), nil
}

func (m *Memory) DeleteSession(_ context.Context, sessionID string) error {
	m.cache.Remove(sessionID)
	return nil
}

// Len returns the number of sessions held.
func (m *Memory) Len() int {
	return m.cache.Len()
}

package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/elkinlatorre/FINA/internal/engine"
)

// MemStore is an in-memory engine.Store for tests. States are deep-copied
// through JSON on both Load and Save so tests observe persistence
// boundaries the same way the SQLite store does.
type MemStore struct {
	mu      sync.Mutex
	states  map[string][]byte
	SaveErr error // when set, every Save fails with this error
	Saves   int
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{states: make(map[string][]byte)}
}

// Load returns a copy of the stored state or engine.ErrThreadNotFound.
func (m *MemStore) Load(_ context.Context, threadID string) (*engine.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.states[threadID]
	if !ok {
		return nil, engine.ErrThreadNotFound
	}
	var state engine.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Save stores a deep copy of the state.
func (m *MemStore) Save(_ context.Context, state *engine.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	m.states[state.ThreadID] = data
	m.Saves++
	return nil
}

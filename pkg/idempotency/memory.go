package idempotency

import (
	"context"
	"sync"

	"github.com/agent2allow/agent2allow/pkg/models"
)

// MemoryStore keeps bindings in process with the same first-write-wins and
// terminal-is-immutable rules as the Postgres store.
type MemoryStore struct {
	mu       sync.Mutex
	bindings map[string]memBinding
}

type memBinding struct {
	terminal bool
	resp     models.ToolCallResponse
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bindings: map[string]memBinding{}}
}

func (m *MemoryStore) Lookup(ctx context.Context, key string) (models.ToolCallResponse, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[key]
	if !ok {
		return models.ToolCallResponse{}, false, nil
	}
	resp := b.resp
	resp.IdempotentReplay = true
	return resp, true, nil
}

func (m *MemoryStore) Bind(ctx context.Context, key string, resp models.ToolCallResponse, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bindings[key]; ok {
		return nil
	}
	resp.IdempotentReplay = false
	m.bindings[key] = memBinding{terminal: terminal, resp: resp}
	return nil
}

func (m *MemoryStore) Rebind(ctx context.Context, key string, resp models.ToolCallResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[key]
	if !ok || b.terminal {
		return nil
	}
	resp.IdempotentReplay = false
	m.bindings[key] = memBinding{terminal: true, resp: resp}
	return nil
}

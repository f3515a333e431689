package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists agent records. store.Store implements it on Postgres.
type Store interface {
	SaveAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	DeleteAgent(ctx context.Context, id string) error
}

// MemoryStore is an in-process Store for tests and database-less runs.
type MemoryStore struct {
	agents map[string]*Agent
	mu     sync.RWMutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]*Agent)}
}

// SaveAgent normalizes, validates and upserts a.
func (m *MemoryStore) SaveAgent(_ context.Context, a *Agent) error {
	c := a.Clone()
	c.Normalize()
	if err := c.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if prev, ok := m.agents[c.ID]; ok {
		c.CreatedAt = prev.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.agents[c.ID] = c
	return nil
}

// GetAgent returns an active agent.
func (m *MemoryStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok || a.Status == StatusDeleted {
		return nil, fmt.Errorf("get agent %s: %w", id, ErrAgentNotFound)
	}
	return a.Clone(), nil
}

// ListAgents returns active agents, oldest first.
func (m *MemoryStore) ListAgents(_ context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		if a.Status != StatusDeleted {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeleteAgent soft-deletes an agent.
func (m *MemoryStore) DeleteAgent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok || a.Status == StatusDeleted {
		return fmt.Errorf("delete agent %s: %w", id, ErrAgentNotFound)
	}
	a.Status = StatusDeleted
	a.UpdatedAt = time.Now()
	return nil
}

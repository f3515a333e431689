package skill

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository holds skills in process. It backs previews in tests and
// deployments without Postgres. All operations are thread-safe.
type MemoryRepository struct {
	mu     sync.RWMutex
	skills map[string]*Skill
}

// NewMemoryRepository creates an empty MemoryRepository ready for use.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		skills: make(map[string]*Skill),
	}
}

// SaveSkill validates and upserts a skill.
func (m *MemoryRepository) SaveSkill(_ context.Context, s *Skill) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	c := s.Clone()
	if prev, ok := m.skills[s.ID]; ok {
		c.CreatedAt = prev.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.skills[s.ID] = c
	return nil
}

// GetSkill returns a skill by ID regardless of status.
func (m *MemoryRepository) GetSkill(_ context.Context, id string) (*Skill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.skills[id]
	if !ok {
		return nil, fmt.Errorf("get skill %s: %w", id, ErrNotFound)
	}
	return s.Clone(), nil
}

// ListSkills returns every skill, highest priority first, then by id.
func (m *MemoryRepository) ListSkills(_ context.Context) ([]*Skill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Skill, 0, len(m.skills))
	for _, s := range m.skills {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SetSkillStatus flips a skill between enabled and disabled.
func (m *MemoryRepository) SetSkillStatus(_ context.Context, id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.skills[id]
	if !ok {
		return fmt.Errorf("set status %s: %w", id, ErrNotFound)
	}
	s.Status = status
	s.UpdatedAt = time.Now()
	return nil
}

// FetchEnabled implements Repository.
func (m *MemoryRepository) FetchEnabled(ctx context.Context, ids []string) (map[string]*Skill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Skill, len(ids))
	for _, id := range ids {
		if s, ok := m.skills[id]; ok && s.Enabled() {
			out[id] = s.Clone()
		}
	}
	return out, nil
}

// FetchStatuses implements StatusReader.
func (m *MemoryRepository) FetchStatuses(ctx context.Context, ids []string) (map[string]Status, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(ids))
	for _, id := range ids {
		if s, ok := m.skills[id]; ok {
			out[id] = s.Status
		}
	}
	return out, nil
}

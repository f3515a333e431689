package skill

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a skill. Skills are disabled, never deleted,
// so agents and past conversations can still refer to them.
type Status string

const (
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusEnabled || s == StatusDisabled
}

// Sort priorities. Higher sorts first. PriorityAlways is the always-include
// tier: such skills bypass routing and are kept whenever they are enabled.
const (
	PriorityMin     = 0
	PriorityDefault = 50
	PriorityAlways  = 100
)

// Skill is a reusable, operator-authored prompt template.
type Skill struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	Status      Status    `json:"status"`
	Template    string    `json:"template"`
	Variables   []string  `json:"variables"`
	Keywords    []string  `json:"keywords"`
	Description string    `json:"description"`
	Priority    int       `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Enabled reports whether the skill may be selected and rendered.
func (s *Skill) Enabled() bool {
	return s != nil && s.Status == StatusEnabled
}

// AlwaysInclude reports whether the skill sits in the always-include tier.
func (s *Skill) AlwaysInclude() bool {
	return s.Priority >= PriorityAlways
}

// Validate checks the fields the management surface must never persist wrong.
func (s *Skill) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, s.Status)
	}
	if s.Priority < PriorityMin || s.Priority > PriorityAlways {
		return fmt.Errorf("%w: priority %d outside %d..%d", ErrInvalid, s.Priority, PriorityMin, PriorityAlways)
	}
	return nil
}

// Clone returns a deep copy so callers can't alias repository state.
func (s *Skill) Clone() *Skill {
	c := *s
	c.Variables = append([]string(nil), s.Variables...)
	c.Keywords = append([]string(nil), s.Keywords...)
	return &c
}

var (
	// ErrRepositoryUnavailable marks a storage or connectivity failure while
	// fetching skills. It is never returned for ids that simply don't exist.
	ErrRepositoryUnavailable = errors.New("skill repository unavailable")

	// ErrNotFound is returned by management lookups of a single skill.
	ErrNotFound = errors.New("skill not found")

	// ErrInvalid is returned when a skill fails validation.
	ErrInvalid = errors.New("invalid skill")
)

// Repository is the read contract the composer depends on. FetchEnabled
// tolerates duplicate and unknown ids; the result holds only enabled skills.
// Implementations perform one bounded read and must honour ctx.
type Repository interface {
	FetchEnabled(ctx context.Context, ids []string) (map[string]*Skill, error)
}

// StatusReader is optionally implemented by repositories that can tell a
// disabled skill apart from a missing one. Ids that don't exist are absent.
type StatusReader interface {
	FetchStatuses(ctx context.Context, ids []string) (map[string]Status, error)
}

// Dedupe returns ids with duplicates and empty strings removed, keeping the
// first occurrence of each.
func Dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

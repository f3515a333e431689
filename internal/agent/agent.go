// Package agent holds the agent record and runs agents against their LLM
// provider with a composed system prompt.
package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/ipagent/internal/compose"
	"github.com/nidhogg/ipagent/internal/skill"
	"github.com/nidhogg/ipagent/internal/tokenizer"
)

// SchemaVersion is the current agent record version. Normalize upgrades
// older records in place.
const SchemaVersion = 2

// Mode selects how an agent's system prompt is built.
type Mode string

const (
	// ModePlain uses SystemPrompt only; the composer is bypassed.
	ModePlain Mode = "plain"
	// ModeSkillAssembly composes the prompt from the agent's skills.
	ModeSkillAssembly Mode = "skill_assembly"
)

// Status is the lifecycle state of an agent record.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

var (
	// ErrAgentNotFound is returned when an agent ID doesn't exist.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrInvalid is returned when an agent fails validation.
	ErrInvalid = errors.New("invalid agent")
)

// Agent is a configured assistant. Every field is always present; zero
// values are filled by Normalize.
type Agent struct {
	SchemaVersion      int                          `json:"schema_version"`
	ID                 string                       `json:"id"`
	Name               string                       `json:"name"`
	Mode               Mode                         `json:"mode"`
	SkillIDs           []string                     `json:"skill_ids"`
	SkillVariables     map[string]map[string]string `json:"skill_variables"`
	RoutingEnabled     bool                         `json:"routing_enabled"`
	RoutingDescription string                       `json:"routing_description"`
	SystemPrompt       string                       `json:"system_prompt"`
	ProviderID         string                       `json:"provider_id"`
	Model              string                       `json:"model"`
	ModelFamily        tokenizer.Family             `json:"model_family"`
	Status             Status                       `json:"status"`
	CreatedAt          time.Time                    `json:"created_at"`
	UpdatedAt          time.Time                    `json:"updated_at"`
}

// Normalize fills defaults and upgrades older records. Version 1 records had
// no mode; one with skills is treated as skill assembly.
func (a *Agent) Normalize() {
	if a.SchemaVersion < 2 && a.Mode == "" && len(a.SkillIDs) > 0 {
		a.Mode = ModeSkillAssembly
	}
	a.SchemaVersion = SchemaVersion
	if a.Mode == "" {
		a.Mode = ModePlain
	}
	if a.SkillIDs == nil {
		a.SkillIDs = []string{}
	}
	if a.SkillVariables == nil {
		a.SkillVariables = map[string]map[string]string{}
	}
	if a.ModelFamily == "" {
		a.ModelFamily = tokenizer.FamilyForModel(a.Model)
	} else {
		a.ModelFamily = tokenizer.ParseFamily(string(a.ModelFamily))
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
}

// Validate checks a normalized agent.
func (a *Agent) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if a.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if a.Mode != ModePlain && a.Mode != ModeSkillAssembly {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalid, a.Mode)
	}
	if a.Status != StatusActive && a.Status != StatusDeleted {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, a.Status)
	}
	return nil
}

// Clone returns a deep copy.
func (a *Agent) Clone() *Agent {
	c := *a
	c.SkillIDs = append([]string(nil), a.SkillIDs...)
	if a.SkillVariables != nil {
		c.SkillVariables = make(map[string]map[string]string, len(a.SkillVariables))
		for id, vars := range a.SkillVariables {
			m := make(map[string]string, len(vars))
			for k, v := range vars {
				m[k] = v
			}
			c.SkillVariables[id] = m
		}
	}
	return &c
}

// CompositionRequest returns the composer input for one turn. Plain-mode
// agents yield a request without skills, which the composer short-circuits.
func (a *Agent) CompositionRequest(userInput string) compose.Request {
	req := compose.Request{
		AgentID:     a.ID,
		UserInput:   userInput,
		ModelFamily: a.ModelFamily,
	}
	if a.Mode != ModeSkillAssembly {
		return req
	}
	req.SkillIDs = skill.Dedupe(a.SkillIDs)
	req.Variables = a.SkillVariables
	req.RoutingEnabled = a.RoutingEnabled
	req.RoutingHint = a.RoutingDescription
	return req
}

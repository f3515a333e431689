package compose

import (
	"github.com/nidhogg/ipagent/internal/tokenizer"
)

// SkillStatus is what happened to one requested skill during composition.
type SkillStatus string

const (
	StatusRendered        SkillStatus = "rendered"
	StatusSkippedDisabled SkillStatus = "skipped_disabled"
	StatusSkippedMissing  SkillStatus = "skipped_missing"
	StatusRenderError     SkillStatus = "render_error"
	StatusSkippedRouted   SkillStatus = "skipped_routed"
	StatusSkippedBudget   SkillStatus = "skipped_budget"
)

// Request is the composer's input. It is built from an agent record or
// directly by the preview endpoint.
type Request struct {
	AgentID        string                       `json:"agent_id,omitempty"`
	SkillIDs       []string                     `json:"skill_ids"`
	Variables      map[string]map[string]string `json:"variables,omitempty"` // per-skill overrides
	Defaults       map[string]string            `json:"defaults,omitempty"`
	RoutingEnabled bool                         `json:"routing_enabled"`
	RoutingHint    string                       `json:"routing_hint,omitempty"`
	UserInput      string                       `json:"user_input"`
	ModelFamily    tokenizer.Family             `json:"model_family,omitempty"`
	MaxTokens      int                          `json:"max_tokens,omitempty"`
}

// SkillResult records the outcome for one requested skill id.
type SkillResult struct {
	ID      string      `json:"id"`
	Status  SkillStatus `json:"status"`
	Tokens  int         `json:"tokens,omitempty"`
	Missing []string    `json:"missing,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Result is the composed system prompt plus what went into it.
type Result struct {
	Prompt     string        `json:"prompt"`
	SkillsUsed []string      `json:"skills_used"`
	Tokens     int           `json:"tokens"`
	Statuses   []SkillResult `json:"statuses"`
}

// Status returns the result entry for id.
func (r *Result) Status(id string) (SkillResult, bool) {
	for _, s := range r.Statuses {
		if s.ID == id {
			return s, true
		}
	}
	return SkillResult{}, false
}

// Config holds composer settings.
type Config struct {
	Separator        string            `json:"separator"`
	Parallelism      int               `json:"parallelism"`
	MaxPromptTokens  int               `json:"max_prompt_tokens"` // 0 = no budget
	DefaultVariables map[string]string `json:"default_variables"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Separator:   "\n\n",
		Parallelism: 4,
	}
}

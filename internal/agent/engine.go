package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/ipagent/internal/compose"
	"github.com/nidhogg/ipagent/internal/provider"
	"go.uber.org/zap"
)

const defaultMaxTokens = 4096

// Engine runs agents: it composes the system prompt and calls the bound
// provider.
type Engine struct {
	agents   Store
	composer *compose.Composer
	router   *provider.Router
	logger   *zap.Logger
}

// NewEngine creates a new agent engine.
func NewEngine(agents Store, composer *compose.Composer, router *provider.Router, logger *zap.Logger) *Engine {
	return &Engine{
		agents:   agents,
		composer: composer,
		router:   router,
		logger:   logger,
	}
}

// ExecuteResult holds the output of an agent execution. PromptTokens is the
// composer's estimate for the system prompt and is what the ledger debits;
// Usage is what the provider reported.
type ExecuteResult struct {
	AgentID      string         `json:"agent_id"`
	Content      string         `json:"content"`
	SkillsUsed   []string       `json:"skills_used"`
	PromptTokens int            `json:"prompt_tokens"`
	Usage        provider.Usage `json:"usage"`
	Duration     time.Duration  `json:"duration"`
}

// Execute answers userMsg as agentID. Composition failures, including
// skill.ErrRepositoryUnavailable, are returned without calling the provider.
func (e *Engine) Execute(ctx context.Context, agentID string, userMsg string) (*ExecuteResult, error) {
	start := time.Now()
	a, err := e.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	a.Normalize()

	composed, err := e.composer.Compose(ctx, a.CompositionRequest(userMsg))
	if err != nil {
		return nil, fmt.Errorf("compose prompt for agent %s: %w", agentID, err)
	}

	req := &provider.ChatRequest{
		Model:     a.Model,
		Messages:  buildMessages(a, composed.Prompt, userMsg),
		MaxTokens: defaultMaxTokens,
	}
	resp, err := e.router.Route(ctx, a.ProviderID, req)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", agentID, err)
	}

	promptTokens := composed.Tokens
	if a.SystemPrompt != "" {
		promptTokens = e.composer.Estimator().Estimate(joinSystem(a.SystemPrompt, composed.Prompt), a.ModelFamily)
	}

	e.logger.Debug("agent executed",
		zap.String("agent_id", agentID),
		zap.Strings("skills_used", composed.SkillsUsed),
		zap.Int("prompt_tokens", promptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens))

	return &ExecuteResult{
		AgentID:      agentID,
		Content:      resp.Content,
		SkillsUsed:   composed.SkillsUsed,
		PromptTokens: promptTokens,
		Usage:        resp.Usage,
		Duration:     time.Since(start),
	}, nil
}

// buildMessages returns base instructions, composed skills, then the user turn.
func buildMessages(a *Agent, composed, userMsg string) []provider.Message {
	var msgs []provider.Message
	if a.SystemPrompt != "" {
		msgs = append(msgs, provider.Message{Role: "system", Content: a.SystemPrompt})
	}
	if composed != "" {
		msgs = append(msgs, provider.Message{Role: "system", Content: composed})
	}
	return append(msgs, provider.Message{Role: "user", Content: userMsg})
}

func joinSystem(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "\n\n")
}

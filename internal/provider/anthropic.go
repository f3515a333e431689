package provider

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider implements Provider for the Claude Messages API.
type AnthropicProvider struct {
	config Config
	client *http.Client
	logger *zap.Logger
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(cfg Config, logger *zap.Logger) *AnthropicProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.anthropic.com/v1"
	}
	return &AnthropicProvider{
		config: cfg,
		client: newHTTPClient(cfg.Timeout),
		logger: logger,
	}
}

func (p *AnthropicProvider) ID() string   { return p.config.ID }
func (p *AnthropicProvider) Name() string { return p.config.Name }

type anthropicRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	System    string    `json:"system,omitempty"`
	MaxTokens int       `json:"max_tokens"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// toAnthropic moves system messages into the top-level system field. The
// Messages API takes one system prompt, so several are joined in order.
func toAnthropic(req *ChatRequest) *anthropicRequest {
	ar := &anthropicRequest{Model: req.Model, MaxTokens: req.MaxTokens}
	if ar.MaxTokens == 0 {
		ar.MaxTokens = 4096
	}
	var system []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			if m.Content != "" {
				system = append(system, m.Content)
			}
			continue
		}
		ar.Messages = append(ar.Messages, m)
	}
	ar.System = strings.Join(system, "\n\n")
	return ar
}

// Chat sends a non-streaming Messages API request.
func (p *AnthropicProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	headers := map[string]string{
		"x-api-key":         p.config.APIKey,
		"anthropic-version": anthropicVersion,
	}
	var out anthropicResponse
	if err := doJSON(ctx, p.client, p.config.Endpoint+"/messages", headers, toAnthropic(req), &out); err != nil {
		return nil, err
	}

	var content strings.Builder
	for _, c := range out.Content {
		if c.Type == "text" {
			content.WriteString(c.Text)
		}
	}
	return &ChatResponse{
		ID:           out.ID,
		Model:        out.Model,
		Content:      content.String(),
		FinishReason: out.StopReason,
		Usage: Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		},
	}, nil
}

// HealthCheck sends a one-token request.
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	model := "claude-3-5-haiku-latest"
	if len(p.config.Models) > 0 {
		model = p.config.Models[0]
	}
	_, err := p.Chat(ctx, &ChatRequest{
		Model:     model,
		Messages:  []Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	return err
}

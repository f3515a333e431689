package provider

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// OpenAIProvider implements Provider for OpenAI-compatible chat APIs.
type OpenAIProvider struct {
	config Config
	client *http.Client
	logger *zap.Logger
}

// NewOpenAIProvider creates a new OpenAI-compatible provider.
func NewOpenAIProvider(cfg Config, logger *zap.Logger) *OpenAIProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		config: cfg,
		client: newHTTPClient(cfg.Timeout),
		logger: logger,
	}
}

func (p *OpenAIProvider) ID() string   { return p.config.ID }
func (p *OpenAIProvider) Name() string { return p.config.Name }

// chatURL builds the chat completions URL. If Extra["path_model"] is "true",
// the model name goes into the path (e.g. 讯飞星辰MaaS).
func (p *OpenAIProvider) chatURL(model string) string {
	if p.config.Extra["path_model"] == "true" && model != "" {
		return p.config.Endpoint + "/" + model + "/chat/completions"
	}
	return p.config.Endpoint + "/chat/completions"
}

func (p *OpenAIProvider) headers() map[string]string {
	if p.config.APIKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + p.config.APIKey}
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Chat sends a non-streaming chat completion request.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	var out openAIChatResponse
	if err := doJSON(ctx, p.client, p.chatURL(req.Model), p.headers(), req, &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("empty response from provider")
	}
	choice := out.Choices[0]
	return &ChatResponse{
		ID:           out.ID,
		Model:        out.Model,
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        out.Usage,
	}, nil
}

// HealthCheck lists models to verify the endpoint and key.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	var models struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	return doJSON(ctx, p.client, p.config.Endpoint+"/models", p.headers(), nil, &models)
}

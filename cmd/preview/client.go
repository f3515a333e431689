package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// client talks to a running ipagent server.
type client struct {
	base string
	http *http.Client
}

func newClient(base string, timeout time.Duration) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// serverError is a non-2xx reply.
type serverError struct {
	Status  int
	Message string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.Status, e.Message)
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &serverError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type skillInfo struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Category string   `json:"category"`
	Status   string   `json:"status"`
	Priority int      `json:"priority"`
	Keywords []string `json:"keywords"`
}

type agentInfo struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Mode     string   `json:"mode"`
	SkillIDs []string `json:"skill_ids"`
	Model    string   `json:"model"`
}

type skillStatus struct {
	ID      string   `json:"id"`
	Status  string   `json:"status"`
	Tokens  int      `json:"tokens"`
	Missing []string `json:"missing"`
	Error   string   `json:"error"`
}

type composition struct {
	Prompt      string        `json:"prompt"`
	SkillsUsed  []string      `json:"skills_used"`
	Tokens      int           `json:"tokens"`
	Statuses    []skillStatus `json:"statuses"`
	ModelFamily string        `json:"model_family"`
	ExactTokens *int          `json:"exact_tokens"`
	Counter     string        `json:"counter"`
}

type chatReply struct {
	AgentID      string   `json:"agent_id"`
	Content      string   `json:"content"`
	SkillsUsed   []string `json:"skills_used"`
	PromptTokens int      `json:"prompt_tokens"`
}

func (c *client) skills(ctx context.Context) ([]skillInfo, error) {
	var out []skillInfo
	return out, c.do(ctx, http.MethodGet, "/api/skills", nil, &out)
}

func (c *client) agents(ctx context.Context) ([]agentInfo, error) {
	var out []agentInfo
	return out, c.do(ctx, http.MethodGet, "/api/agents", nil, &out)
}

func (c *client) compose(ctx context.Context, agentID, input string) (*composition, error) {
	var out composition
	body := map[string]string{"user_input": input}
	if err := c.do(ctx, http.MethodPost, "/api/agents/"+agentID+"/compose", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type previewParams struct {
	SkillIDs       []string          `json:"skill_ids"`
	Defaults       map[string]string `json:"defaults,omitempty"`
	UserInput      string            `json:"user_input,omitempty"`
	RoutingEnabled bool              `json:"routing_enabled"`
	ModelFamily    string            `json:"model_family,omitempty"`
	Model          string            `json:"model,omitempty"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
}

func (c *client) preview(ctx context.Context, p previewParams) (*composition, error) {
	var out composition
	if err := c.do(ctx, http.MethodPost, "/api/prompts/preview", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) chat(ctx context.Context, agentID, message string) (*chatReply, error) {
	var out chatReply
	body := map[string]string{"message": message}
	if err := c.do(ctx, http.MethodPost, "/api/agents/"+agentID+"/chat", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nidhogg/ipagent/internal/agent"
	"github.com/nidhogg/ipagent/internal/compose"
	"github.com/nidhogg/ipagent/internal/metrics"
	"github.com/nidhogg/ipagent/internal/provider"
	"github.com/nidhogg/ipagent/internal/skill"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProvider struct {
	last *provider.ChatRequest
	err  error
}

func (p *fakeProvider) ID() string   { return "fake" }
func (p *fakeProvider) Name() string { return "Fake" }

func (p *fakeProvider) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	p.last = req
	if p.err != nil {
		return nil, p.err
	}
	return &provider.ChatResponse{
		Content: "ok",
		Usage:   provider.Usage{PromptTokens: 30, CompletionTokens: 2, TotalTokens: 32},
	}, nil
}

func (p *fakeProvider) HealthCheck(context.Context) error { return nil }

type downRepo struct{ *skill.MemoryRepository }

func (downRepo) FetchEnabled(context.Context, []string) (map[string]*skill.Skill, error) {
	return nil, skill.ErrRepositoryUnavailable
}

type recordingCache struct{ ids []string }

func (c *recordingCache) Invalidate(_ context.Context, ids ...string) error {
	c.ids = append(c.ids, ids...)
	return nil
}

type fixedCounter int

func (c fixedCounter) Count(string) (int, error) { return int(c), nil }

type testEnv struct {
	ts       *httptest.Server
	skills   *skill.MemoryRepository
	agents   *agent.MemoryStore
	provider *fakeProvider
	cache    *recordingCache
}

// newTestEnv wires the handler over in-memory stores. A true down makes
// every composition fail with skill.ErrRepositoryUnavailable.
func newTestEnv(t *testing.T, down bool, opts ...Option) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	ctx := context.Background()

	skills := skill.NewMemoryRepository()
	require.NoError(t, skill.RegisterBuiltins(ctx, skills))
	agents := agent.NewMemoryStore()

	var repo skill.Repository = skills
	if down {
		repo = downRepo{skills}
	}
	composer := compose.NewComposer(repo, nil, nil, compose.DefaultConfig(), logger)

	p := &fakeProvider{}
	pr := provider.NewRouter(nil, logger)
	pr.Register(p)
	engine := agent.NewEngine(agents, composer, pr, logger)

	cache := &recordingCache{}
	opts = append([]Option{WithCache(cache)}, opts...)
	h := NewHandler(skills, agents, composer, engine, logger, opts...)
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, skills: skills, agents: agents, provider: p, cache: cache}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (e *testEnv) seedAgent(t *testing.T) {
	t.Helper()
	require.NoError(t, e.agents.SaveAgent(context.Background(), &agent.Agent{
		ID:       "nuka",
		Name:     "Nuka",
		Mode:     agent.ModeSkillAssembly,
		SkillIDs: []string{"brand_voice", "xiaohongshu_post"},
		SkillVariables: map[string]map[string]string{
			"brand_voice":      {"brand_name": " Nuka Coffee ", "tone": "WARM"},
			"xiaohongshu_post": {"topic": "cold brew"},
		},
		ModelFamily: "openai",
	}))
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t, false)
	resp := env.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]interface{}
	decodeJSON(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestHealthCheckDegraded(t *testing.T) {
	env := newTestEnv(t, false, WithHealthCheck("postgres", func(context.Context) error {
		return errors.New("connection refused")
	}))
	resp := env.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeJSON(t, resp, &body)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "down", body.Checks["postgres"])
}

func TestSkillLifecycle(t *testing.T) {
	env := newTestEnv(t, false)

	resp := env.do(t, http.MethodPost, "/api/skills", map[string]interface{}{
		"name":     "Live commerce",
		"template": "Host a live sale for {{ product }} in a {{ tone | lower }} voice.",
		"keywords": []string{"live", "直播"},
		"priority": 60,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created skill.Skill
	decodeJSON(t, resp, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, skill.StatusEnabled, created.Status)
	assert.Equal(t, []string{"product", "tone"}, created.Variables)
	assert.Equal(t, []string{created.ID}, env.cache.ids)

	resp = env.do(t, http.MethodPost, "/api/skills/"+created.ID+"/disable", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	got, err := env.skills.GetSkill(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, skill.StatusDisabled, got.Status)

	resp = env.do(t, http.MethodPost, "/api/skills/"+created.ID+"/enable", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Len(t, env.cache.ids, 3)

	resp = env.do(t, http.MethodPut, "/api/skills/"+created.ID, map[string]interface{}{
		"name":     "Live commerce",
		"template": "Sell {{ product }}.",
		"priority": 60,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated skill.Skill
	decodeJSON(t, resp, &updated)
	assert.Equal(t, "Sell {{ product }}.", updated.Template)
	assert.Equal(t, created.CreatedAt.Unix(), updated.CreatedAt.Unix())

	resp = env.do(t, http.MethodGet, "/api/skills", nil)
	var all []skill.Skill
	decodeJSON(t, resp, &all)
	assert.Len(t, all, 5)
}

func TestSkillPriorityDefaults(t *testing.T) {
	env := newTestEnv(t, false)

	resp := env.do(t, http.MethodPost, "/api/skills", map[string]interface{}{
		"name":     "Unranked",
		"template": "Be brief.",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created skill.Skill
	decodeJSON(t, resp, &created)
	assert.Equal(t, skill.PriorityDefault, created.Priority)

	resp = env.do(t, http.MethodPost, "/api/skills", map[string]interface{}{
		"id":       "lowest",
		"name":     "Lowest",
		"template": "Be brief.",
		"priority": 0,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var lowest skill.Skill
	decodeJSON(t, resp, &lowest)
	assert.Equal(t, skill.PriorityMin, lowest.Priority)

	resp = env.do(t, http.MethodPut, "/api/skills/brand_voice", map[string]interface{}{
		"name":     "Brand voice",
		"template": "Speak as {{ brand_name }}.",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated skill.Skill
	decodeJSON(t, resp, &updated)
	assert.Equal(t, skill.PriorityAlways, updated.Priority)
}

func TestCreateSkillRejectsBadTemplates(t *testing.T) {
	env := newTestEnv(t, false)

	for name, tmpl := range map[string]string{
		"unclosed":   "Hello {{ name",
		"block tag":  "{% if x %}hi{% endif %}",
		"safe":       "{{ bio | safe }}",
		"attr chain": "{{ user.name }}",
	} {
		t.Run(name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/skills", map[string]interface{}{
				"name":     "broken",
				"template": tmpl,
			})
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			resp.Body.Close()
		})
	}
	assert.Empty(t, env.cache.ids)
}

func TestSkillNotFound(t *testing.T) {
	env := newTestEnv(t, false)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/skills/ghost"},
		{http.MethodPut, "/api/skills/ghost"},
		{http.MethodPost, "/api/skills/ghost/disable"},
	} {
		resp := env.do(t, tc.method, tc.path, map[string]string{"name": "x", "template": "x"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, tc.path)
		resp.Body.Close()
	}
}

func TestAgentLifecycle(t *testing.T) {
	env := newTestEnv(t, false)

	resp := env.do(t, http.MethodPost, "/api/agents", map[string]interface{}{
		"name":      "Founder IP",
		"skill_ids": []string{"ip_story"},
		"model":     "qwen-max",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created agent.Agent
	decodeJSON(t, resp, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, agent.ModeSkillAssembly, created.Mode)
	assert.Equal(t, agent.SchemaVersion, created.SchemaVersion)

	resp = env.do(t, http.MethodGet, "/api/agents/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/api/agents", map[string]interface{}{"id": "nameless"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodDelete, "/api/agents/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/api/agents/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/api/agents", nil)
	var all []agent.Agent
	decodeJSON(t, resp, &all)
	assert.Empty(t, all)
}

func TestComposeForAgent(t *testing.T) {
	env := newTestEnv(t, false)
	env.seedAgent(t)

	resp := env.do(t, http.MethodPost, "/api/agents/nuka/compose", map[string]string{"user_input": "write a post"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res compose.Result
	decodeJSON(t, resp, &res)

	assert.Equal(t, []string{"brand_voice", "xiaohongshu_post"}, res.SkillsUsed)
	assert.Contains(t, res.Prompt, "You write on behalf of Nuka Coffee. Keep the tone warm")
	assert.Contains(t, res.Prompt, "Xiaohongshu note about cold brew")
	assert.Positive(t, res.Tokens)
	require.Len(t, res.Statuses, 2)
	assert.Equal(t, compose.StatusRendered, res.Statuses[1].Status)
}

func TestComposeUnknownAgent(t *testing.T) {
	env := newTestEnv(t, false)
	resp := env.do(t, http.MethodPost, "/api/agents/ghost/compose", map[string]string{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestPreview(t *testing.T) {
	env := newTestEnv(t, false, WithTokenCounter(fixedCounter(42)))

	resp := env.do(t, http.MethodPost, "/api/prompts/preview", map[string]interface{}{
		"skill_ids":    []string{"video_script", "ghost"},
		"defaults":     map[string]string{"brand_name": "Nuka", "duration": "30"},
		"model_family": "openai",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		compose.Result
		ModelFamily string `json:"model_family"`
		ExactTokens *int   `json:"exact_tokens"`
	}
	decodeJSON(t, resp, &body)

	assert.Equal(t, []string{"video_script"}, body.SkillsUsed)
	assert.Contains(t, body.Prompt, "30 second script")
	require.NotNil(t, body.ExactTokens)
	assert.Equal(t, 42, *body.ExactTokens)
	st, ok := body.Status("ghost")
	require.True(t, ok)
	assert.Equal(t, compose.StatusSkippedMissing, st.Status)
}

func TestPreviewNonOpenAIFamilyHasNoExactCount(t *testing.T) {
	env := newTestEnv(t, false, WithTokenCounter(fixedCounter(42)))

	resp := env.do(t, http.MethodPost, "/api/prompts/preview", map[string]interface{}{
		"skill_ids":    []string{"xiaohongshu_post"},
		"defaults":     map[string]string{"topic": "tea"},
		"model_family": "qwen",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]interface{}
	decodeJSON(t, resp, &body)
	assert.NotContains(t, body, "exact_tokens")
	assert.Equal(t, "qwen", body["model_family"])
}

func TestPreviewRoutingInputError(t *testing.T) {
	env := newTestEnv(t, false)
	resp := env.do(t, http.MethodPost, "/api/prompts/preview", map[string]interface{}{
		"skill_ids":       []string{"xiaohongshu_post"},
		"routing_enabled": true,
		"user_input":      string(bytes.Repeat([]byte("a"), 64*1024)),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestChat(t *testing.T) {
	env := newTestEnv(t, false)
	env.seedAgent(t)

	resp := env.do(t, http.MethodPost, "/api/agents/nuka/chat", map[string]string{"message": "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res agent.ExecuteResult
	decodeJSON(t, resp, &res)

	assert.Equal(t, "ok", res.Content)
	assert.Equal(t, []string{"brand_voice", "xiaohongshu_post"}, res.SkillsUsed)
	assert.Equal(t, 32, res.Usage.TotalTokens)
	require.NotNil(t, env.provider.last)
	assert.Equal(t, "user", env.provider.last.Messages[len(env.provider.last.Messages)-1].Role)
}

func TestChatValidation(t *testing.T) {
	env := newTestEnv(t, false)
	env.seedAgent(t)

	resp := env.do(t, http.MethodPost, "/api/agents/nuka/chat", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/api/agents/ghost/chat", map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestChatRepositoryUnavailable(t *testing.T) {
	env := newTestEnv(t, true)
	env.seedAgent(t)

	resp := env.do(t, http.MethodPost, "/api/agents/nuka/chat", map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body map[string]string
	decodeJSON(t, resp, &body)
	assert.Equal(t, "service unavailable, retry", body["error"])
	assert.Nil(t, env.provider.last)
}

func TestChatProviderFailure(t *testing.T) {
	env := newTestEnv(t, false)
	env.seedAgent(t)
	env.provider.err = &provider.APIError{Status: 500, Body: "upstream secret detail"}

	resp := env.do(t, http.MethodPost, "/api/agents/nuka/chat", map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret")
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("ipagent", reg, zap.NewNop())
	env := newTestEnv(t, false, WithMetrics(collector, reg))

	resp := env.do(t, http.MethodGet, "/api/skills/brand_voice", nil)
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `ipagent_http_requests_total{method="GET",route="/api/skills/{id}",status="200"} 1`)
}

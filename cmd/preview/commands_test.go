package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const composed = `{
  "prompt": "You write on behalf of Nuka.",
  "skills_used": ["brand_voice"],
  "tokens": 7,
  "model_family": "openai",
  "exact_tokens": 6,
  "counter": "tiktoken[o200k_base]",
  "statuses": [
    {"id": "brand_voice", "status": "rendered", "tokens": 7},
    {"id": "video_script", "status": "rendered", "tokens": 12, "missing": ["duration"]},
    {"id": "ghost", "status": "skipped_missing"}
  ]
}`

func fakeServer(t *testing.T, seen *map[string]interface{}) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/prompts/preview", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		w.Write([]byte(composed))
	})
	mux.HandleFunc("/api/agents/nuka/compose", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(composed))
	})
	mux.HandleFunc("/api/agents/nuka/chat", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"agent_id": "nuka", "content": "hello there", "skills_used": ["brand_voice"], "prompt_tokens": 7}`))
	})
	mux.HandleFunc("/api/agents/down/chat", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error": "service unavailable, retry"}`))
	})
	mux.HandleFunc("/api/agents", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id": "nuka", "name": "Nuka", "mode": "skill_assembly", "skill_ids": ["brand_voice", "video_script"], "model": "gpt-4o"}]`))
	})
	mux.HandleFunc("/api/skills", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id": "brand_voice", "name": "Brand voice", "category": "persona", "status": "enabled", "priority": 100}]`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func run(t *testing.T, ts *httptest.Server, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--server", ts.URL}, args...))
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestRender(t *testing.T) {
	var seen map[string]interface{}
	ts := fakeServer(t, &seen)

	out, _, err := run(t, ts, "", "render", "--skill", "brand_voice", "--skill", "video_script,ghost",
		"--var", "brand_name=Nuka", "--family", "openai")
	require.NoError(t, err)

	assert.Equal(t, []interface{}{"brand_voice", "video_script", "ghost"}, seen["skill_ids"])
	assert.Equal(t, map[string]interface{}{"brand_name": "Nuka"}, seen["defaults"])
	assert.Equal(t, "openai", seen["model_family"])

	assert.Contains(t, out, "missing: duration")
	assert.Contains(t, out, "skipped_missing")
	assert.Contains(t, out, "estimated tokens: 7 (openai), exact: 6 via tiktoken[o200k_base]")
	assert.Contains(t, out, "You write on behalf of Nuka.")
}

func TestRenderRequiresSkill(t *testing.T) {
	var seen map[string]interface{}
	ts := fakeServer(t, &seen)
	_, _, err := run(t, ts, "", "render")
	assert.Error(t, err)
	assert.Nil(t, seen)
}

func TestCompose(t *testing.T) {
	ts := fakeServer(t, new(map[string]interface{}))
	out, _, err := run(t, ts, "", "compose", "nuka", "write", "a", "script")
	require.NoError(t, err)
	assert.Contains(t, out, "brand_voice")
	assert.Contains(t, out, "rendered")
}

func TestListCommands(t *testing.T) {
	ts := fakeServer(t, new(map[string]interface{}))

	out, _, err := run(t, ts, "", "agents")
	require.NoError(t, err)
	assert.Contains(t, out, "brand_voice,video_script")

	out, _, err = run(t, ts, "", "skills")
	require.NoError(t, err)
	assert.Contains(t, out, "persona")
}

func TestChatLoop(t *testing.T) {
	ts := fakeServer(t, new(map[string]interface{}))

	out, _, err := run(t, ts, "hi\n/prompt\nexit\n", "chat", "nuka")
	require.NoError(t, err)
	assert.Contains(t, out, "hello there")
	assert.Contains(t, out, "prompt tokens: 7")
	assert.Contains(t, out, "You write on behalf of Nuka.")
	assert.Contains(t, out, "Bye!")
}

func TestChatShowsServerError(t *testing.T) {
	ts := fakeServer(t, new(map[string]interface{}))

	_, errOut, err := run(t, ts, "hi\n", "chat", "down")
	require.NoError(t, err)
	assert.Contains(t, errOut, "server error (503): service unavailable, retry")
}

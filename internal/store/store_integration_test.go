//go:build integration

package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nidhogg/ipagent/internal/agent"
	"github.com/nidhogg/ipagent/internal/compose"
	"github.com/nidhogg/ipagent/internal/skill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"
)

var (
	testStore *Store
	testDSN   string
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("ipagent_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres: %v\n", err)
		os.Exit(1)
	}
	testDSN, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		fmt.Fprintf(os.Stderr, "pg connection string: %v\n", err)
		os.Exit(1)
	}

	testStore, err = New(ctx, testDSN, time.Second, zap.NewNop())
	if err != nil {
		container.Terminate(ctx)
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		os.Exit(1)
	}
	if err := testStore.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	// Migrations are idempotent.
	if err := testStore.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migrate twice: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	testStore.Close()
	container.Terminate(ctx)
	os.Exit(code)
}

func TestSkillRoundTrip(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, skill.RegisterBuiltins(ctx, testStore))

	got, err := testStore.GetSkill(ctx, "brand_voice")
	require.NoError(t, err)
	assert.Equal(t, skill.PriorityAlways, got.Priority)
	assert.Equal(t, []string{"brand_name", "tone"}, got.Variables)

	_, err = testStore.GetSkill(ctx, "nope")
	assert.ErrorIs(t, err, skill.ErrNotFound)

	list, err := testStore.ListSkills(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, list)
	assert.Equal(t, "brand_voice", list[0].ID)
}

func TestFetchEnabledAndStatuses(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testStore.SaveSkill(ctx, &skill.Skill{ID: "on", Name: "On", Status: skill.StatusEnabled, Template: "x"}))
	require.NoError(t, testStore.SaveSkill(ctx, &skill.Skill{ID: "off", Name: "Off", Status: skill.StatusEnabled, Template: "y"}))
	require.NoError(t, testStore.SetSkillStatus(ctx, "off", skill.StatusDisabled))
	assert.ErrorIs(t, testStore.SetSkillStatus(ctx, "ghost", skill.StatusDisabled), skill.ErrNotFound)

	got, err := testStore.FetchEnabled(ctx, []string{"on", "off", "ghost", "on"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, "on")

	statuses, err := testStore.FetchStatuses(ctx, []string{"off", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, map[string]skill.Status{"off": skill.StatusDisabled}, statuses)
}

func TestFetchEnabledCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := testStore.FetchEnabled(ctx, []string{"on"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, skill.ErrRepositoryUnavailable)
}

func TestFetchEnabledAfterClose(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, testDSN, time.Second, zap.NewNop())
	require.NoError(t, err)
	s.Close()

	_, err = s.FetchEnabled(ctx, []string{"on"})
	assert.ErrorIs(t, err, skill.ErrRepositoryUnavailable)
}

func TestAgentRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := &agent.Agent{
		ID: "ip-1", Name: "IP", Mode: agent.ModeSkillAssembly,
		SkillIDs:       []string{"brand_voice", "video_script"},
		SkillVariables: map[string]map[string]string{"brand_voice": {"brand_name": "Nuka"}},
		RoutingEnabled: true,
		Model:          "deepseek-chat",
	}
	require.NoError(t, testStore.SaveAgent(ctx, a))

	got, err := testStore.GetAgent(ctx, "ip-1")
	require.NoError(t, err)
	assert.Equal(t, a.SkillIDs, got.SkillIDs)
	assert.Equal(t, "Nuka", got.SkillVariables["brand_voice"]["brand_name"])
	assert.Equal(t, "deepseek", string(got.ModelFamily))
	assert.Equal(t, agent.SchemaVersion, got.SchemaVersion)

	list, err := testStore.ListAgents(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, list)

	require.NoError(t, testStore.DeleteAgent(ctx, "ip-1"))
	_, err = testStore.GetAgent(ctx, "ip-1")
	assert.ErrorIs(t, err, agent.ErrAgentNotFound)
	assert.ErrorIs(t, testStore.DeleteAgent(ctx, "ip-1"), agent.ErrAgentNotFound)
}

func TestComposeAgainstPostgres(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, skill.RegisterBuiltins(ctx, testStore))
	c := compose.NewComposer(testStore, nil, nil, compose.DefaultConfig(), zap.NewNop())

	res, err := c.Compose(ctx, compose.Request{
		SkillIDs:  []string{"brand_voice", "off", "xiaohongshu_post"},
		Variables: map[string]map[string]string{"xiaohongshu_post": {"topic": "tea"}},
		Defaults:  map[string]string{"brand_name": "Nuka", "tone": "calm"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"brand_voice", "xiaohongshu_post"}, res.SkillsUsed)
	assert.Contains(t, res.Prompt, "about tea")
}

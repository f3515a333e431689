package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nidhogg/ipagent/internal/skill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSeedSkillsKeepsExistingRows(t *testing.T) {
	ctx := context.Background()
	repo := skill.NewMemoryRepository()
	require.NoError(t, repo.SaveSkill(ctx, &skill.Skill{
		ID: "brand_voice", Name: "Edited", Status: skill.StatusDisabled, Template: "custom",
	}))

	dir := t.TempDir()
	sub := filepath.Join(dir, "live_sale")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "skill.json"),
		[]byte(`{"id": "live_sale", "name": "Live sale", "status": "enabled", "template": "Sell {{ product }}."}`), 0o644))

	require.NoError(t, seedSkills(ctx, repo, dir, zap.NewNop()))

	got, err := repo.GetSkill(ctx, "brand_voice")
	require.NoError(t, err)
	assert.Equal(t, "Edited", got.Name)

	all, err := repo.ListSkills(ctx)
	require.NoError(t, err)
	assert.Len(t, all, len(skill.Builtins())+1)

	_, err = repo.GetSkill(ctx, "live_sale")
	assert.NoError(t, err)
}

func TestSeedSkillsMissingDir(t *testing.T) {
	repo := skill.NewMemoryRepository()
	require.NoError(t, seedSkills(context.Background(), repo, filepath.Join(t.TempDir(), "none"), zap.NewNop()))
	all, err := repo.ListSkills(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, len(skill.Builtins()))
}

func TestNewLoggerFallsBackOnBadLevel(t *testing.T) {
	assert.NotNil(t, newLogger("loud"))
	assert.NotNil(t, newLogger("warn"))
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/ipagent/internal/agent"
	"github.com/nidhogg/ipagent/internal/tokenizer"
)

const agentColumns = `id, schema_version, name, mode, skill_ids, skill_variables,
	routing_enabled, routing_description, system_prompt, provider_id, model,
	model_family, status, created_at, updated_at`

func scanAgent(row pgx.Row) (*agent.Agent, error) {
	var (
		a                    agent.Agent
		mode, family, status string
		varsJSON             []byte
	)
	if err := row.Scan(
		&a.ID, &a.SchemaVersion, &a.Name, &mode, &a.SkillIDs, &varsJSON,
		&a.RoutingEnabled, &a.RoutingDescription, &a.SystemPrompt, &a.ProviderID, &a.Model,
		&family, &status, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.Mode = agent.Mode(mode)
	a.ModelFamily = tokenizer.Family(family)
	a.Status = agent.Status(status)
	if len(varsJSON) > 0 {
		if err := json.Unmarshal(varsJSON, &a.SkillVariables); err != nil {
			return nil, fmt.Errorf("decode skill_variables: %w", err)
		}
	}
	a.Normalize()
	return &a, nil
}

// SaveAgent normalizes, validates and upserts an agent.
func (s *Store) SaveAgent(ctx context.Context, a *agent.Agent) error {
	c := a.Clone()
	c.Normalize()
	if err := c.Validate(); err != nil {
		return err
	}
	varsJSON, err := json.Marshal(c.SkillVariables)
	if err != nil {
		return fmt.Errorf("encode skill_variables: %w", err)
	}

	now := time.Now()
	_, err = s.db.Exec(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		ON CONFLICT (id) DO UPDATE SET
			schema_version = EXCLUDED.schema_version,
			name = EXCLUDED.name,
			mode = EXCLUDED.mode,
			skill_ids = EXCLUDED.skill_ids,
			skill_variables = EXCLUDED.skill_variables,
			routing_enabled = EXCLUDED.routing_enabled,
			routing_description = EXCLUDED.routing_description,
			system_prompt = EXCLUDED.system_prompt,
			provider_id = EXCLUDED.provider_id,
			model = EXCLUDED.model,
			model_family = EXCLUDED.model_family,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		c.ID, c.SchemaVersion, c.Name, string(c.Mode), c.SkillIDs, varsJSON,
		c.RoutingEnabled, c.RoutingDescription, c.SystemPrompt, c.ProviderID, c.Model,
		string(c.ModelFamily), string(c.Status), now,
	)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", c.ID, err)
	}
	return nil
}

// GetAgent retrieves an active agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	a, err := scanAgent(s.db.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1 AND status != 'deleted'`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get agent %s: %w", id, agent.ErrAgentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return a, nil
}

// ListAgents returns all non-deleted agents.
func (s *Store) ListAgents(ctx context.Context) ([]*agent.Agent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE status != 'deleted' ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// DeleteAgent soft-deletes an agent by setting status to 'deleted'.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE agents SET status = 'deleted', updated_at = NOW() WHERE id = $1 AND status != 'deleted'`, id)
	if err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete agent %s: %w", id, agent.ErrAgentNotFound)
	}
	return nil
}

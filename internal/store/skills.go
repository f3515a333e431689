package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/ipagent/internal/skill"
)

const skillColumns = `id, name, category, status, template, variables, keywords,
	description, priority, created_at, updated_at`

func scanSkill(row pgx.Row) (*skill.Skill, error) {
	var s skill.Skill
	var status string
	if err := row.Scan(
		&s.ID, &s.Name, &s.Category, &status, &s.Template, &s.Variables, &s.Keywords,
		&s.Description, &s.Priority, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.Status = skill.Status(status)
	return &s, nil
}

// FetchEnabled implements skill.Repository with one bounded query.
func (s *Store) FetchEnabled(ctx context.Context, ids []string) (map[string]*skill.Skill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids = skill.Dedupe(ids)
	out := make(map[string]*skill.Skill, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	qctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	rows, err := s.db.Query(qctx,
		`SELECT `+skillColumns+` FROM skills WHERE id = ANY($1) AND status = 'enabled'`, ids)
	if err != nil {
		return nil, unavailable(ctx, "fetch skills", err)
	}
	defer rows.Close()

	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			return nil, unavailable(ctx, "scan skill", err)
		}
		out[sk.ID] = sk
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(ctx, "fetch skills", err)
	}
	return out, nil
}

// FetchStatuses implements skill.StatusReader.
func (s *Store) FetchStatuses(ctx context.Context, ids []string) (map[string]skill.Status, error) {
	out := make(map[string]skill.Status, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	qctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	rows, err := s.db.Query(qctx, `SELECT id, status FROM skills WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, unavailable(ctx, "fetch skill statuses", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, unavailable(ctx, "scan skill status", err)
		}
		out[id] = skill.Status(status)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(ctx, "fetch skill statuses", err)
	}
	return out, nil
}

// SaveSkill validates and upserts a skill.
func (s *Store) SaveSkill(ctx context.Context, sk *skill.Skill) error {
	if err := sk.Validate(); err != nil {
		return err
	}
	now := time.Now()
	_, err := s.db.Exec(ctx, `
		INSERT INTO skills (`+skillColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			status = EXCLUDED.status,
			template = EXCLUDED.template,
			variables = EXCLUDED.variables,
			keywords = EXCLUDED.keywords,
			description = EXCLUDED.description,
			priority = EXCLUDED.priority,
			updated_at = EXCLUDED.updated_at`,
		sk.ID, sk.Name, sk.Category, string(sk.Status), sk.Template,
		nonNil(sk.Variables), nonNil(sk.Keywords), sk.Description, sk.Priority, now,
	)
	if err != nil {
		return fmt.Errorf("save skill %s: %w", sk.ID, err)
	}
	return nil
}

// GetSkill returns a skill by ID regardless of status.
func (s *Store) GetSkill(ctx context.Context, id string) (*skill.Skill, error) {
	sk, err := scanSkill(s.db.QueryRow(ctx, `SELECT `+skillColumns+` FROM skills WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get skill %s: %w", id, skill.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get skill %s: %w", id, err)
	}
	return sk, nil
}

// ListSkills returns every skill, highest priority first, then by id.
func (s *Store) ListSkills(ctx context.Context) ([]*skill.Skill, error) {
	rows, err := s.db.Query(ctx, `SELECT `+skillColumns+` FROM skills ORDER BY priority DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	defer rows.Close()

	var skills []*skill.Skill
	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			return nil, fmt.Errorf("scan skill: %w", err)
		}
		skills = append(skills, sk)
	}
	return skills, rows.Err()
}

// SetSkillStatus flips a skill between enabled and disabled.
func (s *Store) SetSkillStatus(ctx context.Context, id string, status skill.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", skill.ErrInvalid, status)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE skills SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("set skill status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set skill status %s: %w", id, skill.ErrNotFound)
	}
	return nil
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

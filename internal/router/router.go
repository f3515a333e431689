// Package router narrows an agent's skill set to the skills relevant to the
// current turn.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/nidhogg/ipagent/internal/skill"
	"go.uber.org/zap"
)

// ErrRoutingInput is returned for malformed selector input. Finding no
// matching skill is not an error.
var ErrRoutingInput = errors.New("invalid routing input")

// Config holds selector settings.
type Config struct {
	MinScore      float64 `json:"min_score"`       // scores at or below are no signal
	MaxSkills     int     `json:"max_skills"`      // 0 keeps every match
	MaxInputBytes int     `json:"max_input_bytes"` // longer input or hint is rejected
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinScore:      0,
		MaxSkills:     0,
		MaxInputBytes: 32 * 1024,
	}
}

// Selector picks the skills that apply to a turn.
type Selector struct {
	config  Config
	scorer  Scorer
	lexical LexicalScorer
	logger  *zap.Logger
}

// NewSelector creates a Selector. A nil scorer means LexicalScorer.
func NewSelector(cfg Config, scorer Scorer, logger *zap.Logger) *Selector {
	if cfg.MaxInputBytes <= 0 {
		cfg.MaxInputBytes = DefaultConfig().MaxInputBytes
	}
	if scorer == nil {
		scorer = LexicalScorer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		config: cfg,
		scorer: scorer,
		logger: logger,
	}
}

// Select returns the subset of candidates relevant to userInput, in
// candidate order. Disabled skills are dropped. Skills in the
// always-include tier bypass scoring. When nothing scores, only the
// always-include tier is returned.
func (s *Selector) Select(ctx context.Context, candidates []*skill.Skill, userInput, hint string) ([]*skill.Skill, error) {
	if err := s.validate(candidates, userInput, hint); err != nil {
		return nil, err
	}

	var scorable []*skill.Skill
	for _, c := range candidates {
		if c.Enabled() && !c.AlwaysInclude() {
			scorable = append(scorable, c)
		}
	}

	keep := make(map[string]struct{})
	if len(scorable) > 0 {
		q := Query{Input: userInput, Hint: hint}
		scores, err := s.scorer.Score(ctx, q, scorable)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn("skill scorer failed, using lexical scores", zap.Error(err))
			scores, _ = s.lexical.Score(ctx, q, scorable)
		}
		for _, sk := range s.rank(scorable, scores) {
			keep[sk.ID] = struct{}{}
		}
	}

	out := make([]*skill.Skill, 0, len(candidates))
	for _, c := range candidates {
		if !c.Enabled() {
			continue
		}
		if _, ok := keep[c.ID]; ok || c.AlwaysInclude() {
			out = append(out, c)
		}
	}

	s.logger.Debug("skills routed",
		zap.Int("candidates", len(candidates)),
		zap.Int("matched", len(keep)),
		zap.Int("selected", len(out)))
	return out, nil
}

type scored struct {
	skill *skill.Skill
	score float64
}

// rank returns the matching skills, best first: score desc, priority desc,
// id asc, truncated to MaxSkills.
func (s *Selector) rank(cands []*skill.Skill, scores []float64) []*skill.Skill {
	var matched []scored
	for i, c := range cands {
		if i < len(scores) && scores[i] > s.config.MinScore {
			matched = append(matched, scored{c, scores[i]})
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.skill.Priority != b.skill.Priority {
			return a.skill.Priority > b.skill.Priority
		}
		return a.skill.ID < b.skill.ID
	})
	if s.config.MaxSkills > 0 && len(matched) > s.config.MaxSkills {
		matched = matched[:s.config.MaxSkills]
	}
	out := make([]*skill.Skill, len(matched))
	for i, m := range matched {
		out[i] = m.skill
	}
	return out
}

func (s *Selector) validate(candidates []*skill.Skill, userInput, hint string) error {
	if !utf8.ValidString(userInput) {
		return fmt.Errorf("%w: user input is not valid UTF-8", ErrRoutingInput)
	}
	if !utf8.ValidString(hint) {
		return fmt.Errorf("%w: routing hint is not valid UTF-8", ErrRoutingInput)
	}
	if len(userInput) > s.config.MaxInputBytes {
		return fmt.Errorf("%w: user input exceeds %d bytes", ErrRoutingInput, s.config.MaxInputBytes)
	}
	if len(hint) > s.config.MaxInputBytes {
		return fmt.Errorf("%w: routing hint exceeds %d bytes", ErrRoutingInput, s.config.MaxInputBytes)
	}
	for i, c := range candidates {
		if c == nil {
			return fmt.Errorf("%w: candidate %d is nil", ErrRoutingInput, i)
		}
	}
	return nil
}

// Package compose assembles an agent's skills into one token-budgeted system
// prompt.
package compose

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/ipagent/internal/render"
	"github.com/nidhogg/ipagent/internal/router"
	"github.com/nidhogg/ipagent/internal/skill"
	"github.com/nidhogg/ipagent/internal/tokenizer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Recorder receives composition metrics. *metrics.Collector implements it.
type Recorder interface {
	ObserveComposition(outcome, family string, d time.Duration, tokens int)
	ObserveSkillStatus(status string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveComposition(string, string, time.Duration, int) {}
func (nopRecorder) ObserveSkillStatus(string)                            {}

// Composer turns a Request into a system prompt. It only reads from the
// repository and is safe for concurrent use.
type Composer struct {
	repo      skill.Repository
	selector  *router.Selector
	renderer  *render.Renderer
	estimator *tokenizer.Estimator
	metrics   Recorder
	config    Config
	logger    *zap.Logger
}

// NewComposer creates a Composer. A nil selector routes lexically with
// router.DefaultConfig; a nil recorder records nothing.
func NewComposer(repo skill.Repository, selector *router.Selector, rec Recorder, cfg Config, logger *zap.Logger) *Composer {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Separator == "" {
		cfg.Separator = def.Separator
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if selector == nil {
		selector = router.NewSelector(router.DefaultConfig(), nil, logger)
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Composer{
		repo:      repo,
		selector:  selector,
		renderer:  render.New(),
		estimator: tokenizer.NewEstimator(),
		metrics:   rec,
		config:    cfg,
		logger:    logger,
	}
}

// Renderer returns the renderer the composer uses, so the management
// surface validates templates against the same filter allow-list.
func (c *Composer) Renderer() *render.Renderer { return c.renderer }

// Estimator returns the composer's token estimator.
func (c *Composer) Estimator() *tokenizer.Estimator { return c.estimator }

// Compose builds the prompt for req. A request without skill ids yields an
// empty result without touching the repository. Repository failures wrap
// skill.ErrRepositoryUnavailable and are returned as is; a skill that fails
// to render is left out and reported in Result.Statuses.
func (c *Composer) Compose(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	family := req.ModelFamily
	if family == "" {
		family = tokenizer.FamilyGeneric
	}

	res, err := c.compose(ctx, req, family)

	tokens := 0
	if res != nil {
		tokens = res.Tokens
		for _, s := range res.Statuses {
			c.metrics.ObserveSkillStatus(string(s.Status))
		}
	}
	c.metrics.ObserveComposition(outcome(req, err), string(family), time.Since(start), tokens)
	return res, err
}

func outcome(req Request, err error) string {
	switch {
	case err == nil && len(skill.Dedupe(req.SkillIDs)) == 0:
		return "plain"
	case err == nil:
		return "ok"
	case errors.Is(err, skill.ErrRepositoryUnavailable):
		return "repository_unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, router.ErrRoutingInput):
		return "routing_input"
	}
	return "error"
}

// part is one surviving skill on its way into the prompt.
type part struct {
	slot  int // index into Result.Statuses
	skill *skill.Skill
	text  string
}

func (c *Composer) compose(ctx context.Context, req Request, family tokenizer.Family) (*Result, error) {
	ids := skill.Dedupe(req.SkillIDs)
	res := &Result{
		SkillsUsed: []string{},
		Statuses:   make([]SkillResult, len(ids)),
	}
	if len(ids) == 0 {
		return res, nil
	}
	for i, id := range ids {
		res.Statuses[i].ID = id
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fetched, err := c.repo.FetchEnabled(ctx, ids)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, skill.ErrRepositoryUnavailable) {
			err = fmt.Errorf("%w: %w", skill.ErrRepositoryUnavailable, err)
		}
		c.logger.Error("skill fetch failed",
			zap.String("agent_id", req.AgentID),
			zap.Error(err))
		return nil, fmt.Errorf("compose: fetch skills: %w", err)
	}

	// Candidates in agent-declared order.
	var candidates []*skill.Skill
	slots := make(map[string]int, len(ids))
	var absent []string
	for i, id := range ids {
		s, ok := fetched[id]
		if !ok || !s.Enabled() {
			absent = append(absent, id)
			continue
		}
		candidates = append(candidates, s)
		slots[id] = i
	}
	if len(absent) > 0 {
		c.markAbsent(ctx, res, ids, absent, fetched)
	}

	selected := candidates
	if req.RoutingEnabled && len(candidates) > 0 {
		selected, err = c.selector.Select(ctx, candidates, req.UserInput, req.RoutingHint)
		if err != nil {
			return nil, fmt.Errorf("compose: route skills: %w", err)
		}
		kept := make(map[string]struct{}, len(selected))
		for _, s := range selected {
			kept[s.ID] = struct{}{}
		}
		for _, s := range candidates {
			if _, ok := kept[s.ID]; !ok {
				res.Statuses[slots[s.ID]].Status = StatusSkippedRouted
			}
		}
	}

	parts := c.renderAll(req, selected, slots, res, family)
	parts = c.applyBudget(req, parts, res, family)

	fragments := make([]string, 0, len(parts))
	for _, p := range parts {
		fragments = append(fragments, p.text)
		res.SkillsUsed = append(res.SkillsUsed, p.skill.ID)
	}
	res.Prompt = strings.Join(fragments, c.config.Separator)
	res.Tokens = c.estimator.Estimate(res.Prompt, family)

	c.logger.Debug("prompt composed",
		zap.String("agent_id", req.AgentID),
		zap.Strings("skills_used", res.SkillsUsed),
		zap.Int("tokens", res.Tokens))
	return res, nil
}

// markAbsent sets the status of ids the repository did not return. Without
// a StatusReader every absent id counts as missing.
func (c *Composer) markAbsent(ctx context.Context, res *Result, ids, absent []string, fetched map[string]*skill.Skill) {
	var statuses map[string]skill.Status
	if sr, ok := c.repo.(skill.StatusReader); ok {
		var err error
		statuses, err = sr.FetchStatuses(ctx, absent)
		if err != nil {
			c.logger.Warn("skill status lookup failed", zap.Error(err))
		}
	}
	for i, id := range ids {
		if s, ok := fetched[id]; ok && s.Enabled() {
			continue
		}
		if st, ok := statuses[id]; (ok && st == skill.StatusDisabled) || fetched[id] != nil {
			res.Statuses[i].Status = StatusSkippedDisabled
			continue
		}
		res.Statuses[i].Status = StatusSkippedMissing
	}
	c.logger.Info("skills skipped",
		zap.Strings("ids", absent))
}

// renderAll renders the selected skills concurrently. Rendering is pure, so
// it is not cancelled once started. Output keeps the order of selected.
func (c *Composer) renderAll(req Request, selected []*skill.Skill, slots map[string]int, res *Result, family tokenizer.Family) []part {
	base := c.baseVariables(req)
	outs := make([]render.Output, len(selected))
	errs := make([]error, len(selected))

	var g errgroup.Group
	g.SetLimit(c.config.Parallelism)
	for i, s := range selected {
		i, s := i, s
		g.Go(func() error {
			vars := withOverrides(base, req.Variables[s.ID])
			outs[i], errs[i] = c.renderer.Render(s.Template, vars)
			return nil
		})
	}
	_ = g.Wait()

	parts := make([]part, 0, len(selected))
	for i, s := range selected {
		st := &res.Statuses[slots[s.ID]]
		if errs[i] != nil {
			st.Status = StatusRenderError
			st.Error = errs[i].Error()
			c.logger.Warn("skill render failed",
				zap.String("skill_id", s.ID),
				zap.Error(errs[i]))
			continue
		}
		st.Status = StatusRendered
		if len(outs[i].Missing) > 0 {
			st.Missing = outs[i].Missing
			c.logger.Info("unresolved template variables rendered empty",
				zap.String("skill_id", s.ID),
				zap.Strings("variables", outs[i].Missing))
		}
		text := strings.TrimSpace(outs[i].Text)
		if text == "" {
			continue
		}
		st.Tokens = c.estimator.Estimate(text, family)
		parts = append(parts, part{slot: slots[s.ID], skill: s, text: text})
	}
	return parts
}

// baseVariables merges config defaults, request defaults and built-ins, in
// increasing precedence.
func (c *Composer) baseVariables(req Request) map[string]string {
	vars := make(map[string]string, len(c.config.DefaultVariables)+len(req.Defaults)+1)
	for k, v := range c.config.DefaultVariables {
		vars[k] = v
	}
	for k, v := range req.Defaults {
		vars[k] = v
	}
	vars["user_input"] = req.UserInput
	return vars
}

func withOverrides(base, overrides map[string]string) map[string]string {
	if len(overrides) == 0 {
		return base
	}
	vars := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		vars[k] = v
	}
	for k, v := range overrides {
		vars[k] = v
	}
	return vars
}

// applyBudget drops skills until the joined prompt fits the token budget.
// The lowest-priority skill goes first, the later one on ties. Skills in the
// always-include tier are never dropped.
func (c *Composer) applyBudget(req Request, parts []part, res *Result, family tokenizer.Family) []part {
	budget := req.MaxTokens
	if budget <= 0 {
		budget = c.config.MaxPromptTokens
	}
	if budget <= 0 {
		return parts
	}
	for c.estimate(parts, family) > budget {
		victim := -1
		for i, p := range parts {
			if p.skill.AlwaysInclude() {
				continue
			}
			if victim < 0 || p.skill.Priority <= parts[victim].skill.Priority {
				victim = i
			}
		}
		if victim < 0 {
			c.logger.Warn("prompt exceeds token budget with only always-include skills",
				zap.String("agent_id", req.AgentID),
				zap.Int("budget", budget))
			break
		}
		st := &res.Statuses[parts[victim].slot]
		st.Status = StatusSkippedBudget
		st.Tokens = 0
		c.logger.Info("skill dropped to fit token budget",
			zap.String("skill_id", parts[victim].skill.ID),
			zap.Int("budget", budget))
		parts = append(parts[:victim], parts[victim+1:]...)
	}
	return parts
}

func (c *Composer) estimate(parts []part, family tokenizer.Family) int {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteString(c.config.Separator)
		}
		b.WriteString(p.text)
	}
	return c.estimator.Estimate(b.String(), family)
}

package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/nidhogg/ipagent/internal/embedding"
	"github.com/nidhogg/ipagent/internal/skill"
)

// SemanticScorer scores skills by cosine similarity between embeddings of
// the user input and of each skill's routing text. A hint adds a weighted
// boost to skills the input already matched. Embedding calls are network
// I/O and honour ctx. One vector is cached per skill id and replaced when
// the skill's update time changes.
type SemanticScorer struct {
	embedder  embedding.Provider
	threshold float64

	mu    sync.RWMutex
	cache map[string]cachedVector
}

type cachedVector struct {
	version int64
	vec     []float32
}

// NewSemanticScorer creates a scorer. Similarities below threshold count as
// no signal.
func NewSemanticScorer(embedder embedding.Provider, threshold float64) *SemanticScorer {
	return &SemanticScorer{
		embedder:  embedder,
		threshold: threshold,
		cache:     make(map[string]cachedVector),
	}
}

// Score implements Scorer.
func (s *SemanticScorer) Score(ctx context.Context, q Query, candidates []*skill.Skill) ([]float64, error) {
	input := strings.TrimSpace(q.Input)
	hint := strings.TrimSpace(q.Hint)
	scores := make([]float64, len(candidates))
	if input == "" || len(candidates) == 0 {
		return scores, nil
	}

	texts := []string{input}
	if hint != "" {
		texts = append(texts, hint)
	}
	base := len(texts)
	var pending []int
	vecs := make([][]float32, len(candidates))
	s.mu.RLock()
	for i, c := range candidates {
		if e, ok := s.cache[c.ID]; ok && e.version == version(c) {
			vecs[i] = e.vec
			continue
		}
		pending = append(pending, i)
		texts = append(texts, routingText(c))
	}
	s.mu.RUnlock()

	out, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("semantic routing: %w", err)
	}
	if len(out) != len(texts) {
		return nil, fmt.Errorf("semantic routing: got %d embeddings for %d texts", len(out), len(texts))
	}

	s.mu.Lock()
	for j, i := range pending {
		c := candidates[i]
		vecs[i] = out[base+j]
		s.cache[c.ID] = cachedVector{version: version(c), vec: out[base+j]}
	}
	s.mu.Unlock()

	for i := range candidates {
		sim := cosine(out[0], vecs[i])
		if sim <= 0 || sim < s.threshold {
			continue
		}
		scores[i] = sim
		if hint != "" {
			scores[i] += hintWeight * math.Max(0, cosine(out[1], vecs[i]))
		}
	}
	return scores, nil
}

func version(s *skill.Skill) int64 { return s.UpdatedAt.UnixNano() }

func routingText(s *skill.Skill) string {
	parts := []string{s.Name}
	if s.Description != "" {
		parts = append(parts, s.Description)
	}
	if len(s.Keywords) > 0 {
		parts = append(parts, strings.Join(s.Keywords, ", "))
	}
	return strings.Join(parts, "\n")
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// CombinedScorer takes the highest score any of its scorers gives a skill.
// A failing scorer is ignored as long as one succeeds.
type CombinedScorer []Scorer

// Score implements Scorer.
func (cs CombinedScorer) Score(ctx context.Context, q Query, candidates []*skill.Skill) ([]float64, error) {
	best := make([]float64, len(candidates))
	var errs []error
	ok := 0
	for _, sc := range cs {
		scores, err := sc.Score(ctx, q, candidates)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		ok++
		for i, v := range scores {
			if v > best[i] {
				best[i] = v
			}
		}
	}
	if ok == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return best, nil
}

package router

import (
	"context"
	"strings"
	"unicode"

	"github.com/nidhogg/ipagent/internal/skill"
)

// Query is the per-turn text a scorer matches skills against.
type Query struct {
	Input string
	Hint  string
}

// Scorer rates how relevant each candidate is to a query. It returns one
// score per candidate, in candidate order; 0 means no signal.
type Scorer interface {
	Score(ctx context.Context, q Query, candidates []*skill.Skill) ([]float64, error)
}

// hintWeight scales the routing hint's boost. The hint only re-ranks skills
// the user input already matched; on its own it selects nothing.
const hintWeight = 0.25

// LexicalScorer scores by word overlap between the query and a skill's
// keywords, name, category and description. CJK runs are split into
// bigrams since they carry no spaces.
type LexicalScorer struct{}

// Score implements Scorer. It performs no I/O.
func (LexicalScorer) Score(_ context.Context, q Query, candidates []*skill.Skill) ([]float64, error) {
	input := tokenize(q.Input)
	hint := tokenize(q.Hint)
	inputText := strings.ToLower(q.Input)
	hintText := strings.ToLower(q.Hint)

	scores := make([]float64, len(candidates))
	for i, s := range candidates {
		target := newTarget(s)
		score := target.score(input, inputText)
		if score > 0 && len(hint) > 0 {
			score += hintWeight * target.score(hint, hintText)
		}
		scores[i] = score
	}
	return scores, nil
}

// target is the lowercase routing text of one skill.
type target struct {
	text     string
	words    map[string]struct{}
	keywords []string
}

func newTarget(s *skill.Skill) target {
	t := target{
		text:  strings.ToLower(strings.Join(append([]string{s.Name, s.Category, s.Description}, s.Keywords...), " ")),
		words: make(map[string]struct{}),
	}
	for _, w := range tokenize(t.text) {
		t.words[w] = struct{}{}
	}
	for _, kw := range s.Keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			t.keywords = append(t.keywords, kw)
		}
	}
	return t
}

// score blends term coverage with keyword phrase hits in text.
func (t target) score(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	var matched float64
	for _, term := range terms {
		if _, ok := t.words[term]; ok {
			matched++
		} else if len(term) >= 3 && strings.Contains(t.text, term) {
			matched += 0.7 // partial substring match
		}
	}
	coverage := matched / float64(len(terms))

	phrase := 0.0
	if len(t.keywords) > 0 {
		hits := 0
		for _, kw := range t.keywords {
			if strings.Contains(text, kw) {
				hits++
			}
		}
		phrase = float64(hits) / float64(len(t.keywords))
	}
	return 0.6*coverage + 0.4*phrase
}

// tokenize splits text into lowercase terms. Latin words shorter than two
// characters and stopwords are dropped; CJK runs become bigrams.
func tokenize(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(w string) {
		if _, ok := seen[w]; ok {
			return
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}

	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-')
	})
	for _, f := range fields {
		for _, seg := range splitScript(f) {
			if seg.cjk {
				for _, bg := range bigrams(seg.text) {
					add(bg)
				}
				continue
			}
			if len(seg.text) < 2 || stopwords[seg.text] {
				continue
			}
			add(seg.text)
		}
	}
	return out
}

type segment struct {
	text string
	cjk  bool
}

// splitScript cuts a field into alternating CJK and non-CJK runs.
func splitScript(s string) []segment {
	var segs []segment
	var b strings.Builder
	cur := false
	for i, r := range s {
		c := unicode.Is(unicode.Han, r)
		if i > 0 && c != cur && b.Len() > 0 {
			segs = append(segs, segment{b.String(), cur})
			b.Reset()
		}
		cur = c
		b.WriteRune(r)
	}
	if b.Len() > 0 {
		segs = append(segs, segment{b.String(), cur})
	}
	return segs
}

func bigrams(s string) []string {
	rs := []rune(s)
	if len(rs) == 1 {
		return []string{s}
	}
	out := make([]string, 0, len(rs)-1)
	for i := 0; i+1 < len(rs); i++ {
		out = append(out, string(rs[i:i+2]))
	}
	return out
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true,
	"but": true, "not": true, "you": true, "all": true,
	"can": true, "had": true, "her": true, "was": true,
	"one": true, "our": true, "out": true, "has": true,
	"have": true, "been": true, "this": true, "that": true,
	"with": true, "from": true, "they": true, "will": true,
	"what": true, "when": true, "make": true, "like": true,
	"just": true, "into": true, "than": true, "them": true,
	"some": true, "could": true, "would": true, "there": true,
	"me": true, "my": true, "to": true, "of": true, "in": true,
	"is": true, "it": true, "an": true, "on": true, "please": true,
}

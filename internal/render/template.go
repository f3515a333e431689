// Package render implements the sandboxed skill template language.
//
// A template is literal text with {{ name }} or {{ name | filter | ... }}
// substitutions and {# comments #}. Names are plain identifiers: no
// attribute access, indexing, calls or block tags. Every substituted value
// is HTML-escaped exactly once on output.
package render

import (
	"errors"
	"fmt"
	"html"
	"strings"
)

// ErrRender is wrapped by every template syntax or filter error.
var ErrRender = errors.New("render error")

// Error describes a problem at a byte offset of a template.
type Error struct {
	Pos int
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("template: pos %d: %s", e.Pos, e.Msg)
}

func (e *Error) Unwrap() error { return ErrRender }

type node struct {
	text    string // literal when name == ""
	name    string
	filters []Filter
}

// Template is a parsed skill template. It is immutable and safe for
// concurrent use.
type Template struct {
	nodes []node
}

// Variables returns the referenced variable names in order of first use.
func (t *Template) Variables() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, n := range t.nodes {
		if n.name == "" {
			continue
		}
		if _, ok := seen[n.name]; ok {
			continue
		}
		seen[n.name] = struct{}{}
		out = append(out, n.name)
	}
	return out
}

// Output is a rendered template plus the variables it referenced that had
// no binding.
type Output struct {
	Text    string
	Missing []string
}

// Execute substitutes vars into the template. Unbound variables render as
// the empty string and are reported in Output.Missing.
func (t *Template) Execute(vars map[string]string) Output {
	var (
		b       strings.Builder
		missing []string
		seen    map[string]struct{}
	)
	for _, n := range t.nodes {
		if n.name == "" {
			b.WriteString(n.text)
			continue
		}
		s, ok := vars[n.name]
		if !ok {
			if seen == nil {
				seen = make(map[string]struct{})
			}
			if _, dup := seen[n.name]; !dup {
				seen[n.name] = struct{}{}
				missing = append(missing, n.name)
			}
		}
		v := value{s: s}
		for _, f := range n.filters {
			v = apply(f, v)
		}
		if !v.escaped {
			v.s = html.EscapeString(v.s)
		}
		b.WriteString(v.s)
	}
	return Output{Text: b.String(), Missing: missing}
}

// Parse parses src allowing every filter in AllFilters.
func Parse(src string) (*Template, error) {
	return parse(src, AllFilters)
}

func parse(src string, allowed FilterSet) (*Template, error) {
	t := &Template{}
	pos := 0
	for pos < len(src) {
		i := indexOpen(src, pos)
		if i < 0 {
			t.nodes = append(t.nodes, node{text: src[pos:]})
			break
		}
		if i > pos {
			t.nodes = append(t.nodes, node{text: src[pos:i]})
		}

		switch src[i+1] {
		case '%':
			return nil, &Error{Pos: i, Msg: "block tags are not permitted"}
		case '#':
			end := strings.Index(src[i+2:], "#}")
			if end < 0 {
				return nil, &Error{Pos: i, Msg: "unclosed comment"}
			}
			pos = i + 2 + end + 2
		case '{':
			body := src[i+2:]
			end := strings.Index(body, "}}")
			if end < 0 {
				return nil, &Error{Pos: i, Msg: "unclosed expression"}
			}
			if nested := strings.Index(body[:end], "{{"); nested >= 0 {
				return nil, &Error{Pos: i + 2 + nested, Msg: "nested expression"}
			}
			n, err := parseExpr(body[:end], i, allowed)
			if err != nil {
				return nil, err
			}
			t.nodes = append(t.nodes, n)
			pos = i + 2 + end + 2
		}
	}
	return t, nil
}

// indexOpen finds the next "{{", "{#" or "{%" at or after from.
func indexOpen(src string, from int) int {
	for i := from; i < len(src)-1; i++ {
		if src[i] != '{' {
			continue
		}
		switch src[i+1] {
		case '{', '#', '%':
			return i
		}
	}
	return -1
}

func parseExpr(expr string, pos int, allowed FilterSet) (node, error) {
	parts := strings.Split(expr, "|")
	name := strings.TrimSpace(parts[0])
	if name == "" {
		return node{}, &Error{Pos: pos, Msg: "empty expression"}
	}
	if strings.ContainsAny(name, ".[(") {
		return node{}, &Error{Pos: pos, Msg: fmt.Sprintf("attribute access is not permitted in %q", name)}
	}
	if !isIdent(name) {
		return node{}, &Error{Pos: pos, Msg: fmt.Sprintf("invalid variable name %q", name)}
	}

	n := node{name: name}
	for _, p := range parts[1:] {
		fname := strings.TrimSpace(p)
		if unsafeFilter(fname) {
			return node{}, &Error{Pos: pos, Msg: fmt.Sprintf("filter %q is not permitted: it disables escaping", fname)}
		}
		if !isIdent(fname) {
			return node{}, &Error{Pos: pos, Msg: fmt.Sprintf("invalid filter %q", fname)}
		}
		f, ok := lookupFilter(fname)
		if !ok || !allowed.Has(f) {
			return node{}, &Error{Pos: pos, Msg: fmt.Sprintf("filter %q is not in the allow-list", fname)}
		}
		n.filters = append(n.filters, f)
	}
	return n, nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

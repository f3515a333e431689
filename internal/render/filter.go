package render

import (
	"html"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Filter is a text transformation a template may apply to a variable.
// The set of filters is closed: the constants below are the only values
// the renderer knows how to apply, and none of them can emit unescaped
// content.
type Filter uint8

const (
	FilterLower Filter = iota
	FilterUpper
	FilterTitle
	FilterCapitalize
	FilterTrim
	FilterStripTags
	FilterEscape

	filterCount
)

func (f Filter) String() string {
	switch f {
	case FilterLower:
		return "lower"
	case FilterUpper:
		return "upper"
	case FilterTitle:
		return "title"
	case FilterCapitalize:
		return "capitalize"
	case FilterTrim:
		return "trim"
	case FilterStripTags:
		return "striptags"
	case FilterEscape:
		return "escape"
	}
	return "unknown"
}

// FilterSet is an immutable set of filters.
type FilterSet uint16

// AllFilters is the full allow-list.
const AllFilters FilterSet = 1<<filterCount - 1

// NewFilterSet returns the set holding fs.
func NewFilterSet(fs ...Filter) FilterSet {
	var s FilterSet
	for _, f := range fs {
		if f < filterCount {
			s |= 1 << f
		}
	}
	return s
}

// Has reports whether f is in the set.
func (s FilterSet) Has(f Filter) bool {
	return f < filterCount && s&(1<<f) != 0
}

// Filters lists the members in declaration order.
func (s FilterSet) Filters() []Filter {
	var out []Filter
	for f := Filter(0); f < filterCount; f++ {
		if s.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

// lookupFilter resolves a filter name used in a template.
func lookupFilter(name string) (Filter, bool) {
	switch name {
	case "lower":
		return FilterLower, true
	case "upper":
		return FilterUpper, true
	case "title":
		return FilterTitle, true
	case "capitalize":
		return FilterCapitalize, true
	case "trim":
		return FilterTrim, true
	case "striptags":
		return FilterStripTags, true
	case "escape", "e":
		return FilterEscape, true
	}
	return 0, false
}

// unsafeFilter reports names of well-known filters that pass content through
// unescaped. They get a dedicated error message.
func unsafeFilter(name string) bool {
	switch name {
	case "safe", "raw", "unescape", "mark_safe", "html_safe", "noescape", "autoescape", "attr", "format", "xmlattr":
		return true
	}
	return false
}

// value carries a string through the filter chain and remembers whether it
// has already been HTML-escaped.
type value struct {
	s       string
	escaped bool
}

var (
	tagRe   = regexp.MustCompile(`(?s)<[^>]*>`)
	titleCs = cases.Title(language.Und)
)

func apply(f Filter, v value) value {
	if f == FilterEscape {
		if !v.escaped {
			v = value{s: html.EscapeString(v.s), escaped: true}
		}
		return v
	}

	raw := v.s
	if v.escaped {
		raw = html.UnescapeString(raw)
	}
	out := transform(f, raw)
	if v.escaped {
		return value{s: html.EscapeString(out), escaped: true}
	}
	return value{s: out}
}

func transform(f Filter, s string) string {
	switch f {
	case FilterLower:
		return strings.ToLower(s)
	case FilterUpper:
		return strings.ToUpper(s)
	case FilterTitle:
		return titleCs.String(s)
	case FilterCapitalize:
		return capitalize(s)
	case FilterTrim:
		return strings.TrimSpace(s)
	case FilterStripTags:
		stripped := tagRe.ReplaceAllString(s, " ")
		return html.UnescapeString(strings.Join(strings.Fields(stripped), " "))
	}
	return s
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 {
		return s
	}
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}

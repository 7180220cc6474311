// Package mapper resolves free-text operator names to canonical application names.
//
// Resolution works on an immutable Snapshot of the active reference rows. A Mapper keeps
// the current snapshot and swaps in a new one on a timer or when invalidated, so lookups
// never wait on the reference table.
package mapper

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/ArionMiles/receiptd/pkg/api"
)

// Normalize upper-cases s, replaces every rune other than letters, digits, underscore,
// whitespace, '<' and '>' with a space, and collapses whitespace.
func Normalize(s string) string {
	s = cases.Upper(language.Und).String(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsSpace(r), r == '_', r == '<', r == '>':
			return r
		default:
			return ' '
		}
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// Resolution is a successful operator lookup.
type Resolution struct {
	ApplicationName string
	IsP2P           bool
	// Pattern is the normalized pattern that matched.
	Pattern string
	// Exact is true when the whole operator string equals the pattern.
	Exact bool
}

type rule struct {
	pattern string
	mapping api.OperatorMapping
}

// Snapshot is an immutable, pre-sorted view of the active mapping rows.
type Snapshot struct {
	rules    []rule
	exact    map[string]int
	loadedAt time.Time
}

// NewSnapshot builds a snapshot from reference rows. Inactive rows and rows whose pattern
// normalizes to nothing are dropped.
//
// Rules are ordered by priority (highest first), then pattern length (longest first), then
// pattern, application name and id lexically, which makes every lookup deterministic.
func NewSnapshot(mappings []api.OperatorMapping, loadedAt time.Time) *Snapshot {
	rules := make([]rule, 0, len(mappings))
	for _, m := range mappings {
		if !m.IsActive {
			continue
		}
		p := Normalize(m.Pattern)
		if p == "" {
			continue
		}
		rules = append(rules, rule{pattern: p, mapping: m})
	}

	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.mapping.Priority != b.mapping.Priority {
			return a.mapping.Priority > b.mapping.Priority
		}
		if len(a.pattern) != len(b.pattern) {
			return len(a.pattern) > len(b.pattern)
		}
		if a.pattern != b.pattern {
			return a.pattern < b.pattern
		}
		if a.mapping.ApplicationName != b.mapping.ApplicationName {
			return a.mapping.ApplicationName < b.mapping.ApplicationName
		}
		return a.mapping.ID < b.mapping.ID
	})

	exact := make(map[string]int, len(rules))
	for i, r := range rules {
		if _, ok := exact[r.pattern]; !ok {
			exact[r.pattern] = i
		}
	}

	return &Snapshot{rules: rules, exact: exact, loadedAt: loadedAt}
}

// Resolve maps operatorRaw to an application. An exact pattern match wins over any
// substring match; among substring matches the first rule in snapshot order wins.
// ok is false when the operator is unmapped. A nil snapshot maps nothing.
func (s *Snapshot) Resolve(operatorRaw string) (Resolution, bool) {
	if s == nil {
		return Resolution{}, false
	}
	key := Normalize(operatorRaw)
	if key == "" {
		return Resolution{}, false
	}

	if i, ok := s.exact[key]; ok {
		return s.rules[i].resolution(true), true
	}
	for _, r := range s.rules {
		if strings.Contains(key, r.pattern) {
			return r.resolution(false), true
		}
	}
	return Resolution{}, false
}

func (r rule) resolution(exact bool) Resolution {
	return Resolution{
		ApplicationName: r.mapping.ApplicationName,
		IsP2P:           r.mapping.IsP2P,
		Pattern:         r.pattern,
		Exact:           exact,
	}
}

// Len returns the number of active rules.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// LoadedAt returns when the rows were read.
func (s *Snapshot) LoadedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.loadedAt
}

// Rules returns the active rows in resolution order, with normalized patterns.
func (s *Snapshot) Rules() []api.OperatorMapping {
	if s == nil {
		return nil
	}
	out := make([]api.OperatorMapping, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.mapping
		out[i].Pattern = r.pattern
	}
	return out
}

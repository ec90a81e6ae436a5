package index

import (
	"fmt"

	"github.com/grafana/regexp"
)

// MatchOp is one of PromQL's four label-matcher operators.
type MatchOp int

const (
	MatchEqual MatchOp = iota
	MatchNotEqual
	MatchRegex
	MatchNotRegex
)

func (op MatchOp) String() string {
	switch op {
	case MatchEqual:
		return "="
	case MatchNotEqual:
		return "!="
	case MatchRegex:
		return "=~"
	case MatchNotRegex:
		return "!~"
	default:
		return "?"
	}
}

// Matcher is a predicate over one label's value. Regex matchers are
// anchored (^...$) by policy and compiled once, using grafana/regexp --
// the RE2-compatible, drop-in faster regexp package the wider
// Prometheus/Mimir corpus uses for this exact purpose.
type Matcher struct {
	Name  string
	Op    MatchOp
	Value string

	re *regexp.Regexp
}

// NewMatcher builds and, for regex operators, compiles a Matcher.
func NewMatcher(op MatchOp, name, value string) (*Matcher, error) {
	m := &Matcher{Name: name, Op: op, Value: value}
	if op == MatchRegex || op == MatchNotRegex {
		re, err := regexp.Compile("^(?:" + value + ")$")
		if err != nil {
			return nil, fmt.Errorf("index: invalid regex %q: %w", value, err)
		}
		m.re = re
	}
	return m, nil
}

// Matches reports whether v satisfies the matcher. The empty-value form
// (name absent on a series) is handled by callers passing v="" per the
// PostingList's implicit (name, "") convention.
func (m *Matcher) Matches(v string) bool {
	switch m.Op {
	case MatchEqual:
		return v == m.Value
	case MatchNotEqual:
		return v != m.Value
	case MatchRegex:
		return m.re.MatchString(v)
	case MatchNotRegex:
		return !m.re.MatchString(v)
	default:
		return false
	}
}

// isPositiveEquality reports whether m can seed a posting-list
// intersection directly: an exact match against a non-empty value.
func (m *Matcher) isPositiveEquality() bool {
	return m.Op == MatchEqual && m.Value != ""
}

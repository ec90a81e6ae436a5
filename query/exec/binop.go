package exec

import (
	"math"
	"sort"
	"strings"

	"github.com/prometheus/prometheus/model/labels"

	"github.com/vmcore/vmcore/query/parser"
	"github.com/vmcore/vmcore/vmerrors"
)

// evalBinary evaluates a binary expression, dispatching to
// scalar-scalar, scalar-vector, or vector-vector combination depending
// on each side's shape (binary operators, PromQL typing rules).
func (e *Evaluator) evalBinary(n *parser.Node, ts int64) (Vector, error) {
	lhs, err := e.evalVector(n.LHS, ts)
	if err != nil {
		return nil, err
	}
	rhs, err := e.evalVector(n.RHS, ts)
	if err != nil {
		return nil, err
	}

	if isSetOp(n.BinOp) {
		return e.evalSetOp(n, lhs, rhs), nil
	}

	lScalar, lIsScalar := asScalar(lhs)
	rScalar, rIsScalar := asScalar(rhs)

	switch {
	case lIsScalar && rIsScalar:
		v, keep := applyOp(n.BinOp, lScalar, rScalar, n.BoolMod)
		if !keep {
			return Vector{}, nil
		}
		return Vector{{Metric: labels.Labels{}, T: ts, V: v}}, nil
	case lIsScalar && !rIsScalar:
		return e.applyScalarVector(n, lScalar, rhs, ts, true), nil
	case !lIsScalar && rIsScalar:
		return e.applyScalarVector(n, rScalar, lhs, ts, false), nil
	default:
		return e.combineVectors(n, lhs, rhs, ts)
	}
}

// JoinedPair is one matched (left, right) sample pair from Join,
// carrying both values rather than collapsing them through a binary
// operator -- VM.JOIN hands the host both sides and lets it decide
// what to do with them.
type JoinedPair struct {
	Metric labels.Labels
	Left   float64
	Right  float64
}

// Join performs the same on()/ignoring()/group_left/group_right vector
// matching evalBinary's combineVectors uses for a binary expression,
// but standalone and without collapsing the pair through an operator:
// it is VM.JOIN's building block, letting the engine facade expose a
// join without synthesizing a full PromQL binary expression.
func Join(matching *parser.VectorMatching, lhs, rhs Vector) ([]JoinedPair, error) {
	card := ""
	var include []string
	if matching != nil {
		card = matching.Card
		include = matching.Include
	}

	var oneVec, manyVec Vector
	oneIsLHS := false
	switch card {
	case "group_left":
		oneVec, manyVec = rhs, lhs
	case "group_right":
		oneVec, manyVec = lhs, rhs
		oneIsLHS = true
	default:
		oneVec, manyVec = rhs, lhs
	}

	oneMap := make(map[string]Sample, len(oneVec))
	for _, s := range oneVec {
		sig := matchSig(s.Metric, matching)
		if _, exists := oneMap[sig]; exists {
			return nil, &vmerrors.VectorMatchingError{Op: "join", Reason: "many-to-many matching not allowed: matches multiple series on the \"one\" side; use group_left/group_right or refine on()/ignoring()"}
		}
		oneMap[sig] = s
	}

	seenMany := map[string]bool{}
	var out []JoinedPair
	for _, s := range manyVec {
		sig := matchSig(s.Metric, matching)
		one, ok := oneMap[sig]
		if !ok {
			continue
		}
		if card == "" {
			if seenMany[sig] {
				return nil, &vmerrors.VectorMatchingError{Op: "join", Reason: "many-to-many matching not allowed: matches multiple series on both sides; use group_left/group_right"}
			}
			seenMany[sig] = true
		}

		var l, r float64
		if oneIsLHS {
			l, r = one.V, s.V
		} else {
			l, r = s.V, one.V
		}
		metric := buildOutputMetric(s.Metric, matching, one.Metric, include)
		out = append(out, JoinedPair{Metric: metric, Left: l, Right: r})
	}
	return out, nil
}

func isSetOp(op string) bool { return op == "and" || op == "or" || op == "unless" }

func asScalar(v Vector) (float64, bool) {
	if len(v) == 1 && len(v[0].Metric) == 0 {
		return v[0].V, true
	}
	return 0, false
}

// applyScalarVector applies op between a scalar and every sample of
// vec. scalarOnLeft records operand order for non-commutative ops.
func (e *Evaluator) applyScalarVector(n *parser.Node, scalar float64, vec Vector, ts int64, scalarOnLeft bool) Vector {
	out := make(Vector, 0, len(vec))
	for _, s := range vec {
		l, r := s.V, scalar
		if scalarOnLeft {
			l, r = scalar, s.V
		}
		v, keep := applyOp(n.BinOp, l, r, n.BoolMod)
		if !keep {
			continue
		}
		metric := s.Metric
		if !isComparison(n.BinOp) || n.BoolMod {
			metric = dropMetricName(metric)
		}
		out = append(out, Sample{Metric: metric, T: ts, V: v})
	}
	return out
}

// evalSetOp implements and/or/unless, which filter rather than combine
// values.
func (e *Evaluator) evalSetOp(n *parser.Node, lhs, rhs Vector) Vector {
	rhsSigs := map[string]bool{}
	for _, s := range rhs {
		rhsSigs[matchSig(s.Metric, n.Matching)] = true
	}
	switch n.BinOp {
	case "and":
		out := Vector{}
		for _, s := range lhs {
			if rhsSigs[matchSig(s.Metric, n.Matching)] {
				out = append(out, s)
			}
		}
		return out
	case "unless":
		out := Vector{}
		for _, s := range lhs {
			if !rhsSigs[matchSig(s.Metric, n.Matching)] {
				out = append(out, s)
			}
		}
		return out
	default: // "or"
		lhsSigs := map[string]bool{}
		out := append(Vector{}, lhs...)
		for _, s := range lhs {
			lhsSigs[matchSig(s.Metric, n.Matching)] = true
		}
		for _, s := range rhs {
			if !lhsSigs[matchSig(s.Metric, n.Matching)] {
				out = append(out, s)
			}
		}
		return out
	}
}

// combineVectors implements arithmetic/comparison between two
// non-scalar vectors using PromQL's on/ignoring vector matching and
// group_left/group_right cardinality rules.
func (e *Evaluator) combineVectors(n *parser.Node, lhs, rhs Vector, ts int64) (Vector, error) {
	card := ""
	var include []string
	if n.Matching != nil {
		card = n.Matching.Card
		include = n.Matching.Include
	}

	var oneVec, manyVec Vector
	oneIsLHS := false
	switch card {
	case "group_left":
		oneVec, manyVec = rhs, lhs
	case "group_right":
		oneVec, manyVec = lhs, rhs
		oneIsLHS = true
	default:
		oneVec, manyVec = rhs, lhs
	}

	oneMap := make(map[string]Sample, len(oneVec))
	for _, s := range oneVec {
		sig := matchSig(s.Metric, n.Matching)
		if _, exists := oneMap[sig]; exists {
			return nil, &vmerrors.VectorMatchingError{Op: n.BinOp, Reason: "many-to-many matching not allowed: matches multiple series on the \"one\" side; use group_left/group_right or refine on()/ignoring()"}
		}
		oneMap[sig] = s
	}

	seenMany := map[string]bool{}
	out := Vector{}
	for _, s := range manyVec {
		sig := matchSig(s.Metric, n.Matching)
		one, ok := oneMap[sig]
		if !ok {
			continue
		}
		if card == "" {
			if seenMany[sig] {
				return nil, &vmerrors.VectorMatchingError{Op: n.BinOp, Reason: "many-to-many matching not allowed: matches multiple series on both sides; use group_left/group_right"}
			}
			seenMany[sig] = true
		}

		var l, r float64
		if oneIsLHS {
			l, r = one.V, s.V
		} else {
			l, r = s.V, one.V
		}
		v, keep := applyOp(n.BinOp, l, r, n.BoolMod)
		if !keep {
			continue
		}

		metric := buildOutputMetric(s.Metric, n.Matching, one.Metric, include)
		out = append(out, Sample{Metric: metric, T: ts, V: v})
	}
	return out, nil
}

// matchSig computes the vector-matching key for a label set under an
// on(...)/ignoring(...) clause (nil means "match on all labels except
// __name__", PromQL's default).
func matchSig(l labels.Labels, matching *parser.VectorMatching) string {
	var parts []string
	if matching == nil {
		for _, lb := range l {
			if lb.Name != labels.MetricName {
				parts = append(parts, lb.Name+"\xff"+lb.Value)
			}
		}
	} else if matching.On {
		for _, n := range matching.MatchLabels {
			parts = append(parts, n+"\xff"+l.Get(n))
		}
	} else {
		excl := map[string]bool{labels.MetricName: true}
		for _, n := range matching.MatchLabels {
			excl[n] = true
		}
		for _, lb := range l {
			if !excl[lb.Name] {
				parts = append(parts, lb.Name+"\xff"+lb.Value)
			}
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, "\x00")
}

// buildOutputMetric derives a binary op's result label set: the
// many-side's labels (minus __name__), trimmed to the on() set when
// present, plus any group_left/right include() labels copied from the
// one side.
func buildOutputMetric(many labels.Labels, matching *parser.VectorMatching, one labels.Labels, include []string) labels.Labels {
	var base labels.Labels
	if matching != nil && matching.On {
		set := map[string]bool{}
		for _, n := range matching.MatchLabels {
			set[n] = true
		}
		for _, lb := range many {
			if set[lb.Name] {
				base = append(base, lb)
			}
		}
	} else {
		excl := map[string]bool{labels.MetricName: true}
		if matching != nil {
			for _, n := range matching.MatchLabels {
				excl[n] = true
			}
		}
		for _, lb := range many {
			if !excl[lb.Name] {
				base = append(base, lb)
			}
		}
	}
	for _, name := range include {
		if v := one.Get(name); v != "" {
			base = append(base, labels.Label{Name: name, Value: v})
		}
	}
	sort.Sort(base)
	return base
}

func dropMetricName(l labels.Labels) labels.Labels {
	out := make(labels.Labels, 0, len(l))
	for _, lb := range l {
		if lb.Name != labels.MetricName {
			out = append(out, lb)
		}
	}
	return out
}

func isComparison(op string) bool {
	switch op {
	case "==", "!=", "<", "<=", ">", ">=":
		return true
	default:
		return false
	}
}

// applyOp evaluates a binary operator for a single pair of scalar
// operands. For comparison operators without the bool modifier, keep
// reports whether the pair survives as a filter (v is meaningless in
// that case; the caller keeps the left operand's original value).
func applyOp(op string, l, r float64, boolMod bool) (v float64, keep bool) {
	if isComparison(op) {
		result := compare(op, l, r)
		if boolMod {
			if result {
				return 1, true
			}
			return 0, true
		}
		if result {
			return l, true
		}
		return 0, false
	}
	switch op {
	case "+":
		return l + r, true
	case "-":
		return l - r, true
	case "*":
		return l * r, true
	case "/":
		return l / r, true
	case "%":
		return math.Mod(l, r), true
	case "^":
		return math.Pow(l, r), true
	default:
		return 0, false
	}
}

func compare(op string, l, r float64) bool {
	switch op {
	case "==":
		return l == r
	case "!=":
		return l != r
	case "<":
		return l < r
	case "<=":
		return l <= r
	case ">":
		return l > r
	case ">=":
		return l >= r
	default:
		return false
	}
}

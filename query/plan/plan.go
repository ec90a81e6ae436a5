// Package plan turns a parsed AST into a Plan ready for execution.
// It folds constants, extracts the
// selectors that must be resolved against the index before
// evaluation, computes the fetch window a range query needs from
// storage, and derives the cache fingerprint the rollup cache keys on.
package plan

import (
	"math"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/vmcore/vmcore/index"
	"github.com/vmcore/vmcore/query/parser"
)

// Plan is the planner's output: the (possibly rewritten) AST plus the
// derived metadata the executor and rollup cache need.
type Plan struct {
	AST *parser.AST

	// Selectors lists every KindSelector node id in the AST, in the
	// order the executor should resolve and fetch them. index.Index's
	// Resolve is called once per entry and memoized by the executor.
	Selectors []parser.NodeID

	// FetchStart/FetchEnd is the widened [start, end] window storage
	// must be scanned over to satisfy every rollup/offset/subquery in
	// the AST (fetch-window computation).
	FetchStart, FetchEnd int64

	// MaxLookback is the largest reach found anywhere in the AST: a
	// selector's range (or the lookback delta for an instant selector)
	// plus its offset, widened through enclosing subqueries. FetchStart
	// is Start minus this value.
	MaxLookback time.Duration
}

// Options parameterizes planning with query-level values the AST alone
// doesn't carry.
type Options struct {
	Start, End    int64 // unix ms; End == Start for an instant query
	Step          time.Duration
	LookbackDelta time.Duration
	Round         bool // whether timestamps are rounded to Step boundaries
}

// Build folds constants, validates the AST is eligible for
// evaluation, and computes the Plan's derived fields.
func Build(ast *parser.AST, opts Options) (*Plan, error) {
	foldConstants(ast, ast.Root)

	p := &Plan{AST: ast}
	maxOffsetPlusRange := computeWindow(ast, ast.Root, opts.LookbackDelta, 0)
	p.MaxLookback = maxOffsetPlusRange

	p.FetchStart = opts.Start - maxOffsetPlusRange.Nanoseconds()/int64(time.Millisecond)
	p.FetchEnd = opts.End

	collectSelectors(ast, ast.Root, &p.Selectors)
	return p, nil
}

// computeWindow walks the AST computing the largest (range + offset)
// reach required by any node, accounting for subqueries nesting a
// further range+step beneath their own range.
func computeWindow(ast *parser.AST, id parser.NodeID, lookbackDelta time.Duration, extra time.Duration) time.Duration {
	if id < 0 {
		return 0
	}
	n := ast.Get(id)
	var reach time.Duration
	switch n.Kind {
	case parser.KindSelector:
		rng := n.Range
		if rng == 0 {
			rng = lookbackDelta
		}
		reach = rng + n.Offset + extra
	case parser.KindSubquery:
		innerLookback := n.SubStep
		if innerLookback == 0 {
			innerLookback = lookbackDelta
		}
		innerReach := computeWindow(ast, n.Inner, innerLookback, 0)
		reach = innerReach + n.SubRange + n.Offset + extra
	case parser.KindBinaryExpr:
		l := computeWindow(ast, n.LHS, lookbackDelta, extra)
		r := computeWindow(ast, n.RHS, lookbackDelta, extra)
		reach = maxDur(l, r)
	case parser.KindAggregateExpr:
		for _, a := range n.Args {
			reach = maxDur(reach, computeWindow(ast, a, lookbackDelta, extra))
		}
		if n.AggParam >= 0 {
			reach = maxDur(reach, computeWindow(ast, n.AggParam, lookbackDelta, extra))
		}
	case parser.KindFunctionCall:
		for _, a := range n.Args {
			reach = maxDur(reach, computeWindow(ast, a, lookbackDelta, extra))
		}
	case parser.KindParenExpr, parser.KindUnaryExpr:
		reach = computeWindow(ast, n.Child, lookbackDelta, extra)
	default:
		reach = 0
	}
	return reach
}

func maxDur(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// collectSelectors appends every KindSelector node id reachable from
// id, in left-to-right evaluation order.
func collectSelectors(ast *parser.AST, id parser.NodeID, out *[]parser.NodeID) {
	if id < 0 {
		return
	}
	n := ast.Get(id)
	switch n.Kind {
	case parser.KindSelector:
		*out = append(*out, id)
	case parser.KindSubquery:
		collectSelectors(ast, n.Inner, out)
	case parser.KindBinaryExpr:
		collectSelectors(ast, n.LHS, out)
		collectSelectors(ast, n.RHS, out)
	case parser.KindAggregateExpr:
		if n.AggParam >= 0 {
			collectSelectors(ast, n.AggParam, out)
		}
		for _, a := range n.Args {
			collectSelectors(ast, a, out)
		}
	case parser.KindFunctionCall:
		for _, a := range n.Args {
			collectSelectors(ast, a, out)
		}
	case parser.KindParenExpr, parser.KindUnaryExpr:
		collectSelectors(ast, n.Child, out)
	}
}

// foldConstants evaluates arithmetic between two number literals at
// plan time, replacing the binary node with a single literal
// (dead-branch elimination's simpler sibling -- the executor still
// handles the general case, this only shortcuts the common
// literal-vs-literal case surviving parsing, e.g. "60 * 60").
func foldConstants(ast *parser.AST, id parser.NodeID) {
	if id < 0 {
		return
	}
	n := ast.Get(id)
	switch n.Kind {
	case parser.KindBinaryExpr:
		foldConstants(ast, n.LHS)
		foldConstants(ast, n.RHS)
		lhs := ast.Get(n.LHS)
		rhs := ast.Get(n.RHS)
		if lhs.Kind == parser.KindNumberLiteral && rhs.Kind == parser.KindNumberLiteral && n.Matching == nil {
			if v, ok := foldArith(n.BinOp, lhs.Num, rhs.Num, n.BoolMod); ok {
				n.Kind = parser.KindNumberLiteral
				n.Num = v
				n.LHS, n.RHS = -1, -1
			}
		}
	case parser.KindAggregateExpr:
		if n.AggParam >= 0 {
			foldConstants(ast, n.AggParam)
		}
		for _, a := range n.Args {
			foldConstants(ast, a)
		}
	case parser.KindFunctionCall:
		for _, a := range n.Args {
			foldConstants(ast, a)
		}
	case parser.KindSubquery:
		foldConstants(ast, n.Inner)
	case parser.KindParenExpr, parser.KindUnaryExpr:
		foldConstants(ast, n.Child)
	}
}

func foldArith(op string, l, r float64, boolMod bool) (float64, bool) {
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
		if r == 0 {
			return 0, false
		}
		return math.Mod(l, r), true
	case "^":
		return math.Pow(l, r), true
	case "==", "!=", "<", "<=", ">", ">=":
		if !boolMod {
			return 0, false
		}
		if compare(op, l, r) {
			return 1, true
		}
		return 0, true
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

// Fingerprint computes the rollup cache key for a plan evaluated over
// [start, end] at the given step, folding in
// every input that changes the result: the expression text, the
// window, and the rounding/lookback parameters that shift boundary
// alignment.
func Fingerprint(exprText string, start, end int64, step time.Duration, lookbackDelta time.Duration, round bool) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(exprText)
	var buf [8]byte
	writeInt64(&buf, start)
	_, _ = h.Write(buf[:])
	writeInt64(&buf, end)
	_, _ = h.Write(buf[:])
	writeInt64(&buf, int64(step))
	_, _ = h.Write(buf[:])
	writeInt64(&buf, int64(lookbackDelta))
	_, _ = h.Write(buf[:])
	if round {
		_, _ = h.Write([]byte{1})
	} else {
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

func writeInt64(buf *[8]byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		buf[i] = byte(u >> (8 * i))
	}
}

// ResolveSelectors resolves every selector in the plan against idx,
// returning the series ids each selector matched, in Selectors order.
// Kept here (rather than in the executor) so the executor can be
// tested against a prebuilt Plan without an index.
func ResolveSelectors(p *Plan, idx *index.Index, labelsOf index.LabelsFunc) ([][]uint64, error) {
	out := make([][]uint64, len(p.Selectors))
	for i, id := range p.Selectors {
		n := p.AST.Get(id)
		ids, err := idx.Resolve(n.Matchers, labelsOf)
		if err != nil {
			return nil, err
		}
		out[i] = ids
	}
	return out, nil
}

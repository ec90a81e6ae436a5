// Package parser implements a hand-written recursive-descent /
// precedence-climbing PromQL+MetricsQL parser that produces a flat
// arena AST -- indices over a slice rather than a pointer-linked
// expression tree. The planner in query/plan walks this arena by
// NodeID, which keeps rewrites (constant folding, selector extraction)
// index-based and cache-friendly.
package parser

import (
	"time"

	"github.com/vmcore/vmcore/index"
)

// Kind tags the variant stored in a Node.
type Kind int

const (
	KindNumberLiteral Kind = iota
	KindStringLiteral
	KindSelector
	KindAggregateExpr
	KindBinaryExpr
	KindFunctionCall
	KindSubquery
	KindParenExpr
	KindUnaryExpr
)

// NodeID indexes into an AST's Nodes slice. Index 0 is a valid node
// (e.g. the AST root); the dedicated sentinel noNode (-1) is used
// wherever "absent" must be distinguished from a real node.
type NodeID int

const noNode NodeID = -1

// GroupingModifier is PromQL's by(...)/without(...) aggregation
// modifier.
type GroupingModifier struct {
	Without bool
	Labels  []string
}

// VectorMatching is PromQL's on(...)/ignoring(...) plus
// group_left/group_right binary-operator modifier.
type VectorMatching struct {
	On          bool
	MatchLabels []string
	Card        string // "", "group_left", "group_right"
	Include     []string
}

// Node is one arena entry. Only the fields relevant to Kind are
// populated; it acts as a tagged union in place of one struct type
// per AST node kind.
type Node struct {
	Kind Kind
	Pos  int

	// KindNumberLiteral
	Num float64

	// KindStringLiteral
	Str string

	// KindSelector
	Matchers []*index.Matcher
	Range    time.Duration // 0 => instant selector
	Offset   time.Duration
	HasAt    bool
	At       int64 // unix ms, valid iff HasAt

	// KindAggregateExpr
	AggOp    string
	Grouping *GroupingModifier
	AggParam NodeID // e.g. topk's k, quantile's phi; noNode if unused

	// KindBinaryExpr
	BinOp    string
	LHS, RHS NodeID
	Matching *VectorMatching
	BoolMod  bool

	// KindFunctionCall
	FuncName string
	Args     []NodeID

	// KindSubquery
	Inner    NodeID
	SubRange time.Duration
	SubStep  time.Duration // 0 => evaluator's lookback delta (1m if that is unset)

	// KindParenExpr / KindUnaryExpr
	Child NodeID
	Neg   bool // KindUnaryExpr only
}

// AST is a parsed expression: a flat node arena plus the root's id.
type AST struct {
	Nodes []Node
	Root  NodeID
}

func (a *AST) Get(id NodeID) *Node { return &a.Nodes[id] }

func (a *AST) add(n Node) NodeID {
	a.Nodes = append(a.Nodes, n)
	return NodeID(len(a.Nodes) - 1)
}

package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseBareMetricSelector(t *testing.T) {
	ast, err := Parse(`http_requests_total`)
	require.NoError(t, err)
	n := ast.Get(ast.Root)
	require.Equal(t, KindSelector, n.Kind)
	require.Len(t, n.Matchers, 1)
	require.Equal(t, "__name__", n.Matchers[0].Name)
	require.Equal(t, "http_requests_total", n.Matchers[0].Value)
}

func TestParseSelectorWithMatchers(t *testing.T) {
	ast, err := Parse(`http_requests_total{job="api", status=~"5.."}`)
	require.NoError(t, err)
	n := ast.Get(ast.Root)
	require.Equal(t, KindSelector, n.Kind)
	require.Len(t, n.Matchers, 3)
}

func TestParseSelectorRejectsNoMatchers(t *testing.T) {
	_, err := Parse(`{}`)
	require.Error(t, err)
}

func TestParseRangeVector(t *testing.T) {
	ast, err := Parse(`rate(http_requests_total[5m])`)
	require.NoError(t, err)
	root := ast.Get(ast.Root)
	require.Equal(t, KindFunctionCall, root.Kind)
	require.Equal(t, "rate", root.FuncName)
	require.Len(t, root.Args, 1)
	sel := ast.Get(root.Args[0])
	require.Equal(t, KindSelector, sel.Kind)
	require.Equal(t, 5*time.Minute, sel.Range)
}

func TestParseOffsetAndAt(t *testing.T) {
	ast, err := Parse(`http_requests_total offset 1h @ 1609459200`)
	require.NoError(t, err)
	n := ast.Get(ast.Root)
	require.Equal(t, time.Hour, n.Offset)
	require.True(t, n.HasAt)
	require.Equal(t, int64(1609459200000), n.At)
}

func TestParseSubquery(t *testing.T) {
	ast, err := Parse(`rate(http_requests_total[5m])[30m:1m]`)
	require.NoError(t, err)
	n := ast.Get(ast.Root)
	require.Equal(t, KindSubquery, n.Kind)
	require.Equal(t, 30*time.Minute, n.SubRange)
	require.Equal(t, time.Minute, n.SubStep)
}

func TestParseAggregateTrailingGrouping(t *testing.T) {
	ast, err := Parse(`sum(http_requests_total) by (job)`)
	require.NoError(t, err)
	n := ast.Get(ast.Root)
	require.Equal(t, KindAggregateExpr, n.Kind)
	require.Equal(t, "sum", n.AggOp)
	require.NotNil(t, n.Grouping)
	require.False(t, n.Grouping.Without)
	require.Equal(t, []string{"job"}, n.Grouping.Labels)
}

func TestParseAggregateLeadingGrouping(t *testing.T) {
	ast, err := Parse(`sum by (job) (http_requests_total)`)
	require.NoError(t, err)
	n := ast.Get(ast.Root)
	require.Equal(t, KindAggregateExpr, n.Kind)
	require.NotNil(t, n.Grouping)
	require.Equal(t, []string{"job"}, n.Grouping.Labels)
}

func TestParseTopkWithParam(t *testing.T) {
	ast, err := Parse(`topk(5, http_requests_total)`)
	require.NoError(t, err)
	n := ast.Get(ast.Root)
	require.Equal(t, KindAggregateExpr, n.Kind)
	require.NotEqual(t, noNode, n.AggParam)
	param := ast.Get(n.AggParam)
	require.Equal(t, KindNumberLiteral, param.Kind)
	require.Equal(t, float64(5), param.Num)
	require.Len(t, n.Args, 1)
}

func TestParseBinaryExprPrecedence(t *testing.T) {
	ast, err := Parse(`1 + 2 * 3`)
	require.NoError(t, err)
	n := ast.Get(ast.Root)
	require.Equal(t, KindBinaryExpr, n.Kind)
	require.Equal(t, "+", n.BinOp)
	rhs := ast.Get(n.RHS)
	require.Equal(t, KindBinaryExpr, rhs.Kind)
	require.Equal(t, "*", rhs.BinOp)
}

func TestParsePowerIsRightAssociative(t *testing.T) {
	ast, err := Parse(`2 ^ 3 ^ 2`)
	require.NoError(t, err)
	n := ast.Get(ast.Root)
	require.Equal(t, "^", n.BinOp)
	lhs := ast.Get(n.LHS)
	require.Equal(t, KindNumberLiteral, lhs.Kind)
	rhs := ast.Get(n.RHS)
	require.Equal(t, KindBinaryExpr, rhs.Kind)
}

func TestParseVectorMatchingOnGroupLeft(t *testing.T) {
	ast, err := Parse(`a * on(job) group_left(env) b`)
	require.NoError(t, err)
	n := ast.Get(ast.Root)
	require.Equal(t, KindBinaryExpr, n.Kind)
	require.NotNil(t, n.Matching)
	require.True(t, n.Matching.On)
	require.Equal(t, []string{"job"}, n.Matching.MatchLabels)
	require.Equal(t, "group_left", n.Matching.Card)
	require.Equal(t, []string{"env"}, n.Matching.Include)
}

func TestParseComparisonBoolModifier(t *testing.T) {
	ast, err := Parse(`a > bool 5`)
	require.NoError(t, err)
	n := ast.Get(ast.Root)
	require.Equal(t, KindBinaryExpr, n.Kind)
	require.True(t, n.BoolMod)
}

func TestParseUnaryMinus(t *testing.T) {
	ast, err := Parse(`-1`)
	require.NoError(t, err)
	n := ast.Get(ast.Root)
	require.Equal(t, KindUnaryExpr, n.Kind)
	require.True(t, n.Neg)
}

func TestParseParenExpr(t *testing.T) {
	ast, err := Parse(`(1 + 2) * 3`)
	require.NoError(t, err)
	n := ast.Get(ast.Root)
	require.Equal(t, KindBinaryExpr, n.Kind)
	lhs := ast.Get(n.LHS)
	require.Equal(t, KindParenExpr, lhs.Kind)
}

func TestParseRangeSuffixRejectsNonSelector(t *testing.T) {
	_, err := Parse(`(http_requests_total)[5m]`)
	require.Error(t, err)
}

func TestParseInfAndNan(t *testing.T) {
	ast, err := Parse(`Inf`)
	require.NoError(t, err)
	n := ast.Get(ast.Root)
	require.Equal(t, KindNumberLiteral, n.Kind)
	require.True(t, n.Num > 0)

	ast, err = Parse(`NaN`)
	require.NoError(t, err)
	n = ast.Get(ast.Root)
	require.True(t, n.Num != n.Num)
}

func TestParseTrailingGarbageIsError(t *testing.T) {
	_, err := Parse(`up )`)
	require.Error(t, err)
}

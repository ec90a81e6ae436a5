package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vmcore/vmcore/query/parser"
)

func TestBuildFoldsConstants(t *testing.T) {
	ast, err := parser.Parse(`1 + 2 * 3`)
	require.NoError(t, err)
	p, err := Build(ast, Options{LookbackDelta: 5 * time.Minute})
	require.NoError(t, err)
	root := p.AST.Get(p.AST.Root)
	require.Equal(t, parser.KindNumberLiteral, root.Kind)
	require.Equal(t, float64(7), root.Num)
}

func TestBuildCollectsSelectors(t *testing.T) {
	ast, err := parser.Parse(`rate(a[5m]) + rate(b[1m])`)
	require.NoError(t, err)
	p, err := Build(ast, Options{LookbackDelta: 5 * time.Minute})
	require.NoError(t, err)
	require.Len(t, p.Selectors, 2)
}

func TestBuildFetchWindowAccountsForRangeAndOffset(t *testing.T) {
	ast, err := parser.Parse(`rate(a[5m] offset 1h)`)
	require.NoError(t, err)
	start := int64(1000 * 60 * 60 * 24)
	p, err := Build(ast, Options{Start: start, End: start, LookbackDelta: time.Minute})
	require.NoError(t, err)
	wantReach := (5*time.Minute + time.Hour).Milliseconds()
	require.Equal(t, start-wantReach, p.FetchStart)
}

func TestBuildInstantSelectorUsesLookbackDelta(t *testing.T) {
	ast, err := parser.Parse(`up`)
	require.NoError(t, err)
	p, err := Build(ast, Options{Start: 1000, End: 1000, LookbackDelta: 5 * time.Minute})
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, p.MaxLookback)
}

func TestFingerprintStable(t *testing.T) {
	f1 := Fingerprint("up", 0, 100, time.Second, 5*time.Minute, false)
	f2 := Fingerprint("up", 0, 100, time.Second, 5*time.Minute, false)
	require.Equal(t, f1, f2)
}

func TestFingerprintDiffersOnStep(t *testing.T) {
	f1 := Fingerprint("up", 0, 100, time.Second, 5*time.Minute, false)
	f2 := Fingerprint("up", 0, 100, 2*time.Second, 5*time.Minute, false)
	require.NotEqual(t, f1, f2)
}

func TestBuildFoldsNestedLiteralComparison(t *testing.T) {
	ast, err := parser.Parse(`1 > bool 2`)
	require.NoError(t, err)
	p, err := Build(ast, Options{})
	require.NoError(t, err)
	n := p.AST.Get(p.AST.Root)
	require.Equal(t, parser.KindNumberLiteral, n.Kind)
	require.Equal(t, float64(0), n.Num)
}

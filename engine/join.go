package engine

import (
	"context"

	"github.com/vmcore/vmcore/query/exec"
	"github.com/vmcore/vmcore/query/parser"
)

// Join evaluates left and right as instant vectors at ts and combines
// them under matching, returning every matched (left, right) pair
// without collapsing them through a binary operator (VM.JOIN).
func (e *Engine) Join(ctx context.Context, left, right string, matching *parser.VectorMatching, ts int64) ([]exec.JoinedPair, error) {
	if ts == 0 {
		ts = e.opts.Now()
	}
	lhs, err := e.Query(ctx, left, ts, -1)
	if err != nil {
		return nil, err
	}
	rhs, err := e.Query(ctx, right, ts, -1)
	if err != nil {
		return nil, err
	}
	return exec.Join(matching, lhs, rhs)
}

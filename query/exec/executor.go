package exec

import (
	"context"
	"sort"
	"time"

	"github.com/prometheus/prometheus/model/labels"

	"github.com/vmcore/vmcore/query/parser"
	"github.com/vmcore/vmcore/query/plan"
	"github.com/vmcore/vmcore/storage"
	"github.com/vmcore/vmcore/vmerrors"
)

// SeriesSource is the evaluator's view of the series registry: enough
// to turn a resolved series id into its labels and its sample
// storage. engine.Engine implements this directly over series.Registry.
type SeriesSource interface {
	Labels(id uint64) (labels.Labels, bool)
	Storage(id uint64) *storage.SeriesStorage
}

// Evaluator walks a Plan's AST and produces PromQL-shaped results,
// enforcing the cancellation, deadline and max-samples quotas an
// ActiveQuery carries.
type Evaluator struct {
	Plan     *plan.Plan
	Resolved map[parser.NodeID][]uint64
	Source   SeriesSource

	LookbackDelta time.Duration
	MaxSamples    int64
	QueryID       uint64

	ctx         context.Context
	deadline    time.Time
	hasDeadline bool
	samplesUsed int64
}

// NewEvaluator builds an Evaluator. resolved maps each of plan.Selectors
// to the series ids index.Resolve returned for it.
func NewEvaluator(ctx context.Context, p *plan.Plan, resolved [][]uint64, source SeriesSource, lookbackDelta time.Duration, maxSamples int64, queryID uint64) *Evaluator {
	m := make(map[parser.NodeID][]uint64, len(p.Selectors))
	for i, id := range p.Selectors {
		m[id] = resolved[i]
	}
	return &Evaluator{
		Plan:          p,
		Resolved:      m,
		Source:        source,
		LookbackDelta: lookbackDelta,
		MaxSamples:    maxSamples,
		QueryID:       queryID,
		ctx:           ctx,
	}
}

// WithDeadline sets a wall-clock deadline; exceeding it surfaces
// vmerrors.QueryDeadline rather than running unbounded.
func (e *Evaluator) WithDeadline(d time.Time) *Evaluator {
	e.deadline = d
	e.hasDeadline = true
	return e
}

func (e *Evaluator) checkBudget() error {
	if e.ctx != nil {
		select {
		case <-e.ctx.Done():
			if e.ctx.Err() == context.DeadlineExceeded {
				return &vmerrors.QueryDeadline{QueryID: e.QueryID, Deadline: e.deadline.String()}
			}
			return &vmerrors.QueryCanceled{QueryID: e.QueryID}
		default:
		}
	}
	if e.hasDeadline && !e.deadline.IsZero() && timeNow().After(e.deadline) {
		return &vmerrors.QueryDeadline{QueryID: e.QueryID, Deadline: e.deadline.String()}
	}
	return nil
}

// timeNow is a var so tests can't be flaky against wall-clock skew in
// principle, though no test currently overrides it.
var timeNow = time.Now

func (e *Evaluator) spend(n int64) error {
	e.samplesUsed += n
	if e.MaxSamples > 0 && e.samplesUsed > e.MaxSamples {
		return &vmerrors.QueryExhausted{QueryID: e.QueryID, MaxSamples: e.MaxSamples}
	}
	return nil
}

// EvalInstant evaluates the plan's root at a single timestamp.
func (e *Evaluator) EvalInstant(ts int64) (Vector, error) {
	if err := e.checkBudget(); err != nil {
		return nil, err
	}
	return e.evalVector(e.Plan.AST.Root, ts)
}

// EvalRange evaluates the plan's root across [start, end] at step,
// producing a Matrix keyed by each series' metric.
func (e *Evaluator) EvalRange(start, end int64, step time.Duration) (Matrix, error) {
	if step <= 0 {
		step = time.Second
	}
	byMetric := map[string]*Series{}
	var order []string
	stepMs := step.Milliseconds()
	for ts := start; ts <= end; ts += stepMs {
		if err := e.checkBudget(); err != nil {
			return nil, err
		}
		vec, err := e.evalVector(e.Plan.AST.Root, ts)
		if err != nil {
			return nil, err
		}
		for _, s := range vec {
			key := s.Metric.String()
			sr, ok := byMetric[key]
			if !ok {
				sr = &Series{Metric: s.Metric}
				byMetric[key] = sr
				order = append(order, key)
			}
			sr.Points = append(sr.Points, Point{T: s.T, V: s.V})
		}
		if start == end {
			break
		}
	}
	sort.Strings(order)
	out := make(Matrix, 0, len(order))
	for _, k := range order {
		out = append(out, *byMetric[k])
	}
	return out, nil
}

// evalVector evaluates any node as an instant Vector at ts. Scalars
// and strings are represented as a single Sample carrying an empty
// label set, which keeps arithmetic uniform across a single Vector
// type instead of a separate scalar/string value kind.
func (e *Evaluator) evalVector(id parser.NodeID, ts int64) (Vector, error) {
	if err := e.checkBudget(); err != nil {
		return nil, err
	}
	n := e.Plan.AST.Get(id)
	switch n.Kind {
	case parser.KindNumberLiteral:
		return Vector{{Metric: labels.Labels{}, T: ts, V: n.Num}}, nil
	case parser.KindStringLiteral:
		return Vector{{Metric: labels.Labels{}, T: ts, V: 0}}, nil
	case parser.KindParenExpr:
		return e.evalVector(n.Child, ts)
	case parser.KindUnaryExpr:
		v, err := e.evalVector(n.Child, ts)
		if err != nil {
			return nil, err
		}
		out := make(Vector, len(v))
		for i, s := range v {
			out[i] = Sample{Metric: s.Metric, T: ts, V: -s.V}
		}
		return out, nil
	case parser.KindSelector:
		return e.evalSelectorInstant(id, n, ts)
	case parser.KindBinaryExpr:
		return e.evalBinary(n, ts)
	case parser.KindAggregateExpr:
		return e.evalAggregate(n, ts)
	case parser.KindFunctionCall:
		return e.evalFunctionCall(n, ts)
	case parser.KindSubquery:
		return e.evalVector(n.Inner, ts) // a bare subquery outside an over_time call degrades to its inner instant value
	default:
		return nil, &vmerrors.Internal{Context: "eval: unknown node kind"}
	}
}

// evalSelectorInstant implements instant-vector selection: the most
// recent sample within lookback_delta of ts, per PromQL lookback
// semantics.
func (e *Evaluator) evalSelectorInstant(id parser.NodeID, n *parser.Node, ts int64) (Vector, error) {
	effectiveTS := ts - n.Offset.Milliseconds()
	if n.HasAt {
		effectiveTS = n.At
	}
	lookback := e.LookbackDelta
	if lookback <= 0 {
		lookback = 5 * time.Minute
	}
	ids := e.Resolved[id]
	out := make(Vector, 0, len(ids))
	for _, id := range ids {
		lset, ok := e.Source.Labels(id)
		if !ok {
			continue
		}
		st := e.Source.Storage(id)
		if st == nil {
			continue
		}
		samp, ok := st.Latest(effectiveTS-lookback.Milliseconds(), effectiveTS)
		if err := e.spend(1); err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, Sample{Metric: lset, T: ts, V: samp.Val})
	}
	return out, nil
}

// fetchRangeSeries gathers the raw sample window (effectiveTS-rng,
// effectiveTS] for every series a range-vector selector resolved to,
// used by rollup functions.
func (e *Evaluator) fetchRangeSeries(id parser.NodeID, n *parser.Node, ts int64) ([]rawSeries, error) {
	effectiveTS := ts - n.Offset.Milliseconds()
	if n.HasAt {
		effectiveTS = n.At
	}
	t0 := effectiveTS - n.Range.Milliseconds()
	ids := e.Resolved[id]
	out := make([]rawSeries, 0, len(ids))
	for _, id := range ids {
		lset, ok := e.Source.Labels(id)
		if !ok {
			continue
		}
		st := e.Source.Storage(id)
		if st == nil {
			continue
		}
		samples, err := st.Range(t0+1, effectiveTS)
		if err != nil {
			return nil, err
		}
		if err := e.spend(int64(len(samples))); err != nil {
			return nil, err
		}
		rs := rawSeries{id: id, metric: lset, ts: make([]int64, 0, len(samples)), vals: make([]float64, 0, len(samples))}
		for _, s := range samples {
			rs.ts = append(rs.ts, s.TS)
			rs.vals = append(rs.vals, s.Val)
		}
		out = append(out, rs)
	}
	return out, nil
}

package exec

import (
	"math"

	"github.com/vmcore/vmcore/query/parser"
	"github.com/vmcore/vmcore/vmerrors"
)

var rangeVectorFuncs = map[string]bool{
	"rate": true, "increase": true, "irate": true, "idelta": true,
	"delta": true, "deriv": true, "predict_linear": true,
	"avg_over_time": true, "sum_over_time": true, "min_over_time": true,
	"max_over_time": true, "count_over_time": true, "quantile_over_time": true,
	"stddev_over_time": true, "stdvar_over_time": true, "last_over_time": true,
	"present_over_time": true,
}

// rollupRawSource resolves a range-vector function's argument node
// into the raw per-series sample windows it rolls up, accepting both a
// direct range-vector selector and a subquery.
func (e *Evaluator) rollupRawSource(id parser.NodeID, ts int64) ([]rawSeries, error) {
	n := e.Plan.AST.Get(id)
	switch n.Kind {
	case parser.KindSelector:
		if n.Range == 0 {
			return nil, &vmerrors.Internal{Context: "range-vector function argument must include a range, e.g. m[5m]"}
		}
		return e.fetchRangeSeries(id, n, ts)
	case parser.KindSubquery:
		return e.evalSubqueryRaw(n, ts)
	default:
		return nil, &vmerrors.Internal{Context: "range-vector function argument must be a range selector or subquery"}
	}
}

// evalSubqueryRaw evaluates the subquery's inner expression at each
// step inside its window and regroups the results per output metric,
// producing the same rawSeries shape a range-vector selector would.
func (e *Evaluator) evalSubqueryRaw(n *parser.Node, ts int64) ([]rawSeries, error) {
	effectiveTS := ts - n.Offset.Milliseconds()
	if n.HasAt {
		effectiveTS = n.At
	}
	step := n.SubStep
	if step <= 0 {
		step = e.LookbackDelta
		if step <= 0 {
			step = defaultSubqueryStep
		}
	}
	t0 := effectiveTS - n.SubRange.Milliseconds()

	byMetric := map[string]*rawSeries{}
	var order []string
	stepMs := step.Milliseconds()
	for sub := t0; sub <= effectiveTS; sub += stepMs {
		if err := e.checkBudget(); err != nil {
			return nil, err
		}
		vec, err := e.evalVector(n.Inner, sub)
		if err != nil {
			return nil, err
		}
		for _, s := range vec {
			key := s.Metric.String()
			rs, ok := byMetric[key]
			if !ok {
				rs = &rawSeries{metric: s.Metric}
				byMetric[key] = rs
				order = append(order, key)
			}
			rs.ts = append(rs.ts, sub)
			rs.vals = append(rs.vals, s.V)
		}
	}
	out := make([]rawSeries, 0, len(order))
	for _, k := range order {
		out = append(out, *byMetric[k])
	}
	return out, nil
}

const defaultSubqueryStep = 60_000 * 1_000_000 // 1 minute, expressed in time.Duration's ns units via untyped constant

// evalRollupCall evaluates a range-vector rollup function.
func (e *Evaluator) evalRollupCall(n *parser.Node, ts int64) (Vector, error) {
	raw, err := e.rollupRawSource(n.Args[0], ts)
	if err != nil {
		return nil, err
	}

	var scalarArg float64
	if n.FuncName == "predict_linear" || n.FuncName == "quantile_over_time" {
		if len(n.Args) < 2 {
			return nil, &vmerrors.Internal{Context: n.FuncName + " requires a second scalar argument"}
		}
		argIdx := 1
		v, err := e.evalVector(n.Args[argIdx], ts)
		if err != nil {
			return nil, err
		}
		if s, ok := asScalar(v); ok {
			scalarArg = s
		}
	}

	out := make(Vector, 0, len(raw))
	for _, rs := range raw {
		metric := rs.metric
		if n.FuncName != "last_over_time" {
			metric = dropMetricName(metric)
		}
		v, ok := applyRollup(n.FuncName, rs.ts, rs.vals, ts, scalarArg)
		if !ok {
			continue
		}
		out = append(out, Sample{Metric: metric, T: ts, V: v})
	}
	return out, nil
}

// applyRollup computes one rollup function over a single series'
// sample window. evalTS is the output timestamp (needed by
// predict_linear's extrapolation target).
func applyRollup(fn string, ts []int64, vals []float64, evalTS int64, scalarArg float64) (float64, bool) {
	if len(vals) == 0 {
		if fn == "present_over_time" {
			return 0, false
		}
		return 0, false
	}
	switch fn {
	case "sum_over_time":
		return sumVals(vals), true
	case "avg_over_time":
		return sumVals(vals) / float64(len(vals)), true
	case "min_over_time":
		return minVals(vals), true
	case "max_over_time":
		return maxVals(vals), true
	case "count_over_time":
		return float64(len(vals)), true
	case "last_over_time":
		return vals[len(vals)-1], true
	case "present_over_time":
		return 1, true
	case "stddev_over_time", "stdvar_over_time":
		variance := varianceOf(vals)
		if fn == "stdvar_over_time" {
			return variance, true
		}
		return math.Sqrt(variance), true
	case "quantile_over_time":
		samples := make(Vector, len(vals))
		for i, v := range vals {
			samples[i] = Sample{V: v}
		}
		return quantile(scalarArg, samples), true
	case "rate", "increase":
		if len(vals) < 2 {
			return 0, false
		}
		total := counterSum(vals)
		durSec := float64(ts[len(ts)-1]-ts[0]) / 1000
		if durSec <= 0 {
			return 0, false
		}
		if fn == "rate" {
			return total / durSec, true
		}
		return total, true
	case "delta":
		if len(vals) < 2 {
			return 0, false
		}
		return vals[len(vals)-1] - vals[0], true
	case "irate", "idelta":
		if len(vals) < 2 {
			return 0, false
		}
		d := vals[len(vals)-1] - vals[len(vals)-2]
		if fn == "idelta" {
			if d < 0 {
				d = vals[len(vals)-1]
			}
			return d, true
		}
		if d < 0 {
			d = vals[len(vals)-1]
		}
		dt := float64(ts[len(ts)-1]-ts[len(ts)-2]) / 1000
		if dt <= 0 {
			return 0, false
		}
		return d / dt, true
	case "deriv":
		slope, _, ok := linearRegression(ts, vals)
		if !ok {
			return 0, false
		}
		return slope, true
	case "predict_linear":
		slope, intercept, ok := linearRegression(ts, vals)
		if !ok {
			return 0, false
		}
		targetSec := float64(evalTS)/1000 + scalarArg
		return intercept + slope*targetSec, true
	default:
		return 0, false
	}
}

func sumVals(vals []float64) float64 {
	var s float64
	for _, v := range vals {
		s += v
	}
	return s
}

func minVals(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxVals(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func varianceOf(vals []float64) float64 {
	mean, m2 := 0.0, 0.0
	for i, v := range vals {
		delta := v - mean
		mean += delta / float64(i+1)
		m2 += delta * (v - mean)
	}
	return m2 / float64(len(vals))
}

// counterSum sums the increase across vals, treating any decrease as a
// counter reset per PromQL's rate()/increase() convention: a drop adds
// back the post-reset value rather than going negative.
func counterSum(vals []float64) float64 {
	var total float64
	for i := 1; i < len(vals); i++ {
		d := vals[i] - vals[i-1]
		if d < 0 {
			d = vals[i]
		}
		total += d
	}
	return total
}

// linearRegression fits y = intercept + slope*x over (ts[i]/1000,
// vals[i]) by ordinary least squares, used by deriv() and
// predict_linear().
func linearRegression(ts []int64, vals []float64) (slope, intercept float64, ok bool) {
	n := len(vals)
	if n < 2 {
		return 0, 0, false
	}
	var sumX, sumY, sumXY, sumX2 float64
	for i := range vals {
		x := float64(ts[i]) / 1000
		y := vals[i]
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}
	nf := float64(n)
	denom := nf*sumX2 - sumX*sumX
	if denom == 0 {
		return 0, 0, false
	}
	slope = (nf*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / nf
	return slope, intercept, true
}

package exec

import (
	"math"
	"sort"
	"strings"

	"github.com/prometheus/prometheus/model/labels"

	"github.com/vmcore/vmcore/query/parser"
	"github.com/vmcore/vmcore/vmerrors"
)

// evalAggregate implements PromQL aggregation operators with
// by(...)/without(...) grouping.
func (e *Evaluator) evalAggregate(n *parser.Node, ts int64) (Vector, error) {
	if len(n.Args) != 1 {
		return nil, &vmerrors.Internal{Context: "aggregate expects exactly one vector argument"}
	}
	vec, err := e.evalVector(n.Args[0], ts)
	if err != nil {
		return nil, err
	}

	var param float64
	if n.AggParam >= 0 {
		pv, err := e.evalVector(n.AggParam, ts)
		if err != nil {
			return nil, err
		}
		if s, ok := asScalar(pv); ok {
			param = s
		}
	}

	groups := groupBy(vec, n.Grouping)
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(Vector, 0, len(groups))
	for _, k := range keys {
		g := groups[k]
		samples, err := aggregateGroup(n.AggOp, g.metric, g.samples, param, ts)
		if err != nil {
			return nil, err
		}
		out = append(out, samples...)
	}
	return out, nil
}

type group struct {
	metric  labels.Labels
	samples Vector
}

// groupBy partitions vec by its grouping labels, dropping __name__ and
// any labels not named by a "by" clause (or keeping everything but the
// "without" clause's labels and __name__).
func groupBy(vec Vector, g *parser.GroupingModifier) map[string]*group {
	groups := map[string]*group{}
	for _, s := range vec {
		key, metric := groupKey(s.Metric, g)
		gr, ok := groups[key]
		if !ok {
			gr = &group{metric: metric}
			groups[key] = gr
		}
		gr.samples = append(gr.samples, s)
	}
	return groups
}

func groupKey(l labels.Labels, g *parser.GroupingModifier) (string, labels.Labels) {
	var out labels.Labels
	if g == nil {
		// no grouping clause: PromQL's default is to aggregate away all
		// labels, producing one group total.
		return "", labels.Labels{}
	}
	if g.Without {
		excl := map[string]bool{labels.MetricName: true}
		for _, n := range g.Labels {
			excl[n] = true
		}
		for _, lb := range l {
			if !excl[lb.Name] {
				out = append(out, lb)
			}
		}
	} else {
		set := map[string]bool{}
		for _, n := range g.Labels {
			set[n] = true
		}
		for _, lb := range l {
			if set[lb.Name] {
				out = append(out, lb)
			}
		}
	}
	sort.Sort(out)
	var sb strings.Builder
	for _, lb := range out {
		sb.WriteString(lb.Name)
		sb.WriteByte('\xff')
		sb.WriteString(lb.Value)
		sb.WriteByte(0)
	}
	return sb.String(), out
}

// aggregateGroup reduces one group's samples under op. topk/bottomk
// return multiple output samples (one per kept input series); every
// other operator returns exactly one.
func aggregateGroup(op string, metric labels.Labels, samples Vector, param float64, ts int64) (Vector, error) {
	switch op {
	case "sum":
		var s float64
		for _, x := range samples {
			s += x.V
		}
		return Vector{{Metric: metric, T: ts, V: s}}, nil
	case "avg":
		var s float64
		for _, x := range samples {
			s += x.V
		}
		return Vector{{Metric: metric, T: ts, V: s / float64(len(samples))}}, nil
	case "min":
		m := samples[0].V
		for _, x := range samples[1:] {
			if x.V < m || math.IsNaN(m) {
				m = x.V
			}
		}
		return Vector{{Metric: metric, T: ts, V: m}}, nil
	case "max":
		m := samples[0].V
		for _, x := range samples[1:] {
			if x.V > m || math.IsNaN(m) {
				m = x.V
			}
		}
		return Vector{{Metric: metric, T: ts, V: m}}, nil
	case "count":
		return Vector{{Metric: metric, T: ts, V: float64(len(samples))}}, nil
	case "group":
		return Vector{{Metric: metric, T: ts, V: 1}}, nil
	case "stddev", "stdvar":
		mean, m2 := 0.0, 0.0
		for i, x := range samples {
			delta := x.V - mean
			mean += delta / float64(i+1)
			m2 += delta * (x.V - mean)
		}
		variance := m2 / float64(len(samples))
		if op == "stdvar" {
			return Vector{{Metric: metric, T: ts, V: variance}}, nil
		}
		return Vector{{Metric: metric, T: ts, V: math.Sqrt(variance)}}, nil
	case "quantile":
		return Vector{{Metric: metric, T: ts, V: quantile(param, samples)}}, nil
	case "topk", "bottomk":
		return topkBottomk(op, metric, samples, param, ts)
	default:
		return nil, &vmerrors.Internal{Context: "unknown aggregate operator " + op}
	}
}

// quantile implements PromQL's linear-interpolation quantile_over_time
// semantics, shared between the instant quantile() aggregate and the
// quantile_over_time() rollup.
func quantile(phi float64, samples Vector) float64 {
	if len(samples) == 0 {
		return math.NaN()
	}
	if phi < 0 {
		return math.Inf(-1)
	}
	if phi > 1 {
		return math.Inf(1)
	}
	vals := make([]float64, len(samples))
	for i, s := range samples {
		vals[i] = s.V
	}
	sort.Float64s(vals)
	if len(vals) == 1 {
		return vals[0]
	}
	rank := phi * float64(len(vals)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return vals[lo]
	}
	frac := rank - float64(lo)
	return vals[lo]*(1-frac) + vals[hi]*frac
}

// topkBottomk keeps the k highest (or lowest) samples in a group,
// breaking ties by input order for a stable result.
func topkBottomk(op string, metric labels.Labels, samples Vector, kf float64, ts int64) (Vector, error) {
	k := int(kf)
	if k <= 0 {
		return Vector{}, nil
	}
	if k > len(samples) {
		k = len(samples)
	}
	ordered := make(Vector, len(samples))
	copy(ordered, samples)
	sort.SliceStable(ordered, func(i, j int) bool {
		if op == "topk" {
			return ordered[i].V > ordered[j].V
		}
		return ordered[i].V < ordered[j].V
	})
	out := make(Vector, k)
	for i := 0; i < k; i++ {
		out[i] = Sample{Metric: ordered[i].Metric, T: ts, V: ordered[i].V}
	}
	_ = metric // group label set is informational only; topk/bottomk emit original per-series metrics
	return out, nil
}

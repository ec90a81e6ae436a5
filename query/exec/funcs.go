package exec

import (
	"math"
	"sort"
	"strings"

	"github.com/grafana/regexp"
	"github.com/prometheus/prometheus/model/labels"

	"github.com/vmcore/vmcore/index"
	"github.com/vmcore/vmcore/query/parser"
	"github.com/vmcore/vmcore/vmerrors"
)

// compileAnchored compiles a label_replace()/label_join() regex the
// same way index.NewMatcher does for selectors: full-string anchored,
// using grafana/regexp.
func compileAnchored(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("^(?:" + pattern + ")$")
}

// evalFunctionCall dispatches a function call to its range-vector
// rollup implementation (rollup.go) or one of the instant-vector
// functions below (functions).
func (e *Evaluator) evalFunctionCall(n *parser.Node, ts int64) (Vector, error) {
	if rangeVectorFuncs[n.FuncName] {
		return e.evalRollupCall(n, ts)
	}

	switch n.FuncName {
	case "abs", "ceil", "floor", "exp", "ln", "log2", "log10", "sqrt", "sgn":
		return e.evalUnaryMath(n, ts)
	case "round":
		return e.evalRound(n, ts)
	case "clamp":
		return e.evalClamp(n, ts)
	case "clamp_min", "clamp_max":
		return e.evalClampOne(n, ts)
	case "absent":
		return e.evalAbsent(n, ts)
	case "vector":
		v, err := e.evalVector(n.Args[0], ts)
		if err != nil {
			return nil, err
		}
		f, _ := asScalar(v)
		return Vector{{Metric: labels.Labels{}, T: ts, V: f}}, nil
	case "scalar":
		v, err := e.evalVector(n.Args[0], ts)
		if err != nil {
			return nil, err
		}
		if len(v) != 1 {
			return Vector{{Metric: labels.Labels{}, T: ts, V: math.NaN()}}, nil
		}
		return Vector{{Metric: labels.Labels{}, T: ts, V: v[0].V}}, nil
	case "timestamp":
		v, err := e.evalVector(n.Args[0], ts)
		if err != nil {
			return nil, err
		}
		out := make(Vector, len(v))
		for i, s := range v {
			out[i] = Sample{Metric: dropMetricName(s.Metric), T: ts, V: float64(s.T) / 1000}
		}
		return out, nil
	case "sort", "sort_desc":
		v, err := e.evalVector(n.Args[0], ts)
		if err != nil {
			return nil, err
		}
		out := append(Vector{}, v...)
		sort.Slice(out, func(i, j int) bool {
			if n.FuncName == "sort" {
				return out[i].V < out[j].V
			}
			return out[i].V > out[j].V
		})
		return out, nil
	case "label_replace":
		return e.evalLabelReplace(n, ts)
	case "label_join":
		return e.evalLabelJoin(n, ts)
	default:
		return nil, &vmerrors.Internal{Context: "unknown function " + n.FuncName}
	}
}

func (e *Evaluator) evalUnaryMath(n *parser.Node, ts int64) (Vector, error) {
	v, err := e.evalVector(n.Args[0], ts)
	if err != nil {
		return nil, err
	}
	f := mathFuncs[n.FuncName]
	out := make(Vector, len(v))
	for i, s := range v {
		out[i] = Sample{Metric: dropMetricName(s.Metric), T: ts, V: f(s.V)}
	}
	return out, nil
}

var mathFuncs = map[string]func(float64) float64{
	"abs":   math.Abs,
	"ceil":  math.Ceil,
	"floor": math.Floor,
	"exp":   math.Exp,
	"ln":    math.Log,
	"log2":  math.Log2,
	"log10": math.Log10,
	"sqrt":  math.Sqrt,
	"sgn": func(v float64) float64 {
		switch {
		case v > 0:
			return 1
		case v < 0:
			return -1
		default:
			return 0
		}
	},
}

// evalRound implements round(v instant-vector, to_nearest=1 scalar).
func (e *Evaluator) evalRound(n *parser.Node, ts int64) (Vector, error) {
	v, err := e.evalVector(n.Args[0], ts)
	if err != nil {
		return nil, err
	}
	toNearest := 1.0
	if len(n.Args) > 1 {
		sv, err := e.evalVector(n.Args[1], ts)
		if err != nil {
			return nil, err
		}
		if f, ok := asScalar(sv); ok {
			toNearest = f
		}
	}
	out := make(Vector, len(v))
	for i, s := range v {
		out[i] = Sample{Metric: dropMetricName(s.Metric), T: ts, V: roundToNearest(s.V, toNearest)}
	}
	return out, nil
}

// roundToNearest rounds v to the nearest multiple of step using
// round-half-away-from-zero, matching Prometheus's round().
func roundToNearest(v, step float64) float64 {
	if step == 0 {
		step = 1
	}
	return math.Round(v/step) * step
}

func (e *Evaluator) evalClamp(n *parser.Node, ts int64) (Vector, error) {
	v, err := e.evalVector(n.Args[0], ts)
	if err != nil {
		return nil, err
	}
	minV, err := e.scalarArg(n.Args[1], ts)
	if err != nil {
		return nil, err
	}
	maxV, err := e.scalarArg(n.Args[2], ts)
	if err != nil {
		return nil, err
	}
	out := make(Vector, len(v))
	for i, s := range v {
		out[i] = Sample{Metric: dropMetricName(s.Metric), T: ts, V: math.Min(math.Max(s.V, minV), maxV)}
	}
	return out, nil
}

func (e *Evaluator) evalClampOne(n *parser.Node, ts int64) (Vector, error) {
	v, err := e.evalVector(n.Args[0], ts)
	if err != nil {
		return nil, err
	}
	bound, err := e.scalarArg(n.Args[1], ts)
	if err != nil {
		return nil, err
	}
	out := make(Vector, len(v))
	for i, s := range v {
		val := s.V
		if n.FuncName == "clamp_min" {
			val = math.Max(val, bound)
		} else {
			val = math.Min(val, bound)
		}
		out[i] = Sample{Metric: dropMetricName(s.Metric), T: ts, V: val}
	}
	return out, nil
}

func (e *Evaluator) scalarArg(id parser.NodeID, ts int64) (float64, error) {
	v, err := e.evalVector(id, ts)
	if err != nil {
		return 0, err
	}
	f, _ := asScalar(v)
	return f, nil
}

// evalAbsent returns a single 1-sample when its argument is empty,
// carrying any equality matchers from the argument as labels (PromQL's
// absent() convention for building alerting labels).
func (e *Evaluator) evalAbsent(n *parser.Node, ts int64) (Vector, error) {
	v, err := e.evalVector(n.Args[0], ts)
	if err != nil {
		return nil, err
	}
	if len(v) > 0 {
		return Vector{}, nil
	}
	metric := labels.Labels{}
	arg := e.Plan.AST.Get(n.Args[0])
	if arg.Kind == parser.KindSelector {
		for _, m := range arg.Matchers {
			if m.Name != labels.MetricName && m.Op == index.MatchEqual {
				metric = append(metric, labels.Label{Name: m.Name, Value: m.Value})
			}
		}
	}
	sort.Sort(metric)
	return Vector{{Metric: metric, T: ts, V: 1}}, nil
}

// evalLabelReplace implements label_replace(v, dst, replacement, src,
// regex): dst is set to replacement with $1-style backreferences from
// matching src against regex.
func (e *Evaluator) evalLabelReplace(n *parser.Node, ts int64) (Vector, error) {
	if len(n.Args) != 5 {
		return nil, &vmerrors.Internal{Context: "label_replace requires 5 arguments"}
	}
	v, err := e.evalVector(n.Args[0], ts)
	if err != nil {
		return nil, err
	}
	dst := stringArg(e.Plan.AST, n.Args[1])
	repl := stringArg(e.Plan.AST, n.Args[2])
	src := stringArg(e.Plan.AST, n.Args[3])
	reText := stringArg(e.Plan.AST, n.Args[4])
	re, reErr := compileAnchored(reText)
	if reErr != nil {
		return nil, &vmerrors.Internal{Context: "label_replace: invalid regex " + reText}
	}

	out := make(Vector, len(v))
	for i, s := range v {
		srcVal := s.Metric.Get(src)
		m := re.FindStringSubmatchIndex(srcVal)
		metric := s.Metric
		if m != nil {
			expanded := re.ExpandString(nil, repl, srcVal, m)
			metric = setLabel(s.Metric, dst, string(expanded))
		}
		out[i] = Sample{Metric: metric, T: ts, V: s.V}
	}
	return out, nil
}

// evalLabelJoin implements label_join(v, dst, sep, src1, ...).
func (e *Evaluator) evalLabelJoin(n *parser.Node, ts int64) (Vector, error) {
	if len(n.Args) < 3 {
		return nil, &vmerrors.Internal{Context: "label_join requires at least 3 arguments"}
	}
	v, err := e.evalVector(n.Args[0], ts)
	if err != nil {
		return nil, err
	}
	dst := stringArg(e.Plan.AST, n.Args[1])
	sep := stringArg(e.Plan.AST, n.Args[2])
	var srcNames []string
	for _, a := range n.Args[3:] {
		srcNames = append(srcNames, stringArg(e.Plan.AST, a))
	}

	out := make(Vector, len(v))
	for i, s := range v {
		parts := make([]string, len(srcNames))
		for j, name := range srcNames {
			parts[j] = s.Metric.Get(name)
		}
		out[i] = Sample{Metric: setLabel(s.Metric, dst, strings.Join(parts, sep)), T: ts, V: s.V}
	}
	return out, nil
}

func stringArg(ast *parser.AST, id parser.NodeID) string {
	n := ast.Get(id)
	if n.Kind == parser.KindStringLiteral {
		return n.Str
	}
	return ""
}

func setLabel(l labels.Labels, name, value string) labels.Labels {
	out := make(labels.Labels, 0, len(l)+1)
	found := false
	for _, lb := range l {
		if lb.Name == name {
			if value == "" {
				found = true
				continue
			}
			out = append(out, labels.Label{Name: name, Value: value})
			found = true
			continue
		}
		out = append(out, lb)
	}
	if !found && value != "" {
		out = append(out, labels.Label{Name: name, Value: value})
	}
	sort.Sort(out)
	return out
}

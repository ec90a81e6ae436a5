package engine

import (
	"math"

	"github.com/prometheus/prometheus/model/labels"

	"github.com/vmcore/vmcore/index"
)

// CollatedSeries is one series' samples aligned onto the common step
// grid VM.COLLATE produces.
type CollatedSeries struct {
	Metric labels.Labels
	Points []CollatedPoint
}

// CollatedPoint is one grid slot: Value is math.NaN() when the series
// has no sample at exactly T.
type CollatedPoint struct {
	T     int64
	Value float64
}

// Collate aligns every series matching matchers onto a [t0, t1] grid
// stepped by step, filling slots with no exact sample at T with NaN
// (VM.COLLATE). Unlike QUERY-RANGE it does not apply lookback or
// a rollup function: it exposes the raw samples a multi-series
// client-side chart would otherwise have to re-align itself.
func (e *Engine) Collate(matchers []*index.Matcher, t0, t1 int64, step int64) ([]CollatedSeries, error) {
	if step <= 0 {
		step = e.opts.DefaultStep.Milliseconds()
	}
	ids, err := e.resolve(matchers)
	if err != nil {
		return nil, err
	}

	out := make([]CollatedSeries, 0, len(ids))
	for _, id := range ids {
		s, ok := e.registry.GetByID(id)
		if !ok {
			continue
		}
		raw, err := s.Storage().Range(t0, t1)
		if err != nil {
			return nil, err
		}
		byTS := make(map[int64]float64, len(raw))
		for _, samp := range raw {
			byTS[samp.TS] = samp.Val
		}

		var points []CollatedPoint
		for t := t0; t <= t1; t += step {
			v, ok := byTS[t]
			if !ok {
				v = math.NaN()
			}
			points = append(points, CollatedPoint{T: t, Value: v})
		}
		out = append(out, CollatedSeries{Metric: s.Labels, Points: points})
	}
	return out, nil
}

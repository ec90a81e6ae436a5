// Package exec implements evaluation of a planned AST against
// resolved series. It mirrors the data model
// prometheus/prometheus/promql uses (an instant Vector of Samples, a
// range Matrix of per-series point lists) so that anyone who already
// knows PromQL semantics recognizes the shapes.
package exec

import (
	"github.com/prometheus/prometheus/model/labels"
)

// Point is one (timestamp, value) pair in a range-vector result.
type Point struct {
	T int64
	V float64
}

// Sample is one series' value at a single evaluation timestamp.
type Sample struct {
	Metric labels.Labels
	T      int64
	V      float64
}

// Vector is an instant vector: at most one Sample per series.
type Vector []Sample

// Series is one series' points across a range query's timestamp grid.
type Series struct {
	Metric labels.Labels
	Points []Point
}

// Matrix is a range query result: one Series per matched series.
type Matrix []Series

// rawSeries is the raw (unaligned) sample window fetched from storage
// for one series, used internally by range-vector/rollup evaluation.
type rawSeries struct {
	id     uint64
	metric labels.Labels
	ts     []int64
	vals   []float64
}

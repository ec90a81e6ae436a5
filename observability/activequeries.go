// Package observability implements the active-query registry backing
// VM.ACTIVE-QUERIES and the top-queries tracker
// backing VM.TOP-QUERIES. It is deliberately a thin layer over
// a prometheus/client_golang gauge for self-observability,
// distinct from the rollup result data the query engine itself
// returns.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveQuery is a snapshot of one in-flight evaluation.
type ActiveQuery struct {
	ID        uint64
	Expr      string
	StartedAt int64 // unix ms
	Duration  time.Duration
}

// ActiveQueries tracks every query currently executing, admitted at
// eval start and removed at finish.
type ActiveQueries struct {
	mu      sync.Mutex
	byID    map[uint64]*activeEntry
	nowFunc func() int64

	gauge prometheus.Gauge
}

type activeEntry struct {
	id        uint64
	expr      string
	startedAt int64
}

// NewActiveQueries builds a registry and registers its gauge with reg
// (reg may be nil, e.g. in tests that don't care about metrics).
func NewActiveQueries(reg prometheus.Registerer) *ActiveQueries {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vmcore",
		Subsystem: "query",
		Name:      "active_count",
		Help:      "Number of queries currently executing.",
	})
	if reg != nil {
		reg.MustRegister(g)
	}
	return &ActiveQueries{
		byID:    map[uint64]*activeEntry{},
		nowFunc: func() int64 { return time.Now().UnixMilli() },
		gauge:   g,
	}
}

// Admit registers a query as started under id; Finish(id) later
// removes it.
func (a *ActiveQueries) Admit(id uint64, expr string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byID[id] = &activeEntry{id: id, expr: expr, startedAt: a.nowFunc()}
	a.gauge.Set(float64(len(a.byID)))
}

// Finish removes id from the active set.
func (a *ActiveQueries) Finish(id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.byID, id)
	a.gauge.Set(float64(len(a.byID)))
}

// Snapshot returns every currently-active query with its running
// duration as of now.
func (a *ActiveQueries) Snapshot() []ActiveQuery {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.nowFunc()
	out := make([]ActiveQuery, 0, len(a.byID))
	for _, e := range a.byID {
		out = append(out, ActiveQuery{
			ID:        e.id,
			Expr:      e.expr,
			StartedAt: e.startedAt,
			Duration:  time.Duration(now-e.startedAt) * time.Millisecond,
		})
	}
	return out
}

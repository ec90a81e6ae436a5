// Package engine implements the command-facing facade: the
// methods a host command dispatcher calls to implement the VM.*
// command surface. The host owns token parsing and reply encoding;
// everything here operates on already-typed Go values.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/prometheus/model/labels"

	"github.com/vmcore/vmcore/chunk"
	"github.com/vmcore/vmcore/index"
	"github.com/vmcore/vmcore/observability"
	"github.com/vmcore/vmcore/query/exec"
	"github.com/vmcore/vmcore/query/parser"
	"github.com/vmcore/vmcore/query/plan"
	"github.com/vmcore/vmcore/rollupcache"
	"github.com/vmcore/vmcore/series"
	"github.com/vmcore/vmcore/storage"
	"github.com/vmcore/vmcore/vmerrors"
)

// Engine owns every in-memory component and exposes the VM.* command
// surface as Go methods. It holds no reference to the host's transport
// or wire format (scope).
type Engine struct {
	opts Options

	registry *series.Registry
	idx      *index.Index
	cache    *rollupcache.Cache
	active   *observability.ActiveQueries
	topq     *observability.TopQueries

	logger log.Logger

	nextQueryID uint64

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// New builds an Engine and starts its background retention-sweep loop.
func New(opts Options) (*Engine, error) {
	opts.setDefaults()

	reg := series.New(series.Options{
		ChunkCapacity:    opts.ChunkCapacity,
		OutOfOrderWindow: opts.OutOfOrderWindow,
		DefaultRetention: opts.Retention,
		Now:              opts.Now,
	})

	e := &Engine{
		opts:     opts,
		registry: reg,
		idx:      index.New(),
		cache:    rollupcache.New(opts.RollupCacheSizeBytes),
		active:   observability.NewActiveQueries(opts.Registerer),
		topq: observability.NewTopQueries(observability.TopQueriesOptions{
			Capacity:         opts.LastQueriesCount,
			MinQueryDuration: opts.MinQueryDuration,
		}),
		logger: opts.Logger,
		done:   make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.runBackgroundLoops(ctx)

	return e, nil
}

// Close stops background loops. Idempotent.
func (e *Engine) Close() error {
	e.stopOnce.Do(func() {
		e.cancel()
		<-e.done
	})
	return nil
}

// runBackgroundLoops drives the retention sweep under oklog/run, an
// actor-group lifecycle pattern mirrored by cmd/vmcored's own
// background actors.
func (e *Engine) runBackgroundLoops(ctx context.Context) {
	defer close(e.done)
	var g run.Group
	g.Add(func() error {
		return e.retentionSweepLoop(ctx)
	}, func(error) {})
	_ = g.Run()
}

func (e *Engine) retentionSweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.sweepRetention()
		}
	}
}

func (e *Engine) sweepRetention() {
	now := e.opts.Now()
	e.registry.ForEach(func(s *series.Series) {
		retention := s.Retention(e.opts.Retention)
		if retention <= 0 {
			return
		}
		cutoff := now - retention.Milliseconds()
		if _, err := s.Storage().Trim(cutoff); err != nil {
			level.Warn(e.logger).Log("msg", "retention trim failed", "series_id", s.ID, "err", err)
		}
	})
}

// Labels implements exec.SeriesSource.
func (e *Engine) Labels(id uint64) (labels.Labels, bool) {
	s, ok := e.registry.GetByID(id)
	if !ok {
		return nil, false
	}
	return s.Labels, true
}

// Storage implements exec.SeriesSource.
func (e *Engine) Storage(id uint64) *storage.SeriesStorage {
	s, ok := e.registry.GetByID(id)
	if !ok {
		return nil
	}
	return s.Storage()
}

// CreateSeries creates (or returns the existing) series for metric,
// optionally overriding its retention (VM.CREATE-SERIES).
func (e *Engine) CreateSeries(metric labels.Labels, retention time.Duration) (uint64, bool, error) {
	s, created, err := e.registry.GetOrCreate(metric)
	if err != nil {
		return 0, false, err
	}
	if created {
		e.idx.Add(s.ID, s.Labels)
		if retention > 0 {
			s.SetRetention(retention)
		}
	}
	return s.ID, created, nil
}

// AlterSeries mutates a series' retention (VM.ALTER-SERIES).
func (e *Engine) AlterSeries(id uint64, retention time.Duration) error {
	s, ok := e.registry.GetByID(id)
	if !ok {
		return &vmerrors.NotFound{Kind: "series", What: "id"}
	}
	s.SetRetention(retention)
	return nil
}

// Add appends one sample to id (VM.ADD).
func (e *Engine) Add(id uint64, ts int64, v float64) error {
	s, ok := e.registry.GetByID(id)
	if !ok {
		return &vmerrors.NotFound{Kind: "series", What: "id"}
	}
	return s.Storage().Append(ts, v)
}

// AddEntry is one (series, timestamp, value) triple for MAdd.
type AddEntry struct {
	SeriesID uint64
	TS       int64
	Value    float64
}

// MAdd appends a batch of samples, reporting a per-entry error without
// aborting the rest of the batch (VM.MADD "writes are all-or-
// nothing per key; batch writes report per-entry failures").
func (e *Engine) MAdd(entries []AddEntry) []error {
	errs := make([]error, len(entries))
	for i, ent := range entries {
		errs[i] = e.Add(ent.SeriesID, ent.TS, ent.Value)
	}
	return errs
}

// Get returns the latest sample for id (VM.GET).
func (e *Engine) Get(id uint64) (chunk.Sample, bool, error) {
	s, ok := e.registry.GetByID(id)
	if !ok {
		return chunk.Sample{}, false, &vmerrors.NotFound{Kind: "series", What: "id"}
	}
	samp, ok := s.Storage().Latest(minInt64, s.Storage().LatestWriteTS())
	return samp, ok, nil
}

// MGet returns the latest sample for every series matching matchers
// (VM.MGET).
func (e *Engine) MGet(matchers []*index.Matcher) (map[uint64]chunk.Sample, error) {
	ids, err := e.resolve(matchers)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]chunk.Sample, len(ids))
	for _, id := range ids {
		s, ok := e.registry.GetByID(id)
		if !ok {
			continue
		}
		if samp, ok := s.Storage().Latest(minInt64, s.Storage().LatestWriteTS()); ok {
			out[id] = samp
		}
	}
	return out, nil
}

const minInt64 = -1 << 63

// Range returns the raw samples for id in [t0, t1] (VM.RANGE).
func (e *Engine) Range(id uint64, t0, t1 int64) ([]chunk.Sample, error) {
	s, ok := e.registry.GetByID(id)
	if !ok {
		return nil, &vmerrors.NotFound{Kind: "series", What: "id"}
	}
	return s.Storage().Range(t0, t1)
}

// MRange returns the raw samples for every series matching matchers
// (VM.MRANGE).
func (e *Engine) MRange(matchers []*index.Matcher, t0, t1 int64) (map[uint64][]chunk.Sample, error) {
	ids, err := e.resolve(matchers)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64][]chunk.Sample, len(ids))
	for _, id := range ids {
		s, ok := e.registry.GetByID(id)
		if !ok {
			continue
		}
		samples, err := s.Storage().Range(t0, t1)
		if err != nil {
			return nil, err
		}
		out[id] = samples
	}
	return out, nil
}

// DeleteRange deletes samples in [t0, t1] from every series matching
// matchers, returning the total count deleted (VM.DELETE-RANGE).
func (e *Engine) DeleteRange(matchers []*index.Matcher, t0, t1 int64) (int, error) {
	ids, err := e.resolve(matchers)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, id := range ids {
		s, ok := e.registry.GetByID(id)
		if !ok {
			continue
		}
		n, err := s.Storage().DeleteRange(t0, t1)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DeleteKeyRange deletes samples in [t0, t1] from a single series
// (VM.DELETE-KEY-RANGE).
func (e *Engine) DeleteKeyRange(id uint64, t0, t1 int64) (int, error) {
	s, ok := e.registry.GetByID(id)
	if !ok {
		return 0, &vmerrors.NotFound{Kind: "series", What: "id"}
	}
	return s.Storage().DeleteRange(t0, t1)
}

// DeleteSeries removes every series matching matchers entirely,
// including its index entries (VM.DELETE-SERIES).
func (e *Engine) DeleteSeries(matchers []*index.Matcher) (int, error) {
	ids, err := e.resolve(matchers)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		s, ok := e.registry.GetByID(id)
		if !ok {
			continue
		}
		e.idx.Remove(id, s.Labels)
		if err := e.registry.Delete(id); err != nil {
			continue
		}
		n++
	}
	return n, nil
}

func (e *Engine) resolve(matchers []*index.Matcher) ([]uint64, error) {
	return e.idx.Resolve(matchers, e.Labels)
}

// Series returns the label sets of every series matching matchers
// with at least one sample in [t0, t1] (VM.SERIES).
func (e *Engine) Series(matchers []*index.Matcher, t0, t1 int64) ([]labels.Labels, error) {
	ids, err := e.resolve(matchers)
	if err != nil {
		return nil, err
	}
	out := make([]labels.Labels, 0, len(ids))
	for _, id := range ids {
		s, ok := e.registry.GetByID(id)
		if !ok {
			continue
		}
		if !s.Storage().Overlaps(t0, t1) {
			continue
		}
		out = append(out, s.Labels)
	}
	return out, nil
}

// LabelNames returns every label name present on series matching
// matchers (VM.LABEL-NAMES); an empty matcher list scans every
// series.
func (e *Engine) LabelNames(matchers []*index.Matcher) ([]string, error) {
	ids, err := e.labelScopeIDs(matchers)
	if err != nil {
		return nil, err
	}
	return index.LabelNamesFor(ids, e.Labels), nil
}

// LabelValues returns every distinct value of name among series
// matching matchers (VM.LABEL-VALUES).
func (e *Engine) LabelValues(name string, matchers []*index.Matcher) ([]string, error) {
	ids, err := e.labelScopeIDs(matchers)
	if err != nil {
		return nil, err
	}
	return index.LabelValuesFor(name, ids, e.Labels), nil
}

func (e *Engine) labelScopeIDs(matchers []*index.Matcher) ([]uint64, error) {
	if len(matchers) == 0 {
		var ids []uint64
		e.registry.ForEach(func(s *series.Series) { ids = append(ids, s.ID) })
		return ids, nil
	}
	return e.resolve(matchers)
}

// Cardinality returns the number of unique series matching matchers
// (VM.CARDINALITY).
func (e *Engine) Cardinality(matchers []*index.Matcher) (int, error) {
	ids, err := e.resolve(matchers)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// ActiveQueries returns a snapshot of every in-flight query
// (VM.ACTIVE-QUERIES).
func (e *Engine) ActiveQueries() []observability.ActiveQuery {
	return e.active.Snapshot()
}

// TopQueriesReport is VM.TOP-QUERIES's reply shape: the three
// partitions over the recent-query ring (supplemented features).
type TopQueriesReport struct {
	ByCount       []observability.QueryStat
	ByAvgDuration []observability.QueryStat
	BySumDuration []observability.QueryStat
}

// TopQueries reports the busiest recent expressions, partitioned by
// count, average duration, and total duration.
func (e *Engine) TopQueries() TopQueriesReport {
	return TopQueriesReport{
		ByCount:       e.topq.TopByCount(),
		ByAvgDuration: e.topq.TopByAvgDuration(),
		BySumDuration: e.topq.TopBySumDuration(),
	}
}

// ResetRollupCache drops the entire rollup cache (VM.RESET-ROLLUP-CACHE).
func (e *Engine) ResetRollupCache() {
	e.cache.Reset()
}

// Stats is VM.STATS's reply shape.
type Stats struct {
	SeriesCount     int
	RollupCacheSize int
	ActiveQueries   int
}

// Stats reports engine-wide counters (VM.STATS).
func (e *Engine) Stats() Stats {
	return Stats{
		SeriesCount:     e.registry.Len(),
		RollupCacheSize: e.cache.Len(),
		ActiveQueries:   len(e.active.Snapshot()),
	}
}

func (e *Engine) allocQueryID() uint64 {
	return atomic.AddUint64(&e.nextQueryID, 1)
}

// Query evaluates expr at ts (or now, if ts is zero) and returns an
// instant vector (VM.QUERY). round, if non-negative, rounds result
// values to that many decimal digits using IEEE-754 round-half-to-even
// (ROUNDING).
func (e *Engine) Query(ctx context.Context, expr string, ts int64, round int) (vec exec.Vector, err error) {
	if ts == 0 {
		ts = e.opts.Now()
	}
	qid := e.allocQueryID()
	e.active.Admit(qid, expr)
	started := e.opts.Now()
	defer func() {
		e.active.Finish(qid)
		e.topq.Record(observability.CompletedQuery{
			Expr:      expr,
			StartedAt: started,
			Duration:  time.Duration(e.opts.Now()-started) * time.Millisecond,
		})
	}()

	defer func() {
		if r := recover(); r != nil {
			level.Error(e.logger).Log("msg", "panic during query evaluation", "expr", expr, "panic", r)
			vec = nil
			err = vmerrors.NewInternal("Engine.Query", r)
		}
	}()

	ast, err := parser.Parse(expr)
	if err != nil {
		return nil, err
	}
	p, err := plan.Build(ast, plan.Options{Start: ts, End: ts, LookbackDelta: e.opts.LookbackDelta})
	if err != nil {
		return nil, err
	}
	resolved, err := plan.ResolveSelectors(p, e.idx, e.Labels)
	if err != nil {
		return nil, err
	}

	evalCtx := ctx
	if e.opts.QueryTimeout > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(ctx, e.opts.QueryTimeout)
		defer cancel()
	}

	fp := plan.Fingerprint(expr, ts, ts, 0, e.opts.LookbackDelta, round >= 0)
	entry, err := e.cache.Compute(fp, e.seriesWriteTS, func() (*rollupcache.Entry, error) {
		ev := exec.NewEvaluator(evalCtx, p, resolved, e, e.opts.LookbackDelta, e.opts.MaxSamplesPerQuery, qid)
		vec, err := ev.EvalInstant(ts)
		if err != nil {
			return nil, err
		}
		return &rollupcache.Entry{
			Vector:      vec,
			ComputedAt:  ts,
			SeriesMaxTS: seriesMaxTS(resolved, e.seriesWriteTS),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return roundVector(entry.Vector, round), nil
}

// seriesWriteTS is the rollup cache's soft-invalidation callback: the
// current high-water mark for a series' writes.
func (e *Engine) seriesWriteTS(id uint64) int64 {
	s, ok := e.registry.GetByID(id)
	if !ok {
		return 0
	}
	return s.Storage().LatestWriteTS()
}

// seriesMaxTS snapshots every resolved series' write high-water mark
// at compute time, for the cache entry's soft-invalidation set.
func seriesMaxTS(resolved [][]uint64, writeTS func(uint64) int64) map[uint64]int64 {
	out := map[uint64]int64{}
	for _, ids := range resolved {
		for _, id := range ids {
			if _, ok := out[id]; !ok {
				out[id] = writeTS(id)
			}
		}
	}
	return out
}

// QueryRange evaluates expr across [start, end] at step (VM.QUERY-RANGE).
func (e *Engine) QueryRange(ctx context.Context, expr string, start, end int64, step time.Duration, round int) (m exec.Matrix, err error) {
	if step <= 0 {
		step = e.opts.DefaultStep
	}
	qid := e.allocQueryID()
	e.active.Admit(qid, expr)
	started := e.opts.Now()
	defer func() {
		e.active.Finish(qid)
		e.topq.Record(observability.CompletedQuery{
			Expr:      expr,
			StartedAt: started,
			Duration:  time.Duration(e.opts.Now()-started) * time.Millisecond,
		})
	}()
	defer func() {
		if r := recover(); r != nil {
			level.Error(e.logger).Log("msg", "panic during range query evaluation", "expr", expr, "panic", r)
			m = nil
			err = vmerrors.NewInternal("Engine.QueryRange", r)
		}
	}()

	ast, err := parser.Parse(expr)
	if err != nil {
		return nil, err
	}
	p, err := plan.Build(ast, plan.Options{Start: start, End: end, Step: step, LookbackDelta: e.opts.LookbackDelta})
	if err != nil {
		return nil, err
	}
	resolved, err := plan.ResolveSelectors(p, e.idx, e.Labels)
	if err != nil {
		return nil, err
	}

	evalCtx := ctx
	if e.opts.QueryTimeout > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(ctx, e.opts.QueryTimeout)
		defer cancel()
	}

	fp := plan.Fingerprint(expr, start, end, step, e.opts.LookbackDelta, round >= 0)
	entry, err := e.cache.Compute(fp, e.seriesWriteTS, func() (*rollupcache.Entry, error) {
		ev := exec.NewEvaluator(evalCtx, p, resolved, e, e.opts.LookbackDelta, e.opts.MaxSamplesPerQuery, qid)
		m, err := ev.EvalRange(start, end, step)
		if err != nil {
			return nil, err
		}
		return &rollupcache.Entry{
			Matrix:      m,
			IsRange:     true,
			ComputedAt:  end,
			SeriesMaxTS: seriesMaxTS(resolved, e.seriesWriteTS),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return roundMatrix(entry.Matrix, round), nil
}

func roundVector(v exec.Vector, digits int) exec.Vector {
	if digits < 0 {
		return v
	}
	out := make(exec.Vector, len(v))
	for i, s := range v {
		s.V = roundHalfToEven(s.V, digits)
		out[i] = s
	}
	return out
}

func roundMatrix(m exec.Matrix, digits int) exec.Matrix {
	if digits < 0 {
		return m
	}
	out := make(exec.Matrix, len(m))
	for i, s := range m {
		pts := make([]exec.Point, len(s.Points))
		for j, p := range s.Points {
			pts[j] = exec.Point{T: p.T, V: roundHalfToEven(p.V, digits)}
		}
		out[i] = exec.Series{Metric: s.Metric, Points: pts}
	}
	return out
}

// Package series implements the series registry that assigns stable
// series ids and owns the {metric, labels} <-> id <-> storage-handle
// mapping. Fingerprint-sharded locks serialize create-racing-with-create;
// id-sharded RWMutexes keep GetByID read-mostly and lock-free across
// unrelated series.
package series

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/prometheus/model/labels"

	"github.com/vmcore/vmcore/storage"
	"github.com/vmcore/vmcore/vmerrors"
)

// numShards bounds lock contention on both the fingerprint-keyed create
// path and the id-keyed lookup path. A power of two keeps the modulo a
// mask.
const numShards = 64

// Series is the 4-tuple (id, label_set, created_at, storage_handle).
// Once created, ID and Labels never change; Retention and
// Storage are the only mutable fields (the former via AlterSeries).
type Series struct {
	ID        uint64
	Labels    labels.Labels
	CreatedAt int64 // unix ms

	mu        sync.RWMutex
	retention time.Duration // 0 = use registry default
	storage   *storage.SeriesStorage
}

// Retention returns the series' configured retention, or def if the
// series has none of its own.
func (s *Series) Retention(def time.Duration) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.retention == 0 {
		return def
	}
	return s.retention
}

// SetRetention updates the series' retention (backs VM.ALTER-SERIES).
func (s *Series) SetRetention(d time.Duration) {
	s.mu.Lock()
	s.retention = d
	s.mu.Unlock()
}

// Storage returns the series' sample storage handle.
func (s *Series) Storage() *storage.SeriesStorage { return s.storage }

// Fingerprint hashes a canonical label set to a stable 64-bit id using
// xxhash, the fast, well-distributed hash the wider Prometheus/Thanos
// corpus standardizes on for this exact purpose.
func Fingerprint(lset labels.Labels) uint64 {
	h := xxhash.New()
	for _, l := range lset {
		_, _ = h.WriteString(l.Name)
		_, _ = h.Write(sepByte)
		_, _ = h.WriteString(l.Value)
		_, _ = h.Write(sepByte)
	}
	return h.Sum64()
}

var sepByte = []byte{0xff}

// Options configures a Registry.
type Options struct {
	ChunkCapacity     int
	OutOfOrderWindow  int64 // ms
	DefaultRetention  time.Duration
	Now               func() int64 // unix ms; overridable for tests
}

// Registry is the series registry.
type Registry struct {
	opts Options

	nextID uint64 // atomic

	createMu [numShards]sync.Mutex
	byFP     [numShards]map[uint64][]*Series

	idMu [numShards]sync.RWMutex
	byID [numShards]map[uint64]*Series
}

// New constructs an empty Registry.
func New(opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = func() int64 { return time.Now().UnixMilli() }
	}
	r := &Registry{opts: opts}
	for i := range r.byFP {
		r.byFP[i] = make(map[uint64][]*Series)
	}
	for i := range r.byID {
		r.byID[i] = make(map[uint64]*Series)
	}
	return r
}

func shardOf(key uint64) uint64 { return key % numShards }

// GetOrCreate returns the series for lset, creating one if no series
// with an identical label set exists yet. Atomic: under contention only
// one caller observes created=true.
func (r *Registry) GetOrCreate(lset labels.Labels) (*Series, bool, error) {
	fp := Fingerprint(lset)
	shard := shardOf(fp)

	r.createMu[shard].Lock()
	defer r.createMu[shard].Unlock()

	for _, s := range r.byFP[shard][fp] {
		if labels.Equal(s.Labels, lset) {
			return s, false, nil
		}
	}

	id := atomic.AddUint64(&r.nextID, 1)
	s := &Series{
		ID:        id,
		Labels:    lset,
		CreatedAt: r.opts.Now(),
		storage:   storage.New(id, r.opts.ChunkCapacity, r.opts.OutOfOrderWindow),
	}
	r.byFP[shard][fp] = append(r.byFP[shard][fp], s)

	idShard := shardOf(id)
	r.idMu[idShard].Lock()
	r.byID[idShard][id] = s
	r.idMu[idShard].Unlock()

	return s, true, nil
}

// GetByID looks up a series by its stable id.
func (r *Registry) GetByID(id uint64) (*Series, bool) {
	shard := shardOf(id)
	r.idMu[shard].RLock()
	defer r.idMu[shard].RUnlock()
	s, ok := r.byID[shard][id]
	return s, ok
}

// Delete removes the registry entry for id. The caller
// (engine.Engine.DeleteSeries) removes the series' posting-list entries
// from the index.
func (r *Registry) Delete(id uint64) error {
	idShard := shardOf(id)
	r.idMu[idShard].Lock()
	s, ok := r.byID[idShard][id]
	if ok {
		delete(r.byID[idShard], id)
	}
	r.idMu[idShard].Unlock()
	if !ok {
		return &vmerrors.NotFound{Kind: "series", What: "id"}
	}

	fp := Fingerprint(s.Labels)
	fpShard := shardOf(fp)
	r.createMu[fpShard].Lock()
	bucket := r.byFP[fpShard][fp]
	for i, cand := range bucket {
		if cand.ID == id {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	r.byFP[fpShard][fp] = bucket
	r.createMu[fpShard].Unlock()
	return nil
}

// Len reports the current number of live series, for VM.STATS.
func (r *Registry) Len() int {
	n := 0
	for i := range r.idMu {
		r.idMu[i].RLock()
		n += len(r.byID[i])
		r.idMu[i].RUnlock()
	}
	return n
}

// ForEach iterates every live series. Used by retention sweeps and by
// the host's enumeration/snapshot interface (persistence itself is out
// of scope -- this is the hook the host would use to snapshot state).
// fn must not call back into the Registry.
func (r *Registry) ForEach(fn func(*Series)) {
	for i := range r.idMu {
		r.idMu[i].RLock()
		snapshot := make([]*Series, 0, len(r.byID[i]))
		for _, s := range r.byID[i] {
			snapshot = append(snapshot, s)
		}
		r.idMu[i].RUnlock()
		for _, s := range snapshot {
			fn(s)
		}
	}
}

package engine

import (
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

// Options configures a new Engine. It is a plain Go struct built by
// the host process (e.g. from kingpin flags, see cmd/vmcored) -- the
// core never parses a config file or flag set itself.
type Options struct {
	// Retention is the default series retention applied when a series
	// has none of its own (VM.CREATE-SERIES RETENTION overrides per
	// series).
	Retention time.Duration

	// MaxSamplesPerQuery bounds the total samples any one evaluation
	// may touch before it fails with vmerrors.QueryExhausted. Zero
	// means unbounded.
	MaxSamplesPerQuery int64

	// DefaultStep is used by VM.QUERY-RANGE when STEP is omitted.
	DefaultStep time.Duration

	// LookbackDelta bounds how far back an instant vector selector may
	// look for a sample (PromQL default: 5m).
	LookbackDelta time.Duration

	// LastQueriesCount sizes the VM.TOP-QUERIES ring buffer.
	LastQueriesCount int

	// MinQueryDuration filters VM.TOP-QUERIES entries shorter than this.
	MinQueryDuration time.Duration

	// RollupCacheSizeBytes bounds the rollup cache's estimated size.
	RollupCacheSizeBytes int64

	// OutOfOrderWindow bounds how far behind max_ts an appended sample
	// may land before being rejected (ms).
	OutOfOrderWindow int64

	// ChunkCapacity overrides the default samples-per-chunk.
	ChunkCapacity int

	// QueryTimeout bounds query wall-clock time; zero means unbounded.
	QueryTimeout time.Duration

	// Logger receives the Engine's own log lines (retention trim
	// failures, recovered query panics); it is held by the Engine rather
	// than as a package global. Defaults to a no-op logger.
	Logger log.Logger

	// Registerer receives this Engine's self-observability metrics.
	// Nil is safe and registers nothing.
	Registerer prometheus.Registerer

	// Now overrides the wall clock; used by tests.
	Now func() int64
}

func (o *Options) setDefaults() {
	if o.DefaultStep <= 0 {
		o.DefaultStep = 15 * time.Second
	}
	if o.LookbackDelta <= 0 {
		o.LookbackDelta = 5 * time.Minute
	}
	if o.LastQueriesCount <= 0 {
		o.LastQueriesCount = 1000
	}
	if o.RollupCacheSizeBytes <= 0 {
		o.RollupCacheSizeBytes = 64 << 20
	}
	if o.ChunkCapacity <= 0 {
		o.ChunkCapacity = 120
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	if o.Now == nil {
		o.Now = func() int64 { return time.Now().UnixMilli() }
	}
}

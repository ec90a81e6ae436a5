// Package remotewrite adapts the Prometheus remote-write wire format
// (snappy-compressed protobuf) into batches of engine.AddEntry, giving
// hosts a bulk ingestion path alongside VM.ADD/VM.MADD. It generalizes
// an http.Handler that originally just logged the request into one
// that actually writes samples through an Engine.
package remotewrite

import (
	"io"
	"net/http"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/golang/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/prompb"

	"github.com/vmcore/vmcore/engine"
)

// Handler is an http.Handler accepting Prometheus remote_write
// requests and translating them into Engine writes.
type Handler struct {
	engine *engine.Engine
	logger log.Logger
}

// NewHandler builds a remote-write Handler writing into eng.
func NewHandler(eng *engine.Engine, logger log.Logger) *Handler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Handler{engine: eng, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	compressed, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "error reading request body", http.StatusInternalServerError)
		return
	}
	defer r.Body.Close()

	reqBuf, err := snappy.Decode(nil, compressed)
	if err != nil {
		http.Error(w, "error decompressing request body", http.StatusBadRequest)
		return
	}

	var writeRequest prompb.WriteRequest
	if err := proto.Unmarshal(reqBuf, &writeRequest); err != nil {
		http.Error(w, "error unmarshaling request", http.StatusBadRequest)
		return
	}

	n, failed := h.ingest(writeRequest.Timeseries)
	if failed > 0 {
		level.Warn(h.logger).Log("msg", "remote write partial failure", "accepted", n, "failed", failed)
	}
	w.WriteHeader(http.StatusNoContent)
}

// ingest converts each prompb.TimeSeries into a series and a batch of
// samples, returning the number of samples accepted and the number
// that failed (for example, out-of-order samples). A failure on one
// series does not abort the rest of the request, matching VM.MADD's
// per-entry failure semantics.
func (h *Handler) ingest(series []prompb.TimeSeries) (accepted, failed int) {
	for _, ts := range series {
		lset := promLabelsToLabels(ts.Labels)
		if len(lset) == 0 {
			continue
		}
		id, _, err := h.engine.CreateSeries(lset, 0)
		if err != nil {
			failed += len(ts.Samples)
			continue
		}

		entries := make([]engine.AddEntry, len(ts.Samples))
		for i, s := range ts.Samples {
			entries[i] = engine.AddEntry{SeriesID: id, TS: s.Timestamp, Value: s.Value}
		}
		for _, err := range h.engine.MAdd(entries) {
			if err != nil {
				failed++
			} else {
				accepted++
			}
		}
	}
	return accepted, failed
}

// promLabelsToLabels converts a remote-write label list into a sorted
// labels.Labels, matching labels.FromStrings' own ordering contract.
func promLabelsToLabels(lbls []prompb.Label) labels.Labels {
	out := make(labels.Labels, len(lbls))
	for i, l := range lbls {
		out[i] = labels.Label{Name: l.Name, Value: l.Value}
	}
	sort.Sort(out)
	return out
}

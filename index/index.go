// Package index implements the inverted label index, the posting-list
// structure that turns a set of matchers into a series-id set without
// a full scan. Posting lists are sharded by a hash of the label name
// so a single hot label name doesn't serialize index-wide reads.
package index

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/prometheus/model/labels"

	"github.com/vmcore/vmcore/vmerrors"
)

// MetricName is the reserved label naming the metric.
const MetricName = "__name__"

const numShards = 32

type postingKey struct {
	name  string
	value string
}

type shard struct {
	mu       sync.RWMutex
	postings map[postingKey][]uint64 // sorted series ids
	values   map[string]map[string]struct{} // label name -> set of values seen
}

// Index is the inverted label index.
type Index struct {
	shards [numShards]*shard
}

// New constructs an empty Index.
func New() *Index {
	idx := &Index{}
	for i := range idx.shards {
		idx.shards[i] = &shard{
			postings: make(map[postingKey][]uint64),
			values:   make(map[string]map[string]struct{}),
		}
	}
	return idx
}

func (idx *Index) shardOf(name string) *shard {
	h := xxhash.Sum64String(name)
	return idx.shards[h%numShards]
}

// Add inserts seriesID into the posting list for every (name, value)
// pair in lset. Index updates for a newly-created series must be
// visible atomically with the first sample: callers insert into the
// index before (or as part of) publishing the first sample, never
// after (ordering guarantees).
func (idx *Index) Add(seriesID uint64, lset labels.Labels) {
	for _, l := range lset {
		s := idx.shardOf(l.Name)
		s.mu.Lock()
		key := postingKey{name: l.Name, value: l.Value}
		s.postings[key] = insertSorted(s.postings[key], seriesID)
		if s.values[l.Name] == nil {
			s.values[l.Name] = make(map[string]struct{})
		}
		s.values[l.Name][l.Value] = struct{}{}
		s.mu.Unlock()
	}
}

// Remove deletes seriesID from every posting list for lset, the
// symmetric counterpart to Add. It does not prune now-empty
// value entries from the values set eagerly; LabelValues callers only
// see values with a non-empty posting list.
func (idx *Index) Remove(seriesID uint64, lset labels.Labels) {
	for _, l := range lset {
		s := idx.shardOf(l.Name)
		s.mu.Lock()
		key := postingKey{name: l.Name, value: l.Value}
		s.postings[key] = removeSorted(s.postings[key], seriesID)
		if len(s.postings[key]) == 0 {
			delete(s.postings, key)
		}
		s.mu.Unlock()
	}
}

// LabelsFunc resolves a series id to its label set, used for
// post-filtering candidates that an equality-anchored posting
// intersection couldn't fully resolve on its own.
type LabelsFunc func(id uint64) (labels.Labels, bool)

// Resolve implements's three-step strategy: intersect equality
// matchers' posting lists (smallest list drives iteration order),
// anchor on __name__ when no positive equality matcher exists, and
// post-filter the candidate set by every matcher (including regex and
// inequality matchers) against the series' actual label values.
func (idx *Index) Resolve(matchers []*Matcher, labelsOf LabelsFunc) ([]uint64, error) {
	if err := validateSelector(matchers); err != nil {
		return nil, err
	}

	candidates, anchored := idx.seedCandidates(matchers)
	if !anchored {
		return nil, &vmerrors.SelectorError{
			Selector: describeMatchers(matchers),
			Reason:   "no equality matcher and no __name__ matcher to anchor a name-scoped scan",
		}
	}

	out := candidates[:0]
	for _, id := range candidates {
		lset, ok := labelsOf(id)
		if !ok {
			continue
		}
		if matchesAll(matchers, lset) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// validateSelector enforces that at least one matcher does not match
// the empty string -- PromQL forbids selectors that would otherwise
// require an unbounded full-index scan (step 3 SelectorError).
func validateSelector(matchers []*Matcher) error {
	for _, m := range matchers {
		if !m.Matches("") {
			return nil
		}
	}
	return &vmerrors.SelectorError{
		Selector: describeMatchers(matchers),
		Reason:   "no matcher excludes the empty string",
	}
}

// seedCandidates produces the starting series-id set for Resolve.
// Prefers intersecting positive-equality matchers (smallest list
// first); falls back to a __name__-anchored scan when there is no
// positive equality matcher in the selector.
func (idx *Index) seedCandidates(matchers []*Matcher) ([]uint64, bool) {
	var equalityLists [][]uint64
	for _, m := range matchers {
		if !m.isPositiveEquality() {
			continue
		}
		equalityLists = append(equalityLists, idx.postingsFor(m.Name, m.Value))
	}
	if len(equalityLists) > 0 {
		sort.Slice(equalityLists, func(i, j int) bool { return len(equalityLists[i]) < len(equalityLists[j]) })
		result := equalityLists[0]
		for _, l := range equalityLists[1:] {
			result = intersectSorted(result, l)
		}
		return result, true
	}

	for _, m := range matchers {
		if m.Name != MetricName {
			continue
		}
		values := idx.valuesFor(MetricName)
		var union []uint64
		for _, v := range values {
			if m.Matches(v) {
				union = mergeSorted(union, idx.postingsFor(MetricName, v))
			}
		}
		return union, true
	}
	return nil, false
}

func matchesAll(matchers []*Matcher, lset labels.Labels) bool {
	for _, m := range matchers {
		if !m.Matches(lset.Get(m.Name)) {
			return false
		}
	}
	return true
}

// postingsFor returns a copy of the sorted series-id list for
// (name, value). Returns nil if there is no such pair.
func (idx *Index) postingsFor(name, value string) []uint64 {
	s := idx.shardOf(name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.postings[postingKey{name: name, value: value}]
	out := make([]uint64, len(src))
	copy(out, src)
	return out
}

func (idx *Index) valuesFor(name string) []string {
	s := idx.shardOf(name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.values[name]))
	for v := range s.values[name] {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// LabelNamesFor returns the sorted, unique label names across ids,
// using labelsOf to read each candidate's label set. Selector
// restriction happens upstream (the caller passes the resolved id set).
// No time-window restriction is applied: every id passed in contributes
// its label names, whether or not it has samples in any given window.
func LabelNamesFor(ids []uint64, labelsOf LabelsFunc) []string {
	seen := make(map[string]struct{})
	for _, id := range ids {
		lset, ok := labelsOf(id)
		if !ok {
			continue
		}
		for _, l := range lset {
			seen[l.Name] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// LabelValuesFor returns the sorted, unique values of name across ids.
func LabelValuesFor(name string, ids []uint64, labelsOf LabelsFunc) []string {
	seen := make(map[string]struct{})
	for _, id := range ids {
		lset, ok := labelsOf(id)
		if !ok {
			continue
		}
		if v := lset.Get(name); v != "" {
			seen[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func describeMatchers(matchers []*Matcher) string {
	s := ""
	for i, m := range matchers {
		if i > 0 {
			s += ","
		}
		s += m.Name + m.Op.String() + m.Value
	}
	return "{" + s + "}"
}

func insertSorted(list []uint64, id uint64) []uint64 {
	i := sort.Search(len(list), func(i int) bool { return list[i] >= id })
	if i < len(list) && list[i] == id {
		return list
	}
	list = append(list, 0)
	copy(list[i+1:], list[i:])
	list[i] = id
	return list
}

func removeSorted(list []uint64, id uint64) []uint64 {
	i := sort.Search(len(list), func(i int) bool { return list[i] >= id })
	if i < len(list) && list[i] == id {
		return append(list[:i], list[i+1:]...)
	}
	return list
}

func intersectSorted(a, b []uint64) []uint64 {
	out := make([]uint64, 0, min(len(a), len(b)))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}

func mergeSorted(a, b []uint64) []uint64 {
	out := make([]uint64, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			out = append(out, a[i])
			i++
		default:
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

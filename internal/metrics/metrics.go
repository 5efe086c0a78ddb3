// Package metrics provides two ports.Metrics implementations: a no-op sink
// that discards every observation, and a stats-backed Summary that keeps
// enough round-latency history to answer p50/p99 queries for an operator
// CLI, per spec.md 9's metrics registry. cmd/nilvmd and cmd/nilvmctl both
// wire in Summary.
package metrics

import (
	"sort"
	"sync"

	"github.com/montanaflynn/stats"

	"github.com/nilvm/engine/internal/ports"
)

// NoOp discards every observation. It is the default for tests and for
// any run that has no metrics consumer.
type NoOp struct{}

func (NoOp) IncInstances(kind string, delta int)             {}
func (NoOp) ObserveRoundLatency(kind string, seconds float64) {}

var _ ports.Metrics = NoOp{}

// maxSamplesPerKind caps the retained latency history per instance kind,
// so a long-running node's memory use does not grow with its uptime.
const maxSamplesPerKind = 4096

// Summary is a process-local ports.Metrics backed by github.com/
// montanaflynn/stats: it keeps a bounded ring of recent round latencies
// per instance kind and an instance counter, and reports p50/p99 latency
// plus instance totals on demand via Snapshot.
type Summary struct {
	mu        sync.Mutex
	instances map[string]int
	latencies map[string][]float64
}

// NewSummary builds an empty Summary.
func NewSummary() *Summary {
	return &Summary{
		instances: make(map[string]int),
		latencies: make(map[string][]float64),
	}
}

// IncInstances implements ports.Metrics.
func (s *Summary) IncInstances(kind string, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[kind] += delta
}

// ObserveRoundLatency implements ports.Metrics. When a kind's history
// exceeds maxSamplesPerKind, the oldest sample is dropped.
func (s *Summary) ObserveRoundLatency(kind string, seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.latencies[kind]
	if len(hist) >= maxSamplesPerKind {
		hist = hist[1:]
	}
	s.latencies[kind] = append(hist, seconds)
}

// KindSummary is one instance kind's reported counters.
type KindSummary struct {
	Kind      string
	Instances int
	P50       float64
	P99       float64
	Samples   int
}

// Snapshot reports every observed kind's instance count and p50/p99 round
// latency, sorted by kind name for stable CLI output. A kind with no
// latency samples reports zero percentiles.
func (s *Summary) Snapshot() ([]KindSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kinds := make(map[string]struct{}, len(s.instances)+len(s.latencies))
	for k := range s.instances {
		kinds[k] = struct{}{}
	}
	for k := range s.latencies {
		kinds[k] = struct{}{}
	}
	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make([]KindSummary, 0, len(names))
	for _, k := range names {
		ks := KindSummary{Kind: k, Instances: s.instances[k], Samples: len(s.latencies[k])}
		if ks.Samples > 0 {
			data := stats.Float64Data(append([]float64(nil), s.latencies[k]...))
			p50, err := data.Percentile(50)
			if err != nil {
				return nil, err
			}
			p99, err := data.Percentile(99)
			if err != nil {
				return nil, err
			}
			ks.P50, ks.P99 = p50, p99
		}
		out = append(out, ks)
	}
	return out, nil
}

var _ ports.Metrics = (*Summary)(nil)

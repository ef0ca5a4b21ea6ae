// Package results aggregates dispatch outcomes and verifies quota
// enforcement over the aggregate.
package results

import (
	"slices"
	"time"

	"github.com/webhookscc/hookload/internal/receiver"
	"github.com/webhookscc/hookload/internal/workload"
)

// EndpointResult holds the per-endpoint counters and the latency samples in
// completion order.
type EndpointResult struct {
	Slug      string
	UserIdx   int
	Accepted  int
	Rejected  int
	Errored   int
	Latencies []time.Duration
}

// Total is accepted + rejected + errored, which must equal the number of
// requests issued to the endpoint.
func (e *EndpointResult) Total() int {
	return e.Accepted + e.Rejected + e.Errored
}

// UserTotals are the per-user counts derived by summing over the user's
// endpoint set.
type UserTotals struct {
	Accepted int
	Rejected int
}

// Aggregator is the single consumption point for dispatch outcomes. All
// counter updates happen on the one goroutine running Run, so arbitrary
// completion order from the pool needs no per-endpoint locking.
type Aggregator struct {
	endpoints map[string]*EndpointResult
	done      chan struct{}
}

// NewAggregator creates an aggregator with one zeroed result per slug.
// slugToUser maps each endpoint slug to its owning user index; ownership is
// fixed at seed time and never changes.
func NewAggregator(slugToUser map[string]int) *Aggregator {
	endpoints := make(map[string]*EndpointResult, len(slugToUser))
	for slug, userIdx := range slugToUser {
		endpoints[slug] = &EndpointResult{Slug: slug, UserIdx: userIdx}
	}
	return &Aggregator{
		endpoints: endpoints,
		done:      make(chan struct{}),
	}
}

// Run consumes outcomes until the channel closes. Call Wait before reading
// any aggregated state.
func (a *Aggregator) Run(outcomes <-chan workload.Outcome) {
	defer close(a.done)
	for o := range outcomes {
		r, ok := a.endpoints[o.Slug]
		if !ok {
			continue
		}
		switch o.Class {
		case receiver.Accepted:
			r.Accepted++
		case receiver.Rejected:
			r.Rejected++
		default:
			r.Errored++
		}
		r.Latencies = append(r.Latencies, o.Latency)
	}
}

// Wait blocks until Run has consumed the full outcome stream. Counters are
// frozen afterwards.
func (a *Aggregator) Wait() {
	<-a.done
}

// Endpoints returns the per-endpoint results. Only valid after Wait.
func (a *Aggregator) Endpoints() map[string]*EndpointResult {
	return a.endpoints
}

// AcceptedBySlug returns each endpoint's accepted count. Only valid after
// Wait.
func (a *Aggregator) AcceptedBySlug() map[string]int {
	out := make(map[string]int, len(a.endpoints))
	for slug, r := range a.endpoints {
		out[slug] = r.Accepted
	}
	return out
}

// UserTotals derives per-user accepted/rejected counts. Only valid after
// Wait.
func (a *Aggregator) UserTotals() map[int]UserTotals {
	out := make(map[int]UserTotals)
	for _, r := range a.endpoints {
		t := out[r.UserIdx]
		t.Accepted += r.Accepted
		t.Rejected += r.Rejected
		out[r.UserIdx] = t
	}
	return out
}

// Summary holds run-wide totals and global latency percentiles.
type Summary struct {
	Elapsed  time.Duration
	Total    int
	Accepted int
	Rejected int
	Errored  int
	RPS      float64
	P50      time.Duration
	P99      time.Duration
	P999     time.Duration
}

// Summary computes run totals and p50/p99/p99.9 over the full sorted
// latency sample. Only valid after Wait.
func (a *Aggregator) Summary(elapsed time.Duration) Summary {
	s := Summary{Elapsed: elapsed}
	var lats []time.Duration
	for _, r := range a.endpoints {
		s.Accepted += r.Accepted
		s.Rejected += r.Rejected
		s.Errored += r.Errored
		lats = append(lats, r.Latencies...)
	}
	s.Total = s.Accepted + s.Rejected + s.Errored
	if elapsed > 0 {
		s.RPS = float64(s.Total) / elapsed.Seconds()
	}
	if len(lats) > 0 {
		slices.Sort(lats)
		n := len(lats)
		s.P50 = lats[percentileIndex(n, 50)]
		s.P99 = lats[percentileIndex(n, 99)]
		s.P999 = lats[permilleIndex(n, 999)]
	}
	return s
}

// Package elector implements the endpoint elector (spec.md §4.C): it
// probes every candidate URL in parallel, ranks the results, caches the
// winner, and re-elects on a single-flight basis so concurrent callers
// never trigger duplicate election rounds.
package elector

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/PayRpc/ledger-client-go/internal/breaker"
	"github.com/PayRpc/ledger-client-go/internal/clockenv"
	"github.com/PayRpc/ledger-client-go/internal/endpoint"
	"github.com/PayRpc/ledger-client-go/internal/metrics"
	"go.uber.org/zap"
)

// Options configures the elector's timing. Field names mirror spec.md §6.
type Options struct {
	MaxLatency                time.Duration
	LatencyDetectionFrequency time.Duration
}

// Elector owns the candidate URL list (immutable after construction per
// spec.md invariant 2) and the cached winning endpoint.
type Elector struct {
	env     clockenv.Env
	logger  *zap.Logger
	opts    Options
	breaker *breaker.Registry

	candidates []*endpoint.Endpoint

	mu        sync.RWMutex
	winner    *endpoint.Endpoint
	probedAt  uint64 // env.now_ms() at the time the winner was chosen

	group singleflight.Group // single-flight guard for invariant 1
}

// New constructs an Elector over an immutable candidate list. The list
// must be non-empty (config.Config.Validate enforces this upstream).
func New(env clockenv.Env, logger *zap.Logger, urls []string, opts Options) *Elector {
	candidates := make([]*endpoint.Endpoint, len(urls))
	for i, u := range urls {
		candidates[i] = endpoint.New(u)
	}
	return &Elector{
		env:        env,
		logger:     logger,
		opts:       opts,
		breaker:    breaker.NewRegistry(logger),
		candidates: candidates,
	}
}

// Candidates returns the full, immutable candidate list in configured
// order. Used by the message sender (spec.md §4.E) to obtain the full
// endpoint set for fan-out.
func (el *Elector) Candidates() []*endpoint.Endpoint {
	out := make([]*endpoint.Endpoint, len(el.candidates))
	copy(out, el.candidates)
	return out
}

// GetQueryEndpoint returns the cached winner if it is still fresh, or
// triggers a single in-flight election that concurrent callers all await
// (spec.md invariant 1, §4.C.5).
func (el *Elector) GetQueryEndpoint(ctx context.Context) (*endpoint.Endpoint, error) {
	if w := el.cachedWinner(); w != nil {
		return w, nil
	}
	return el.elect(ctx)
}

// Invalidate drops the cached winner so the next GetQueryEndpoint call
// triggers a fresh election (spec.md §4.C.4, §4.D "endpoint invalidation").
func (el *Elector) Invalidate() {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.winner = nil
}

// MaybeReelectDeferred implements the "deferred re-election" piggy-back
// check (spec.md §4.C.4): if the winner is stale enough to warrant a
// latency recheck, the caller (ServerLink) merges a q2 selection into its
// query; this method is invoked with the resulting server time delta to
// decide whether to invalidate.
func (el *Elector) MaybeReelectDeferred(serverTimeDeltaMs int64) {
	if time.Duration(serverTimeDeltaMs)*time.Millisecond > el.opts.MaxLatency {
		el.Invalidate()
	}
}

// DueForLatencyCheck reports whether the cached winner is old enough that
// a piggy-back latency check should be merged into the next query.
func (el *Elector) DueForLatencyCheck() bool {
	el.mu.RLock()
	defer el.mu.RUnlock()
	if el.winner == nil {
		return false
	}
	return el.env.NowMs()-el.probedAt >= uint64(el.opts.LatencyDetectionFrequency.Milliseconds())
}

// cachedWinner returns the cached winner if one exists. Staleness (past
// latency_detection_frequency) does not invalidate the cache by itself;
// per spec.md §4.C.3-4 it only triggers a piggy-back recheck on the next
// query, and only a failed recheck invalidates.
func (el *Elector) cachedWinner() *endpoint.Endpoint {
	el.mu.RLock()
	defer el.mu.RUnlock()
	return el.winner
}

// elect runs a single-flight election round. Concurrent callers collapse
// onto one in-flight round and all observe its result (spec.md §4.C.5).
func (el *Elector) elect(ctx context.Context) (*endpoint.Endpoint, error) {
	v, err, _ := el.group.Do("election", func() (interface{}, error) {
		return el.runElection(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*endpoint.Endpoint), nil
}

// runElection launches one probe per candidate in parallel, bounded by an
// overall deadline of max_latency * 2, then ranks results (spec.md
// §4.C.1-2).
func (el *Elector) runElection(ctx context.Context) (*endpoint.Endpoint, error) {
	start := time.Now()
	deadline := el.opts.MaxLatency * 2
	roundCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	// A tripped-open breaker skips the probe outright rather than waiting
	// out a dead host's timeout every round. If every candidate is
	// currently tripped, probe all of them anyway so the election still
	// makes progress instead of returning no winner at all.
	allowed := make([]bool, len(el.candidates))
	anyAllowed := false
	for i, c := range el.candidates {
		allowed[i] = el.breaker.Allow(c.Identity())
		anyAllowed = anyAllowed || allowed[i]
	}
	if !anyAllowed {
		for i := range allowed {
			allowed[i] = true
		}
	}

	results := make([]endpoint.ProbeResult, len(el.candidates))
	var wg sync.WaitGroup
	for i, c := range el.candidates {
		if !allowed[i] {
			results[i] = endpoint.ProbeResult{Endpoint: c}
			continue
		}
		wg.Add(1)
		go func(i int, c *endpoint.Endpoint) {
			defer wg.Done()
			results[i] = endpoint.Probe(roundCtx, el.env, c, el.opts.MaxLatency, deadline)
			if results[i].Err != nil {
				el.breaker.RecordFailure(c.Identity())
			} else {
				el.breaker.RecordSuccess(c.Identity())
			}
		}(i, c)
	}
	wg.Wait()

	winner, outcome := rank(results)
	metrics.ElectionDuration.Observe(time.Since(start).Seconds())
	metrics.ElectionsTotal.WithLabelValues(outcome).Inc()

	if el.logger != nil {
		el.logger.Debug("election round complete",
			zap.String("winner", winner.URL),
			zap.String("outcome", outcome),
			zap.Duration("elapsed", time.Since(start)))
	}

	el.mu.Lock()
	el.winner = winner
	el.probedAt = el.env.NowMs()
	el.mu.Unlock()

	return winner, nil
}

// rank implements spec.md §4.C.2: prefer the Healthy probe with lowest
// latency; if none are Healthy, prefer the lowest server_time_delta.
// Ties break to configured-list order, which is preserved because both
// orderings use a stable sort over results kept in candidate order.
func rank(results []endpoint.ProbeResult) (*endpoint.Endpoint, string) {
	var healthy []endpoint.ProbeResult
	for _, r := range results {
		if r.Endpoint.State() == endpoint.StateHealthy {
			healthy = append(healthy, r)
		}
	}

	if len(healthy) > 0 {
		sort.SliceStable(healthy, func(i, j int) bool {
			return healthy[i].Latency < healthy[j].Latency
		})
		return healthy[0].Endpoint, "healthy"
	}

	sorted := append([]endpoint.ProbeResult(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Endpoint.ServerTimeDeltaMs() < sorted[j].Endpoint.ServerTimeDeltaMs()
	})
	return sorted[0].Endpoint, "fallback_stale"
}

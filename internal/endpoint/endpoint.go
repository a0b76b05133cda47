// Package endpoint implements the endpoint descriptor: URL normalization,
// per-endpoint health stats, latency, and server-time offset (spec.md §4.B).
package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PayRpc/ledger-client-go/internal/clockenv"
	"github.com/PayRpc/ledger-client-go/internal/nwerrors"
)

// State is the health classification of an endpoint.
type State int

const (
	StateUnknown State = iota
	StateHealthy
	StateBad
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateBad:
		return "bad"
	default:
		return "unknown"
	}
}

// Info is the parsed reply of the `info { version, time, lastBlockTime }`
// probe query.
type Info struct {
	Version       string `json:"version"`
	Time          int64  `json:"time"`
	LastBlockTime int64  `json:"lastBlockTime"`
}

// Stats is the mutable, append-only health record for one endpoint.
// Reads and writes go through a fine-grained per-endpoint lock so no
// caller ever observes a torn latency/counter pair (spec.md §5).
type Stats struct {
	mu                sync.RWMutex
	latency           time.Duration
	serverTimeDeltaMs int64
	lastCheckedAt     uint64
	state             State
	failureCount      int64
}

func (s *Stats) snapshot() (time.Duration, int64, uint64, State) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latency, s.serverTimeDeltaMs, s.lastCheckedAt, s.state
}

func (s *Stats) setProbeResult(latency time.Duration, serverTimeDeltaMs int64, probedAt uint64, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = latency
	s.serverTimeDeltaMs = serverTimeDeltaMs
	s.lastCheckedAt = probedAt
	s.state = state
}

// MessageUndelivered increments the failure counter (spec.md §3 EndpointStat).
func (s *Stats) MessageUndelivered() {
	atomic.AddInt64(&s.failureCount, 1)
}

// MessageDelivered decrements the failure counter to a floor of zero.
func (s *Stats) MessageDelivered() {
	for {
		cur := atomic.LoadInt64(&s.failureCount)
		if cur <= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&s.failureCount, cur, cur-1) {
			return
		}
	}
}

func (s *Stats) FailureCount() int64 {
	return atomic.LoadInt64(&s.failureCount)
}

// Endpoint is an immutable URL plus its mutable Stats. Identity for
// equality comparisons is the normalized URL (scheme and trailing
// /graphql stripped); the full URL is retained for requests.
type Endpoint struct {
	URL        string // full URL used for requests
	normalized string // normalized identity

	Stats *Stats
}

// New constructs an Endpoint, normalizing the URL for identity comparisons
// while keeping the original for requests.
func New(rawURL string) *Endpoint {
	return &Endpoint{
		URL:        rawURL,
		normalized: Normalize(rawURL),
		Stats:      &Stats{},
	}
}

// Normalize strips a scheme prefix and trailing /graphql suffix so two
// spellings of the same endpoint compare equal (spec.md §3, §4.B).
func Normalize(rawURL string) string {
	u := rawURL
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "http://")
	u = strings.TrimSuffix(u, "/graphql")
	u = strings.TrimSuffix(u, "/")
	return u
}

// Identity returns the normalized identity used for equality.
func (e *Endpoint) Identity() string {
	return e.normalized
}

// GraphQLURL returns the full URL with a /graphql suffix appended if the
// stored URL didn't already carry one, for the wire protocol in spec.md §6.
func (e *Endpoint) GraphQLURL() string {
	if strings.HasSuffix(e.URL, "/graphql") {
		return e.URL
	}
	return strings.TrimSuffix(e.URL, "/") + "/graphql"
}

// Latency, ServerTimeDeltaMs, LastCheckedAt, State return a consistent
// snapshot of the endpoint's current stats.
func (e *Endpoint) Latency() time.Duration {
	lat, _, _, _ := e.Stats.snapshot()
	return lat
}

func (e *Endpoint) ServerTimeDeltaMs() int64 {
	_, delta, _, _ := e.Stats.snapshot()
	return delta
}

func (e *Endpoint) LastCheckedAt() uint64 {
	_, _, at, _ := e.Stats.snapshot()
	return at
}

func (e *Endpoint) State() State {
	_, _, _, st := e.Stats.snapshot()
	return st
}

// ProbeResult is the outcome of one info{} probe round trip.
type ProbeResult struct {
	Endpoint *Endpoint
	Info     Info
	Latency  time.Duration
	Err      error
}

// Probe sends the `info { version, time, lastBlockTime }` query (spec.md
// §4.B, §6) and records round-trip duration and server time delta. An
// endpoint is Healthy iff the probe returned a syntactically valid info
// payload AND server_time_delta <= maxLatency.
func Probe(ctx context.Context, env clockenv.Env, e *Endpoint, maxLatency time.Duration, probeTimeout time.Duration) ProbeResult {
	body := []byte(`{"query":"query{info{version time lastBlockTime}}"}`)
	startMs := env.NowMs()

	resp, err := env.Fetch(ctx, clockenv.FetchRequest{
		URL:       e.GraphQLURL(),
		Method:    "POST",
		Headers:   map[string]string{"Content-Type": "application/json"},
		Body:      body,
		TimeoutMs: probeTimeout.Milliseconds(),
	})
	now := env.NowMs()
	// Measured against the injected env clock, not wall time, so a Mock's
	// canned delay deterministically becomes the observed probe latency.
	latency := time.Duration(now-startMs) * time.Millisecond

	// A probe that never got a usable reply is strictly worse than one that
	// replied with stale-but-present data, so it must never look "least
	// stale" in the fallback ranking; sentinel it to the worst possible delta.
	const unreachableDelta = int64(1) << 62

	if err != nil {
		e.Stats.setProbeResult(latency, unreachableDelta, now, StateBad)
		return ProbeResult{Endpoint: e, Latency: latency, Err: nwerrors.NetworkError("probe failed", err).WithEndpoint(e.URL)}
	}
	if resp.Status >= 500 {
		e.Stats.setProbeResult(latency, unreachableDelta, now, StateBad)
		return ProbeResult{Endpoint: e, Latency: latency, Err: nwerrors.NetworkError(fmt.Sprintf("probe http %d", resp.Status), nil).WithEndpoint(e.URL)}
	}

	var envelope struct {
		Data struct {
			Info Info `json:"info"`
		} `json:"data"`
		Errors []interface{} `json:"errors"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		e.Stats.setProbeResult(latency, unreachableDelta, now, StateBad)
		return ProbeResult{Endpoint: e, Latency: latency, Err: nwerrors.InvalidData("malformed probe response", err).WithEndpoint(e.URL)}
	}
	if len(envelope.Errors) > 0 || envelope.Data.Info.LastBlockTime == 0 {
		e.Stats.setProbeResult(latency, unreachableDelta, now, StateBad)
		return ProbeResult{Endpoint: e, Latency: latency, Err: nwerrors.InvalidData("invalid info payload", nil).WithEndpoint(e.URL)}
	}

	delta := int64(now) - envelope.Data.Info.LastBlockTime
	state := StateBad
	if delta <= maxLatency.Milliseconds() {
		state = StateHealthy
	}
	e.Stats.setProbeResult(latency, delta, now, state)

	return ProbeResult{Endpoint: e, Info: envelope.Data.Info, Latency: latency}
}

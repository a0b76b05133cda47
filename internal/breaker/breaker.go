// Package breaker tracks per-endpoint transport health with a circuit
// breaker, adapted from the teacher's internal/circuitbreaker package:
// same State naming and zap-logged transitions, but backed by the real
// github.com/sony/gobreaker implementation instead of a hand-rolled state
// machine, since the teacher's own go.mod already calls for gobreaker.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// State mirrors the teacher's circuitbreaker.State naming so log lines and
// metrics read the same way across both codebases.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Config configures one endpoint's breaker.
type Config struct {
	MaxFailures      uint32
	ResetTimeout     time.Duration
	HalfOpenMaxCalls uint32
}

func defaultConfig() Config {
	return Config{MaxFailures: 5, ResetTimeout: 30 * time.Second, HalfOpenMaxCalls: 1}
}

// Registry owns one gobreaker.TwoStepCircuitBreaker per endpoint identity,
// created lazily, the way the elector owns one Stats per endpoint.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	logger   *zap.Logger
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{cfg: defaultConfig(), logger: logger, breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker)}
}

func (r *Registry) get(identity string) *gobreaker.TwoStepCircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[identity]; ok {
		return cb
	}
	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        identity,
		MaxRequests: r.cfg.HalfOpenMaxCalls,
		Timeout:     r.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if r.logger != nil {
				r.logger.Info("endpoint breaker state change",
					zap.String("endpoint", name),
					zap.String("from", fromGobreaker(from).String()),
					zap.String("to", fromGobreaker(to).String()))
			}
		},
	})
	r.breakers[identity] = cb
	return cb
}

// Allow reports whether a transport attempt to this endpoint is currently
// permitted (the breaker is not open).
func (r *Registry) Allow(identity string) bool {
	return r.State(identity) != StateOpen
}

// RecordSuccess and RecordFailure feed the breaker's failure window. The
// spec's own endpoint health (endpoint.State) is the source of truth for
// election ranking; this breaker only short-circuits obviously dead
// endpoints between probes so an election round doesn't wait out a dead
// host's full timeout on every cycle.
func (r *Registry) RecordSuccess(identity string) {
	cb := r.get(identity)
	done, err := cb.Allow()
	if err != nil {
		return
	}
	done(true)
}

func (r *Registry) RecordFailure(identity string) {
	cb := r.get(identity)
	done, err := cb.Allow()
	if err != nil {
		return
	}
	done(false)
}

// State returns the current breaker state for an endpoint, for
// diagnostics.
func (r *Registry) State(identity string) State {
	return fromGobreaker(r.get(identity).State())
}

func (r *Registry) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("breaker.Registry{endpoints=%d}", len(r.breakers))
}

// Package ratelimit paces outbound calls to the external services. One Guard
// exists per service and is shared by every lane that talks to it.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/metrics"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

const (
	fallbackCooldown     = 30 * time.Second
	maxCooldown          = 30 * time.Minute
	breakerFailureStreak = 5
	breakerOpenFor       = 60 * time.Second
)

// Defaults returns per-service bucket settings matching the documented
// provider limits. Rate is tokens per second.
func Defaults() map[types.ServiceName]types.RateLimitConfig {
	return map[types.ServiceName]types.RateLimitConfig{
		types.ServiceFitbit: {Rate: 150.0 / 3600.0, Burst: 30},
		types.ServiceOmron:  {Rate: 1, Burst: 10},
		types.ServiceGarmin: {Rate: 5, Burst: 5},
	}
}

// Guard paces calls to one external service. It combines a token bucket, a
// hard-limit cool-down entered on provider 429s, and a failure-streak breaker.
type Guard struct {
	service types.ServiceName
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	mu            sync.Mutex
	cooldownUntil time.Time
	nextFallback  time.Duration
	hardLimits    int
}

// New creates a Guard for service with the given bucket settings.
func New(service types.ServiceName, cfg types.RateLimitConfig) *Guard {
	g := &Guard{
		service:      service,
		limiter:      rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		nextFallback: fallbackCooldown,
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(service),
		MaxRequests: 1,
		Timeout:     breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureStreak
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			// Only errors that suggest the service itself is struggling
			// count toward opening the circuit.
			switch types.Classify(err) {
			case types.FailureTransient, types.FailureTimeout:
				return false
			}
			return true
		},
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			metrics.SetBreakerState(service, breakerStateValue(to))
		},
	})
	metrics.SetBreakerState(service, breakerStateValue(gobreaker.StateClosed))
	return g
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// Acquire blocks cooperatively until a token is available or ctx is done.
// During a hard-limit cool-down it fails fast with a RateLimitedError
// carrying the remaining wait instead of queuing.
func (g *Guard) Acquire(ctx context.Context) error {
	g.mu.Lock()
	remaining := time.Until(g.cooldownUntil)
	g.mu.Unlock()
	if remaining > 0 {
		return &types.RateLimitedError{Service: g.service, RetryAfter: remaining}
	}
	if g.limiter.Tokens() < 1 {
		metrics.ObserveRateLimitWait(g.service)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("acquiring %s slot: %w", g.service, err)
	}
	return nil
}

// Execute acquires a slot and runs fn through the breaker. A RateLimitedError
// returned by fn starts the cool-down; an open breaker surfaces as an
// immediate error that classifies as transient.
func (g *Guard) Execute(ctx context.Context, fn func() error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	_, err := g.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == nil {
		g.mu.Lock()
		g.nextFallback = fallbackCooldown
		g.mu.Unlock()
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s circuit open: %w", g.service, err)
	}
	var rl *types.RateLimitedError
	if errors.As(err, &rl) {
		g.ReportHardLimit(rl.RetryAfter)
	}
	return err
}

// ReportHardLimit starts a cool-down after a provider-reported hard limit.
// Without a provider duration the fallback doubles per consecutive hard
// limit, capped at maxCooldown. A later end never shortens an earlier one.
func (g *Guard) ReportHardLimit(retryAfter time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hardLimits++
	if retryAfter <= 0 {
		retryAfter = g.nextFallback
		g.nextFallback *= 2
		if g.nextFallback > maxCooldown {
			g.nextFallback = maxCooldown
		}
	}
	if until := time.Now().Add(retryAfter); until.After(g.cooldownUntil) {
		g.cooldownUntil = until
	}
}

// Status is a point-in-time view of a guard for the status surface.
type Status struct {
	Service        types.ServiceName `json:"service"`
	Breaker        string            `json:"breaker"`
	CoolingDown    bool              `json:"cooling_down"`
	CooldownEndsAt *time.Time        `json:"cooldown_ends_at,omitempty"`
	HardLimits     int               `json:"hard_limits"`
}

// Status reports the guard's current breaker and cool-down state.
func (g *Guard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := Status{
		Service:    g.service,
		Breaker:    g.breaker.State().String(),
		HardLimits: g.hardLimits,
	}
	if time.Now().Before(g.cooldownUntil) {
		st.CoolingDown = true
		ends := g.cooldownUntil
		st.CooldownEndsAt = &ends
	}
	return st
}

// Set holds one guard per external service.
type Set map[types.ServiceName]*Guard

// NewSet builds guards for every known service, applying overrides on top of
// the documented defaults.
func NewSet(overrides map[types.ServiceName]types.RateLimitConfig) Set {
	cfgs := Defaults()
	for svc, cfg := range overrides {
		cfgs[svc] = cfg
	}
	set := make(Set, len(cfgs))
	for svc, cfg := range cfgs {
		set[svc] = New(svc, cfg)
	}
	return set
}

// Statuses returns guard snapshots sorted by service name.
func (s Set) Statuses() []Status {
	out := make([]Status, 0, len(s))
	for _, g := range s {
		out = append(out, g.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

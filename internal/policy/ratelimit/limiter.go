// Package ratelimit paces work units with a token bucket plus a random
// human-like pause.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds pacer configuration.
type Config struct {
	// UnitsPerMinute caps the sustained rate; <= 0 disables the cap.
	UnitsPerMinute float64
	Burst          int
	MinDelay       time.Duration
	MaxDelay       time.Duration
}

// Option customises a Pacer.
type Option func(*Pacer)

// WithRand fixes the jitter source.
func WithRand(r *rand.Rand) Option {
	return func(p *Pacer) { p.rng = r }
}

// WithObserver receives the total delay of every Wait.
func WithObserver(fn func(time.Duration)) Option {
	return func(p *Pacer) { p.observe = fn }
}

// Pacer spaces work units.
type Pacer struct {
	limiter *rate.Limiter
	min     time.Duration
	max     time.Duration

	mu      sync.Mutex
	rng     *rand.Rand
	observe func(time.Duration)
}

// New creates a Pacer.
func New(cfg Config, opts ...Option) *Pacer {
	limit := rate.Inf
	if cfg.UnitsPerMinute > 0 {
		limit = rate.Limit(cfg.UnitsPerMinute / 60)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	p := &Pacer{
		limiter: rate.NewLimiter(limit, burst),
		min:     cfg.MinDelay,
		max:     cfg.MaxDelay,
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Jitter draws a pause uniformly from [MinDelay, MaxDelay].
func (p *Pacer) Jitter() time.Duration {
	if p.max <= p.min {
		return p.min
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.min + time.Duration(p.rng.Int64N(int64(p.max-p.min)+1))
}

// Wait sleeps for a jittered pause and then for a token, returning early
// when ctx is cancelled.
func (p *Pacer) Wait(ctx context.Context) error {
	start := time.Now()
	if d := p.Jitter(); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("pacer wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if p.observe != nil {
		p.observe(time.Since(start))
	}
	return nil
}

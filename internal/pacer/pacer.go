// Package pacer spaces out a worker's tasks and trips a local circuit breaker
// after repeated soft failures. Each worker owns its own Pacer; nothing here
// coordinates across workers.
package pacer

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
)

const defaultPollInterval = 250 * time.Millisecond

// Config controls pacing and the breaker.
type Config struct {
	MinInterval                time.Duration
	MaxInterval                time.Duration
	MaxConsecutiveSoftFailures int
	Cooldown                   time.Duration
	// NavigationsPerMinute caps navigations and reloads when > 0.
	NavigationsPerMinute int
	// PollInterval bounds how long a sleep runs before the stop signal is
	// checked again.
	PollInterval time.Duration
}

// Pacer owns the inter-task delay, the navigation ceiling, and the breaker
// for a single worker.
type Pacer struct {
	cfg     Config
	clock   collector.Clock
	stop    collector.StopSignal
	limiter *rate.Limiter
	breaker *Breaker
	jitter  func(limit time.Duration) time.Duration
	logger  *zap.Logger
}

// Option customizes a Pacer.
type Option func(*Pacer)

// WithJitter overrides the random source used for pacing delays.
func WithJitter(fn func(limit time.Duration) time.Duration) Option {
	return func(p *Pacer) {
		if fn != nil {
			p.jitter = fn
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pacer) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New builds a Pacer. stop may be nil when no cooperative cancellation is
// needed.
func New(cfg Config, clock collector.Clock, stop collector.StopSignal, opts ...Option) (*Pacer, error) {
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.MinInterval < 0 || cfg.MaxInterval < cfg.MinInterval {
		return nil, fmt.Errorf("invalid pacing range %v..%v", cfg.MinInterval, cfg.MaxInterval)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	p := &Pacer{
		cfg:     cfg,
		clock:   clock,
		stop:    stop,
		breaker: NewBreaker(cfg.MaxConsecutiveSoftFailures),
		jitter:  randomJitter,
		logger:  zap.NewNop(),
	}
	if cfg.NavigationsPerMinute > 0 {
		p.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.NavigationsPerMinute)), 1)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Breaker exposes the failure counter for inspection.
func (p *Pacer) Breaker() *Breaker {
	return p.breaker
}

// Delay draws the next inter-task delay, uniform in [min, max].
func (p *Pacer) Delay() time.Duration {
	spread := p.cfg.MaxInterval - p.cfg.MinInterval
	if spread <= 0 {
		return p.cfg.MinInterval
	}
	return p.cfg.MinInterval + p.jitter(spread)
}

// Pace sleeps for one inter-task delay. It returns false when the stop signal
// or ctx ended the wait early.
func (p *Pacer) Pace(ctx context.Context) bool {
	return p.Sleep(ctx, p.Delay())
}

// Wait blocks until the navigation ceiling admits one more navigation.
func (p *Pacer) Wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("navigation rate wait: %w", err)
	}
	return nil
}

// RecordSuccess resets the consecutive soft failure counter.
func (p *Pacer) RecordSuccess() {
	p.breaker.Reset()
}

// RecordSoftFailure counts a soft failure. When the breaker trips the worker
// cools down before returning, and the counter is reset. It reports whether a
// cooldown happened.
func (p *Pacer) RecordSoftFailure(ctx context.Context) bool {
	if !p.breaker.Fail() {
		return false
	}
	p.logger.Warn("circuit breaker tripped; cooling down",
		zap.Int("consecutive_soft_failures", p.breaker.Consecutive()),
		zap.Duration("cooldown", p.cfg.Cooldown),
	)
	p.Sleep(ctx, p.cfg.Cooldown)
	p.breaker.Reset()
	return true
}

// Sleep waits for d in PollInterval slices, checking the stop signal between
// slices. It returns true when the full duration elapsed.
func (p *Pacer) Sleep(ctx context.Context, d time.Duration) bool {
	for d > 0 {
		if p.stopped(ctx) {
			return false
		}
		slice := min(d, p.cfg.PollInterval)
		if err := p.clock.Sleep(ctx, slice); err != nil {
			return false
		}
		d -= slice
	}
	return !p.stopped(ctx)
}

func (p *Pacer) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return p.stop != nil && p.stop.IsSet(ctx)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)+1))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

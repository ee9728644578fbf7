// Package resolver drives a browser session to a usable page for one target,
// refreshing through transient error pages with escalating backoff.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
	"github.com/JakeFAU/ugc-ledger/internal/normalize"
)

// State is a step of the resolution state machine.
type State string

// Resolution states.
const (
	StateStart         State = "start"
	StateNavigated     State = "navigated"
	StateErrorDetected State = "error_detected"
	StateRefreshed     State = "refreshed"
	StateResolved      State = "resolved"
	StateExhausted     State = "exhausted"
)

const defaultStopPoll = 250 * time.Millisecond

var errStopped = errors.New("stop requested")

// Gate admits navigations; the pacer's navigation ceiling satisfies it.
type Gate interface {
	Wait(ctx context.Context) error
}

// Config controls retries and readiness waits.
type Config struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	ReadyTimeout time.Duration
}

// Result is the outcome of one resolution.
type Result struct {
	FinalTarget string
	// Confirmed is true when the page signalled that content is present.
	// An unconfirmed result is not a failure.
	Confirmed bool
	Refreshes int
	Trace     []State
}

// Final returns the terminal state.
func (r Result) Final() State {
	if len(r.Trace) == 0 {
		return StateStart
	}
	return r.Trace[len(r.Trace)-1]
}

// Resolver runs the state machine against a session.
type Resolver struct {
	cfg       Config
	extractor collector.Extractor
	clock     collector.Clock
	gate      Gate
	backoff   *Backoff
	stop      collector.StopSignal
	stopPoll  time.Duration
	logger    *zap.Logger
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithStop ends refresh backoff early once stop is raised. The wait is split
// into slices of poll so the signal is checked while sleeping.
func WithStop(stop collector.StopSignal, poll time.Duration) Option {
	return func(r *Resolver) {
		r.stop = stop
		if poll > 0 {
			r.stopPoll = poll
		}
	}
}

// New constructs a Resolver. gate may be nil.
func New(cfg Config, extractor collector.Extractor, clock collector.Clock, gate Gate, logger *zap.Logger, opts ...Option) *Resolver {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		cfg:       cfg,
		extractor: extractor,
		clock:     clock,
		gate:      gate,
		backoff:   NewBackoff(cfg.BaseDelay, cfg.MaxDelay),
		stopPoll:  defaultStopPoll,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve navigates to target and settles on a final page. It only returns an
// error when the session itself became unusable; that error wraps
// collector.ErrFatalFailure.
func (r *Resolver) Resolve(ctx context.Context, session collector.Session, target string) (Result, error) {
	target = normalize.Target(target)
	res := Result{FinalTarget: target, Trace: []State{StateStart}}

	if err := r.wait(ctx); err != nil {
		return r.exhaust(res, err), nil
	}
	navErr := session.Navigate(ctx, target)
	if err := fatal(navErr, session); err != nil {
		return res, err
	}
	for {
		res.Trace = append(res.Trace, StateNavigated)
		if navErr != nil {
			// A navigation timeout usually leaves a partially loaded page, so
			// the readiness and error checks still run.
			r.logger.Debug("navigation returned error", zap.String("target", target), zap.Error(navErr))
		}
		ready := r.extractor.WaitReady(ctx, session, r.cfg.ReadyTimeout)
		if err := fatal(nil, session); err != nil {
			return res, err
		}
		errorPage := r.extractor.DetectError(ctx, session)
		if err := fatal(nil, session); err != nil {
			return res, err
		}
		if !errorPage {
			final, err := r.location(ctx, session, target)
			if err != nil {
				return res, err
			}
			res.FinalTarget = final
			res.Confirmed = ready
			res.Trace = append(res.Trace, StateResolved)
			return res, nil
		}

		res.Trace = append(res.Trace, StateErrorDetected)
		if res.Refreshes >= r.cfg.MaxRetries {
			r.logger.Info("error page persisted; giving up",
				zap.String("target", target),
				zap.Int("refreshes", res.Refreshes),
			)
			return r.exhaust(res, nil), nil
		}
		delay := r.backoff.Delay(res.Refreshes)
		r.logger.Info("error page detected; refreshing",
			zap.String("target", target),
			zap.Int("attempt", res.Refreshes+1),
			zap.Int("max_retries", r.cfg.MaxRetries),
			zap.Duration("backoff", delay),
		)
		if err := r.sleep(ctx, delay); err != nil {
			return r.exhaust(res, err), nil
		}
		res.Refreshes++
		if err := r.wait(ctx); err != nil {
			return r.exhaust(res, err), nil
		}
		navErr = session.Reload(ctx)
		if err := fatal(navErr, session); err != nil {
			return res, err
		}
		res.Trace = append(res.Trace, StateRefreshed)
	}
}

func (r *Resolver) wait(ctx context.Context) error {
	if r.gate == nil {
		return nil
	}
	if err := r.gate.Wait(ctx); err != nil {
		return fmt.Errorf("gate: %w", err)
	}
	return nil
}

// sleep waits out a backoff delay, returning errStopped as soon as the stop
// signal is seen.
func (r *Resolver) sleep(ctx context.Context, d time.Duration) error {
	if r.stop == nil {
		return r.clock.Sleep(ctx, d)
	}
	for d > 0 {
		if r.stop.IsSet(ctx) {
			return errStopped
		}
		slice := min(d, r.stopPoll)
		if err := r.clock.Sleep(ctx, slice); err != nil {
			return err
		}
		d -= slice
	}
	if r.stop.IsSet(ctx) {
		return errStopped
	}
	return nil
}

func (r *Resolver) exhaust(res Result, cause error) Result {
	if cause != nil {
		r.logger.Debug("resolution cut short", zap.Error(cause))
	}
	res.Confirmed = false
	res.Trace = append(res.Trace, StateExhausted)
	return res
}

func (r *Resolver) location(ctx context.Context, session collector.Session, fallback string) (string, error) {
	loc, err := session.Location(ctx)
	if ferr := fatal(err, session); ferr != nil {
		return "", ferr
	}
	if err != nil || loc == "" || loc == "about:blank" {
		return fallback, nil
	}
	return loc, nil
}

// fatal returns a fatal error when err or the session state says the
// execution context is gone.
func fatal(err error, session collector.Session) error {
	if err != nil && collector.IsFatal(err) {
		return err
	}
	if serr := session.Err(); serr != nil {
		if collector.IsFatal(serr) {
			return serr
		}
		return fmt.Errorf("%w: %w", collector.ErrFatalFailure, serr)
	}
	return nil
}

package resilience

import (
	"context"
	"time"

	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"
)

// RetryConfig bounds the retry loop around one dependency call.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// AttemptTimeout caps a single attempt; zero means no per-attempt deadline.
	AttemptTimeout time.Duration
}

// Outcome labels used for metrics.
const (
	OutcomeSuccess     = "success"
	OutcomePermanent   = "permanent_error"
	OutcomeUnavailable = "unavailable"
	OutcomeCircuitOpen = "circuit_open"
)

// Guard wraps the outbound calls to one dependency with a breaker and a retry policy.
type Guard struct {
	name    string
	breaker *Breaker
	retry   RetryConfig
	// OnOutcome, when set, is told how each Call ended.
	OnOutcome func(dependency, outcome string)
}

// NewGuard creates a guard. The breaker must not be nil.
func NewGuard(breaker *Breaker, retry RetryConfig) *Guard {
	return &Guard{name: breaker.Name(), breaker: breaker, retry: retry}
}

// Name returns the dependency name.
func (g *Guard) Name() string { return g.name }

// Breaker returns the guard's circuit breaker.
func (g *Guard) Breaker() *Breaker { return g.breaker }

func (g *Guard) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if g.retry.InitialBackoff > 0 {
		b.InitialInterval = g.retry.InitialBackoff
	}
	if g.retry.MaxBackoff > 0 {
		b.MaxInterval = g.retry.MaxBackoff
	}
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	retries := g.retry.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Call runs fn under the breaker, retrying transient failures with exponential
// backoff. It returns nil, the *PermanentError from fn, or a
// *DependencyUnavailableError when the breaker is open or retries run out.
func (g *Guard) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := 0
	var lastErr error
	circuitOpen := false

	op := func() error {
		t, err := g.breaker.allow()
		if err != nil {
			circuitOpen = true
			lastErr = err
			return backoff.Permanent(err)
		}
		attempts++

		attemptCtx := ctx
		cancel := func() {}
		if g.retry.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, g.retry.AttemptTimeout)
		}
		err = fn(attemptCtx)
		cancel()

		switch {
		case err == nil:
			g.breaker.onSuccess(t)
			return nil
		case IsPermanent(err):
			// The dependency answered; it is healthy even if the request was bad.
			g.breaker.onSuccess(t)
			lastErr = err
			return backoff.Permanent(err)
		case ctx.Err() != nil:
			g.breaker.onAbandon(t)
			lastErr = ctx.Err()
			return backoff.Permanent(ctx.Err())
		case IsThrottled(err):
			// The dependency was never called.
			g.breaker.onAbandon(t)
			lastErr = err
			return err
		default:
			g.breaker.onFailure(t)
			lastErr = err
			return err
		}
	}

	notify := func(err error, wait time.Duration) {
		log.WithFields(log.Fields{
			"dependency": g.name,
			"attempt":    attempts,
			"wait":       wait.String(),
		}).Warnf("dependency call failed, retrying: %v", err)
	}

	err := backoff.RetryNotify(op, g.newBackOff(ctx), notify)
	switch {
	case err == nil:
		g.outcome(OutcomeSuccess)
		return nil
	case IsPermanent(lastErr) && !circuitOpen:
		g.outcome(OutcomePermanent)
		return lastErr
	case circuitOpen:
		g.outcome(OutcomeCircuitOpen)
		return &DependencyUnavailableError{Dependency: g.name, Attempts: attempts, Cause: ErrCircuitOpen}
	}
	g.outcome(OutcomeUnavailable)
	if lastErr == nil {
		lastErr = err
	}
	return &DependencyUnavailableError{Dependency: g.name, Attempts: attempts, Cause: lastErr}
}

func (g *Guard) outcome(o string) {
	if g.OnOutcome != nil {
		g.OnOutcome(g.name, o)
	}
}

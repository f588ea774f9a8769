package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// Policy is a bounded retry policy with capped exponential backoff.
//
// A zero Policy is usable: missing fields take the values from Default.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first one.
	MaxAttempts int
	// BaseDelay is the sleep before the second attempt.
	BaseDelay time.Duration
	// Multiplier grows the delay after every failed attempt.
	Multiplier float64
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// JitterFrac applies +/- jitter to backoff sleeps (0.2 = +/-20%). Zero disables jitter.
	JitterFrac float64

	// Retryable reports whether err deserves another attempt. Callers must
	// set it; a nil Retryable retries nothing.
	Retryable func(error) bool
	// OnRetry is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, err error, sleep time.Duration)
}

// Default returns the policy used when the configuration does not override it.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    8 * time.Second,
		JitterFrac:  0.2,
	}
}

func (p Policy) withDefaults() Policy {
	d := Default()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.JitterFrac < 0 {
		p.JitterFrac = 0
	}
	if p.Retryable == nil {
		p.Retryable = never
	}
	return p
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	if e == nil || e.Err == nil {
		return "retries exhausted"
	}
	return fmt.Sprintf("retries exhausted after %d attempts: %s", e.Attempts, e.Err.Error())
}

func (e *ExhaustedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// delayHint is implemented by errors that carry a server-provided minimum wait
// (for example a Retry-After header on a rate-limit response).
type delayHint interface {
	RetryAfter() time.Duration
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx is done. It returns the number of attempts made.
//
// attempt passed to fn is 1-based.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	p = p.withDefaults()
	tally := tallyFrom(ctx)

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, errors.Join(err, lastErr)
		}
		if tally != nil {
			tally.n.Add(1)
		}

		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt, errors.Join(ctxErr, err)
		}
		if !p.Retryable(err) {
			return attempt, err
		}
		if attempt >= p.MaxAttempts {
			return attempt, &ExhaustedError{Attempts: attempt, Err: err}
		}

		sleep := p.Backoff(attempt)
		var hint delayHint
		if errors.As(err, &hint) && hint.RetryAfter() > sleep {
			sleep = hint.RetryAfter()
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, sleep)
		}

		t := time.NewTimer(sleep)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return attempt, errors.Join(ctx.Err(), err)
		}
	}
}

// Backoff returns the sleep after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	sleep := p.BaseDelay
	for i := 1; i < attempt && sleep < p.MaxDelay; i++ {
		sleep = time.Duration(float64(sleep) * p.Multiplier)
		if sleep > p.MaxDelay {
			sleep = p.MaxDelay
			break
		}
	}
	if p.JitterFrac <= 0 {
		return sleep
	}
	// Apply +/- JitterFrac.
	j := 1 + (rand.Float64()*2-1)*p.JitterFrac
	return time.Duration(float64(sleep) * j)
}

func never(error) bool { return false }

// Tally counts attempts made by every Policy.Do call sharing a context.
type Tally struct {
	n atomic.Int64
}

// Attempts returns the number of attempts counted so far.
func (t *Tally) Attempts() int {
	if t == nil {
		return 0
	}
	return int(t.n.Load())
}

type tallyKey struct{}

// WithTally returns a context that counts every attempt made under it.
func WithTally(ctx context.Context) (context.Context, *Tally) {
	t := &Tally{}
	return context.WithValue(ctx, tallyKey{}, t), t
}

func tallyFrom(ctx context.Context) *Tally {
	t, _ := ctx.Value(tallyKey{}).(*Tally)
	return t
}

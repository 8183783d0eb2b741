// Package retry provides bounded exponential backoff around operations
// that may fail transiently.
//
// Attempts are unbounded: only the delay between attempts is capped. A
// dependency that stays down keeps the caller waiting, and every failed
// attempt is logged.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/BartekS5/moviesync/pkg/logger"
)

const (
	DefaultInitialDelay = 100 * time.Millisecond
	DefaultFactor       = 2.0
	DefaultMaxDelay     = 10 * time.Second
)

// Policy describes the delay schedule. The zero value is not useful; start
// from Default.
type Policy struct {
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration

	// Sleep waits between attempts. Nil means a timer honouring ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default returns the 100ms / x2 / 10s policy.
func Default() Policy {
	return Policy{
		InitialDelay: DefaultInitialDelay,
		Factor:       DefaultFactor,
		MaxDelay:     DefaultMaxDelay,
	}
}

// Delay returns the wait after the failure with 0-based index n:
// min(MaxDelay, InitialDelay * Factor^n).
func (p Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.Factor, float64(n))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Do runs op until it succeeds or fails with an error that is not
// transient. op is called once per attempt with the caller's ctx.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Infof("%s succeeded after %d retries", op, attempt)
			}
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return err
		}

		delay := p.Delay(attempt)
		logger.Errorf("%s failed (attempt %d), retrying in %v: %v", op, attempt+1, delay, err)
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

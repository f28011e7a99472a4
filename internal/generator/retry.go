package generator

import (
	"context"
	"errors"
	"math"
	"time"
)

// RetryPolicy bounds how a generation call is retried. Only transient
// failures are retried; MaxAttempts counts the first call.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	CallTimeout    time.Duration
	// Sleep waits between attempts; nil uses a timer that honours ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		Multiplier:     2,
		CallTimeout:    60 * time.Second,
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff is the delay after failed attempt n (1-based).
func (p RetryPolicy) Backoff(n int) time.Duration {
	if p.InitialBackoff <= 0 || n < 1 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(float64(p.InitialBackoff) * math.Pow(mult, float64(n-1)))
	if p.MaxBackoff > 0 && (d > p.MaxBackoff || d <= 0) {
		d = p.MaxBackoff
	}
	return d
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Attempt describes a failed call that is about to be retried.
type Attempt struct {
	Number  int
	Err     error
	Elapsed time.Duration
	Backoff time.Duration
}

type Result struct {
	Text     string
	Attempts int
}

// Invoke calls gen under the policy. onRetry, when set, runs after each
// transient failure that will be retried; an error from it aborts the call.
// The returned Result always carries the number of attempts made.
func Invoke(ctx context.Context, gen Generator, policy RetryPolicy, req Request, onRetry func(Attempt) error) (Result, error) {
	limit := policy.attempts()
	var last error
	for n := 1; n <= limit; n++ {
		if err := ctx.Err(); err != nil {
			return Result{Attempts: n - 1}, err
		}
		start := time.Now()
		text, err := call(ctx, gen, policy.CallTimeout, req)
		if err == nil {
			return Result{Text: text, Attempts: n}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{Attempts: n}, ctxErr
		}
		if !IsTransient(err) {
			if !IsPermanent(err) {
				err = Permanent("unclassified failure", err)
			}
			return Result{Attempts: n}, err
		}
		last = err
		if n == limit {
			break
		}
		delay := policy.Backoff(n)
		if onRetry != nil {
			if hookErr := onRetry(Attempt{Number: n, Err: err, Elapsed: time.Since(start), Backoff: delay}); hookErr != nil {
				return Result{Attempts: n}, hookErr
			}
		}
		if err := policy.sleep(ctx, delay); err != nil {
			return Result{Attempts: n}, err
		}
	}
	reason := "transient failures"
	var te *TransientError
	if errors.As(last, &te) {
		reason = te.Reason
	}
	return Result{Attempts: limit}, &PermanentError{Reason: reason, Err: last, Attempts: limit, Exhausted: true}
}

func call(ctx context.Context, gen Generator, timeout time.Duration, req Request) (string, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	text, err := gen.Generate(callCtx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !IsPermanent(err) {
			return "", Transient("timeout", err)
		}
		return "", err
	}
	return text, nil
}

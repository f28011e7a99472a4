// Package generator defines the content generation capability the workflow
// calls for every agent turn, the error taxonomy around it, bounded retry, and
// the provider adapters that implement it.
package generator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"warroom/internal/domain"
)

// Request is one generation call: a role, its standing instructions and the
// rendered context bundle.
type Request struct {
	Role        domain.Role
	System      string
	Prompt      string
	MaxTokens   int
	Temperature *float64
}

// Generator produces text for a request or fails with a TransientError or a
// PermanentError.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// TransientError is worth retrying: network trouble, rate limits, timeouts.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return "transient generation failure: " + e.Reason
	}
	return fmt.Sprintf("transient generation failure: %s: %v", e.Reason, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError will not succeed on retry. Exhausted marks a transient
// failure that ran out of attempts.
type PermanentError struct {
	Reason    string
	Err       error
	Attempts  int
	Exhausted bool
}

func (e *PermanentError) Error() string {
	msg := "generation failed: " + e.Reason
	if e.Exhausted {
		msg = fmt.Sprintf("generation failed after %d attempts: %s", e.Attempts, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PermanentError) Unwrap() error { return e.Err }

func Transient(reason string, err error) error {
	return &TransientError{Reason: reason, Err: err}
}

func Permanent(reason string, err error) error {
	return &PermanentError{Reason: reason, Err: err}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// classifyStatus maps a provider HTTP status to the taxonomy. detail is the
// provider's error text and is only consulted for quota exhaustion, which
// some providers report as 429.
func classifyStatus(status int, detail string, err error) error {
	lowered := strings.ToLower(detail)
	switch {
	case strings.Contains(lowered, "insufficient_quota") || strings.Contains(lowered, "quota exceeded"):
		return Permanent("quota exhausted", err)
	case status == http.StatusTooManyRequests:
		return Transient("rate limited", err)
	case status == http.StatusRequestTimeout || status == http.StatusConflict:
		return Transient(fmt.Sprintf("status %d", status), err)
	case status >= 500:
		return Transient(fmt.Sprintf("provider unavailable (status %d)", status), err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Permanent("provider rejected credentials", err)
	case status >= 400:
		return Permanent(fmt.Sprintf("request rejected (status %d)", status), err)
	default:
		return Transient(fmt.Sprintf("unexpected status %d", status), err)
	}
}

// classifyCallError handles failures that carry no provider status.
func classifyCallError(ctx context.Context, err error) error {
	if IsTransient(err) || IsPermanent(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient("timeout", err)
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return Transient("network", err)
}

func emptyOutput(provider string) error {
	return Permanent(provider+" returned no text", nil)
}

package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Request is one task handed to a provider backend. Instructions arrive with
// placeholders already expanded.
type Request struct {
	TaskSeq      int64
	Provider     string
	Model        string
	Instructions string
}

// Result is what a backend returns for a successful execution.
type Result struct {
	Output     string
	Cost       float64
	TokensUsed int
}

// Executor runs one task against one provider. Implementations must honor
// context cancellation and classify failures with Retryable/Permanent so the
// controller retries only what can succeed on another attempt.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// retryableError marks failures worth another attempt: rate limits, transient
// network errors, provider-side overload.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable wraps err as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// Retryablef formats a retryable error.
func Retryablef(format string, args ...any) error {
	return &retryableError{err: fmt.Errorf(format, args...)}
}

// IsRetryable reports whether an attempt may be repeated. Timeouts and other
// net errors count as retryable even without explicit wrapping; context
// cancellation never does.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var re *retryableError
	if errors.As(err, &re) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	return false
}

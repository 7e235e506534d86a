package provider

import (
	"context"
	"errors"
	"fmt"
)

// SendError wraps a provider failure with its retry classification.
// Timeouts and 5xx-equivalent rejections are retryable; malformed
// recipients and hard rejections are not.
type SendError struct {
	Provider  string
	Reason    string
	Retryable bool
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Reason)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// NewTransient builds a retryable send error.
func NewTransient(name, reason string, err error) *SendError {
	return &SendError{Provider: name, Reason: reason, Retryable: true, Err: err}
}

// NewPermanent builds a non-retryable send error.
func NewPermanent(name, reason string, err error) *SendError {
	return &SendError{Provider: name, Reason: reason, Retryable: false, Err: err}
}

// IsRetryable classifies an error from a Send call. Unclassified errors
// and context deadline expiries count as retryable so transient outages
// are not promoted to permanent failures.
func IsRetryable(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return true
}

package extract

import (
	"context"
	"errors"
	"net"
	"time"
)

// TransientError marks a failure as retryable with backoff: timeouts,
// connection resets, HTTP 5xx.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// QuotaError is an HTTP 429 from the provider. RetryAfter is the
// provider-supplied cooldown hint, zero when none was given.
type QuotaError struct {
	Err        error
	RetryAfter time.Duration
	Quota      QuotaInfo
}

func (e *QuotaError) Error() string {
	if e == nil || e.Err == nil {
		return "provider quota exceeded"
	}
	return e.Err.Error()
}

func (e *QuotaError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// MalformedOutputError means the model's output could not be parsed as JSON
// even after repair. Terminal: never retried against the provider.
type MalformedOutputError struct {
	Detail string
	Err    error
}

func (e *MalformedOutputError) Error() string {
	if e == nil {
		return "malformed output"
	}
	if e.Detail != "" {
		return "malformed output: " + e.Detail
	}
	if e.Err != nil {
		return "malformed output: " + e.Err.Error()
	}
	return "malformed output"
}

func (e *MalformedOutputError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// SchemaViolationError means the output parsed but failed contract
// validation. Terminal skip: an expected outcome rate, not a bug.
type SchemaViolationError struct {
	Detail string
	Err    error
}

func (e *SchemaViolationError) Error() string {
	if e == nil {
		return "schema violation"
	}
	if e.Detail != "" {
		return "schema violation: " + e.Detail
	}
	if e.Err != nil {
		return "schema violation: " + e.Err.Error()
	}
	return "schema violation"
}

func (e *SchemaViolationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// StructuralError is a store schema mismatch (missing table or column).
// Fatal for the whole run: every subsequent commit would fail identically.
type StructuralError struct {
	Op  string
	Err error
}

func (e *StructuralError) Error() string {
	if e == nil {
		return "store structural error"
	}
	msg := "store structural error"
	if e.Op != "" {
		msg += ": op=" + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StructuralError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// IsStructural reports whether err is a store schema mismatch.
func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}

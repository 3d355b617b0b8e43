package domain

import (
	"context"
	"errors"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrCircuitOpen     = errors.New("circuit open")
	ErrQuotaExhausted  = errors.New("quota exhausted")
	ErrPoolExhausted   = errors.New("pool exhausted")
	ErrBlocked         = errors.New("blocked by target")
	ErrTransient       = errors.New("transient failure")
	ErrDraining        = errors.New("draining, not accepting tasks")
	ErrFormatDrift     = errors.New("format drift")
	ErrFatal           = errors.New("fatal")
)

// ErrorKind classifies a failure for routing decisions in the worker
// loop. Kinds are values, not types; workers branch on the kind and
// only truly exceptional host failures propagate further.
type ErrorKind string

const (
	KindTransient      ErrorKind = "transient"
	KindBlocked        ErrorKind = "blocked"
	KindCircuitOpen    ErrorKind = "circuit_open"
	KindQuotaExhausted ErrorKind = "quota_exhausted"
	KindFormatDrift    ErrorKind = "format_drift"
	KindCancelled      ErrorKind = "cancelled"
	KindFatal          ErrorKind = "fatal"
)

// ClassifyError maps an error to its kind. Backend errors that match no
// sentinel are classified transient by default but still count against
// the circuit breaker and the rate limiter.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrQuotaExhausted):
		return KindQuotaExhausted
	case errors.Is(err, ErrBlocked):
		return KindBlocked
	case errors.Is(err, ErrFormatDrift):
		return KindFormatDrift
	case errors.Is(err, ErrFatal), errors.Is(err, ErrInvalidArgument):
		return KindFatal
	default:
		return KindTransient
	}
}

// Retryable reports whether a failure of this kind should be requeued.
// Cancellation is terminal but not an error; format drift is reported,
// not retried, so the anomaly monitor can see it.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransient, KindBlocked, KindCircuitOpen:
		return true
	default:
		return false
	}
}

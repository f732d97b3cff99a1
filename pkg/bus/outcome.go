package bus

import (
	"errors"
	"time"
)

// Outcome labels how a delivery was settled.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeRetry      Outcome = "retry"
	OutcomeDeferred   Outcome = "deferred"
	OutcomeDeadLetter Outcome = "dead_letter"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable: the delivery goes to the dead-letter store.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// DeferError asks for redelivery after an exact delay without counting an attempt.
type DeferError struct {
	Err   error
	After time.Duration
}

func (e *DeferError) Error() string {
	if e.Err == nil {
		return "deferred " + e.After.String()
	}
	return e.Err.Error() + " (deferred " + e.After.String() + ")"
}

func (e *DeferError) Unwrap() error { return e.Err }

// Defer returns an error that redelivers the message after d.
func Defer(err error, d time.Duration) error {
	if d < 0 {
		d = 0
	}
	return &DeferError{Err: err, After: d}
}

// AsDefer extracts the deferral from err, if any.
func AsDefer(err error) (*DeferError, bool) {
	var d *DeferError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// Classify maps a handler result to the outcome the worker applies.
// maxAttempts <= 0 means unlimited retries.
func Classify(err error, attempt, maxAttempts int) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case IsPermanent(err):
		return OutcomeDeadLetter
	}
	if _, ok := AsDefer(err); ok {
		return OutcomeDeferred
	}
	if maxAttempts > 0 && attempt >= maxAttempts {
		return OutcomeDeadLetter
	}
	return OutcomeRetry
}

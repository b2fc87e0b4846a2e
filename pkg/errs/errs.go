// Package errs holds the error taxonomy shared by the ledger pipeline.
//
// Callers classify failures with errors.Is against the sentinels below:
//   - ErrPersistence: the backing store failed; retry from the last checkpoint.
//   - ErrUnknownEventKind: no folding handler; log and keep ingesting.
//   - ErrInvariantViolation: correctness is at risk; abort the operation and alert.
//   - ErrComputation: a metric could not be derived from its input.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrPersistence        = errors.New("persistence error")
	ErrUnknownEventKind   = errors.New("unknown event kind")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrComputation        = errors.New("computation error")

	// ErrMalformedEvent is a recognized event whose payload cannot be folded. It is
	// handled like an unknown kind: recorded in the ledger, skipped by the counters.
	ErrMalformedEvent = fmt.Errorf("%w: malformed payload", ErrUnknownEventKind)

	// ErrInsufficientData is the ComputationError returned for empty samples.
	ErrInsufficientData = fmt.Errorf("%w: insufficient data", ErrComputation)

	// ErrNotFound is returned by stores for missing rows. It is not part of the
	// taxonomy; read paths translate it into empty results or gap markers.
	ErrNotFound = errors.New("not found")
)

// Error attaches the failing operation to a taxonomy sentinel.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Is reports a match against the kind so errors.Is(err, ErrPersistence) works.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

func (e *Error) Unwrap() error { return e.Err }

// Persistence wraps a storage failure. Already classified errors pass through.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsClassified(err) {
		return err
	}
	return &Error{Kind: ErrPersistence, Op: op, Err: err}
}

// Invariant builds an InvariantViolation with a formatted detail.
func Invariant(op, format string, args ...any) error {
	return &Error{Kind: ErrInvariantViolation, Op: op, Err: fmt.Errorf(format, args...)}
}

// UnknownEvent reports an event name without a folding handler.
func UnknownEvent(name string) error {
	return &Error{Kind: ErrUnknownEventKind, Op: "fold", Err: fmt.Errorf("event %q", name)}
}

// Malformed reports a payload problem for a recognized event.
func Malformed(name string, err error) error {
	return &Error{Kind: ErrMalformedEvent, Op: "fold " + name, Err: err}
}

// IsClassified reports whether err already carries one of the taxonomy kinds.
func IsClassified(err error) bool {
	return errors.Is(err, ErrPersistence) ||
		errors.Is(err, ErrUnknownEventKind) ||
		errors.Is(err, ErrInvariantViolation) ||
		errors.Is(err, ErrComputation)
}

// Retryable reports whether the failure is transient.
func Retryable(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// Package faults defines the error taxonomy shared by the scheduler
// components. None of these errors is fatal to the process.
package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrInvariant marks data that was resolved but violates a domain
	// invariant, e.g. a sunrise that is not before the sunset.
	ErrInvariant = errors.New("data invariant violation")

	// ErrUnreachable marks a device that could not be contacted.
	ErrUnreachable = errors.New("device unreachable")
)

// SourceError reports that a remote time-source or override log could
// not be read. It always triggers a fallback and is never raised to the
// process.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// NewSourceError wraps err as a transient failure of source.
func NewSourceError(source string, err error) error {
	if err == nil {
		return nil
	}
	return &SourceError{Source: source, Err: err}
}

// ActuatorError reports that a device read or command failed. The cycle's
// decision is abandoned and the next cycle starts over.
type ActuatorError struct {
	DeviceID string
	Op       string
	Err      error
}

func (e *ActuatorError) Error() string {
	return fmt.Sprintf("device %s: %s failed: %v", e.DeviceID, e.Op, e.Err)
}

func (e *ActuatorError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err came from an external source that the
// scheduler falls back from.
func IsTransient(err error) bool {
	var se *SourceError
	return errors.As(err, &se)
}

package store

import (
	"errors"
	"fmt"
)

// Sentinel kinds for storage failures. Callers branch with errors.Is; the
// failover controller uses them to decide between retry, fallback, and
// forced degradation.
var (
	// ErrUnavailable marks a transient backend failure (network, timeout).
	ErrUnavailable = errors.New("storage unavailable")
	// ErrSchemaMismatch marks a remote schema missing expected structures.
	// Fatal for the remote backend until an operator intervenes.
	ErrSchemaMismatch = errors.New("storage schema mismatch")
	// ErrCorrupt marks unparsable local file content.
	ErrCorrupt = errors.New("storage corrupt")
	// ErrNotFound marks a read for a chat or tier with no data.
	ErrNotFound = errors.New("not found")
)

// OpError wraps a failure with the operation that produced it and its kind.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind, err error) error {
	return &OpError{Op: op, Kind: kind, Err: err}
}

func IsUnavailable(err error) bool    { return errors.Is(err, ErrUnavailable) }
func IsSchemaMismatch(err error) bool { return errors.Is(err, ErrSchemaMismatch) }
func IsCorrupt(err error) bool        { return errors.Is(err, ErrCorrupt) }
func IsNotFound(err error) bool       { return errors.Is(err, ErrNotFound) }

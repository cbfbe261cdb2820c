// Package errdefs holds the typed failures surfaced by the generation core.
// Each failure carries enough context to diagnose it and is classified with
// an IsXxx predicate that sees through fmt.Errorf("%w") wrapping.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// InsufficientMemoryError reports that a residency request cannot fit the
// active budget even after evicting every evictable module.
type InsufficientMemoryError struct {
	Model      string
	Submodule  string
	RequiredMB int
	BudgetMB   int
	ResidentMB int
	PinnedMB   int
	Window     int
}

func (e *InsufficientMemoryError) Error() string {
	return fmt.Sprintf("insufficient memory for %s/%s: need %d MB, budget %d MB (resident %d MB, unevictable %d MB)",
		e.Model, e.Submodule, e.RequiredMB, e.BudgetMB, e.ResidentMB, e.PinnedMB)
}

// IsInsufficientMemory reports whether err is an InsufficientMemoryError.
func IsInsufficientMemory(err error) bool {
	var e *InsufficientMemoryError
	return errors.As(err, &e)
}

// IncompatibleAdapterError reports an adapter whose compatibility tag is not
// accepted by the model it is bound to.
type IncompatibleAdapterError struct {
	Adapter  string
	Tag      string
	Model    string
	Accepted []string
}

func (e *IncompatibleAdapterError) Error() string {
	return fmt.Sprintf("adapter %q (tag %q) is incompatible with model %q (accepts: %s)",
		e.Adapter, e.Tag, e.Model, strings.Join(e.Accepted, ","))
}

func IsIncompatibleAdapter(err error) bool {
	var e *IncompatibleAdapterError
	return errors.As(err, &e)
}

// NumericalFaultError reports a non-finite value produced while denoising.
type NumericalFaultError struct {
	Window int
	Step   int
	Index  int
	Value  float64
}

func (e *NumericalFaultError) Error() string {
	return fmt.Sprintf("numerical fault in window %d step %d: value %v at index %d", e.Window, e.Step, e.Value, e.Index)
}

func IsNumericalFault(err error) bool {
	var e *NumericalFaultError
	return errors.As(err, &e)
}

// CancelledError reports that an external cancellation was honored.
type CancelledError struct {
	Window int
	Step   int
	Cause  error
}

func (e *CancelledError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("cancelled in window %d before step %d: %v", e.Window, e.Step, e.Cause)
	}
	return fmt.Sprintf("cancelled in window %d before step %d", e.Window, e.Step)
}

func (e *CancelledError) Unwrap() error { return e.Cause }

func IsCancelled(err error) bool {
	var e *CancelledError
	return errors.As(err, &e)
}

// ResourceExhaustedError is the session-level failure after the downgrade
// retry could not satisfy residency either.
type ResourceExhaustedError struct {
	Profile string
	Err     error
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("resources exhausted under profile %q after downgrade retry: %v", e.Profile, e.Err)
}

func (e *ResourceExhaustedError) Unwrap() error { return e.Err }

func IsResourceExhausted(err error) bool {
	var e *ResourceExhaustedError
	return errors.As(err, &e)
}

// InvalidWeightsError reports a weight blob its family rejected at load.
type InvalidWeightsError struct {
	Ref string
	Err error
}

func (e *InvalidWeightsError) Error() string {
	return fmt.Sprintf("invalid weights %s: %v", e.Ref, e.Err)
}

func (e *InvalidWeightsError) Unwrap() error { return e.Err }

func IsInvalidWeights(err error) bool {
	var e *InvalidWeightsError
	return errors.As(err, &e)
}

// InvalidRequestError reports a malformed request that reached the core.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// ErrInvalidRequest constructs an InvalidRequestError.
func ErrInvalidRequest(field, reason string) error {
	return &InvalidRequestError{Field: field, Reason: reason}
}

func IsInvalidRequest(err error) bool {
	var e *InvalidRequestError
	return errors.As(err, &e)
}

// NotFoundError reports an unknown model, profile, adapter or session id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return e.Kind + " not found: " + e.ID }

// ErrNotFound constructs a NotFoundError.
func ErrNotFound(kind, id string) error { return &NotFoundError{Kind: kind, ID: id} }

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// Kind returns a stable label for err, used for metrics and status mapping.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsResourceExhausted(err):
		return "resource_exhausted"
	case IsInsufficientMemory(err):
		return "insufficient_memory"
	case IsIncompatibleAdapter(err):
		return "incompatible_adapter"
	case IsNumericalFault(err):
		return "numerical_fault"
	case IsCancelled(err):
		return "cancelled"
	case IsInvalidWeights(err):
		return "invalid_weights"
	case IsInvalidRequest(err):
		return "invalid_request"
	case IsNotFound(err):
		return "not_found"
	default:
		return "internal"
	}
}

// InWindow stamps the window index onto the typed failures that carry one.
// Other errors are wrapped with the window as message context.
func InWindow(err error, window int) error {
	if err == nil {
		return nil
	}
	var (
		nf *NumericalFaultError
		ce *CancelledError
		im *InsufficientMemoryError
	)
	switch {
	case errors.As(err, &nf):
		nf.Window = window
		return err
	case errors.As(err, &ce):
		ce.Window = window
		return err
	case errors.As(err, &im):
		im.Window = window
		return err
	}
	return fmt.Errorf("window %d: %w", window, err)
}

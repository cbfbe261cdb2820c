package session

import (
	"errors"
	"fmt"
)

// busyError is returned when the engine's admission queue is full.
type busyError struct{ limit int }

func (e busyError) Error() string {
	return fmt.Sprintf("too many generations in flight (limit %d)", e.limit)
}

// IsBusy reports whether err means the engine rejected work for capacity.
func IsBusy(err error) bool {
	var e busyError
	return errors.As(err, &e)
}

// errNotFinished is returned by Handle.Result before the run ends.
var errNotFinished = errors.New("generation has not finished")

// IsNotFinished reports whether err means the result is not available yet.
func IsNotFinished(err error) bool { return errors.Is(err, errNotFinished) }

// errCancelRequested is the cancellation cause recorded by Handle.Cancel.
var errCancelRequested = errors.New("cancelled by request")

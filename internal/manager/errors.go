package manager

import "fmt"

// releasedError signals a second Release of the same handle.
type releasedError struct{ module string }

func (e releasedError) Error() string { return "handle already released: " + e.module }

// IsReleased reports whether err is a double release.
func IsReleased(err error) bool {
	_, ok := err.(releasedError)
	return ok
}

// drainTimeoutError signals that Unload gave up waiting for borrows.
type drainTimeoutError struct {
	module  string
	borrows int
}

func (e drainTimeoutError) Error() string {
	return fmt.Sprintf("unload %s: %d borrow(s) still outstanding", e.module, e.borrows)
}

// IsDrainTimeout reports whether err is an Unload drain timeout.
func IsDrainTimeout(err error) bool {
	_, ok := err.(drainTimeoutError)
	return ok
}

// drainingError signals a residency request for a module being unloaded.
type drainingError struct{ module string }

func (e drainingError) Error() string { return "module is being unloaded: " + e.module }

func IsDraining(err error) bool {
	_, ok := err.(drainingError)
	return ok
}

package session

import (
	"context"
	"sync"
	"time"
)

// Handle is an asynchronous generation.
type Handle struct {
	ID      string
	Model   string
	Created time.Time

	cancel context.CancelCauseFunc
	done   chan struct{}

	mu       sync.Mutex
	progress Progress
	finished time.Time
	result   *Result
	err      error
}

func newHandle(id, model string, now time.Time, cancel context.CancelCauseFunc) *Handle {
	return &Handle{
		ID:       id,
		Model:    model,
		Created:  now,
		cancel:   cancel,
		done:     make(chan struct{}),
		progress: Progress{ID: id, State: StateQueued},
	}
}

// Progress returns the latest progress snapshot.
func (h *Handle) Progress() Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progress
}

// State is shorthand for Progress().State.
func (h *Handle) State() State { return h.Progress().State }

// Err returns the failure of a finished generation.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Cancel requests cancellation. It is safe to call more than once and
// after completion.
func (h *Handle) Cancel() { h.cancel(errCancelRequested) }

// Done is closed when the generation reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the generation finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-h.done:
		return h.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome of a finished generation.
func (h *Handle) Result() (*Result, error) {
	select {
	case <-h.done:
	default:
		return nil, errNotFinished
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

func (h *Handle) update(fn func(p *Progress)) Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.progress.Fraction
	fn(&h.progress)
	if h.progress.Fraction < prev {
		h.progress.Fraction = prev
	}
	return h.progress
}

func (h *Handle) finish(res *Result, err error, state State, now time.Time) {
	h.mu.Lock()
	h.result, h.err = res, err
	h.progress.State = state
	if state == StateSucceeded {
		h.progress.Fraction = 1
	}
	h.finished = now
	h.mu.Unlock()
	close(h.done)
}

func (h *Handle) finishedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}

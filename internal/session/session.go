// Package session runs generation requests end to end: it plans windows,
// borrows residency for each one, denoises, decodes and stitches, and
// exposes progress and cancellation through a Handle.
package session

import (
	"time"

	"diffusiond/internal/adapter"
	"diffusiond/internal/denoise"
	"diffusiond/internal/registry"
	"diffusiond/internal/tensor"
	"diffusiond/internal/window"
)

// Request is a validated generation request. Zero numeric fields take the
// model defaults.
type Request struct {
	Model          string
	Prompt         string
	NegativePrompt string
	Frames         int
	Seed           uint64
	Steps          int
	GuidanceScale  float64
	WindowFrames   int
	OverlapFrames  int
	// Profile switches the residency profile before the first window when
	// it differs from the active one.
	Profile      string
	Adapters     []adapter.Spec
	Acceleration *denoise.Acceleration
}

// State is the lifecycle state of a generation.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Finished reports whether s is terminal.
func (s State) Finished() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Progress is a point-in-time view of a running generation. Fraction never
// decreases.
type Progress struct {
	ID       string
	State    State
	Window   int
	Windows  int
	Step     int
	Steps    int
	Phase    denoise.Phase
	Fraction float64
}

// Result is the output of a successful generation.
type Result struct {
	ID            string
	Model         string
	Profile       string
	Frames        tensor.Tensor
	Windows       []window.Window
	LogicalSteps  int
	ComputedSteps int
	SkippedSteps  int
	// Downgraded lists submodules that executed from host memory after a
	// residency failure.
	Downgraded []registry.SubmoduleKind
	Warnings   []string
	Duration   time.Duration
}

// FrameCount is the number of stitched frames.
func (r *Result) FrameCount() int { return r.Frames.Frames() }

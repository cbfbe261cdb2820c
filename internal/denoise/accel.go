package denoise

import "diffusiond/internal/tensor"

// DecisionFunc reports whether the current step may reuse the cached
// velocity. prev is the signal captured at the last computed step and
// partial is the same signal for the current step.
type DecisionFunc func(prev, partial tensor.Tensor, tol float64) bool

// RelativeL1 skips when ‖partial−prev‖₁ / ‖prev‖₁ < tol.
func RelativeL1(prev, partial tensor.Tensor, tol float64) bool {
	if !tensor.SameShape(prev, partial) {
		return false
	}
	n := prev.L1()
	if n == 0 {
		return false
	}
	d, err := tensor.Sub(partial, prev)
	if err != nil {
		return false
	}
	return d.L1()/n < tol
}

// Acceleration configures step skipping.
type Acceleration struct {
	Enabled   bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Tolerance float64 `json:"tolerance" yaml:"tolerance" toml:"tolerance"`
	// Decide defaults to RelativeL1.
	Decide DecisionFunc `json:"-" yaml:"-" toml:"-"`
	// SkipEarlySteps are always computed.
	SkipEarlySteps int `json:"skip_early_steps" yaml:"skip_early_steps" toml:"skip_early_steps"`
	// MaxConsecutiveSkips bounds a run of skipped steps; 0 is unbounded.
	MaxConsecutiveSkips int `json:"max_consecutive_skips" yaml:"max_consecutive_skips" toml:"max_consecutive_skips"`
	// RescaleFactor scales the measured distance before the tolerance
	// comparison; 0 means 1.
	RescaleFactor float64 `json:"rescale_factor" yaml:"rescale_factor" toml:"rescale_factor"`
}

// DefaultAcceleration is a conservative starting point for image and video
// backbones.
func DefaultAcceleration() Acceleration {
	return Acceleration{
		Enabled:             true,
		Tolerance:           0.1,
		SkipEarlySteps:      2,
		MaxConsecutiveSkips: 2,
		RescaleFactor:       1,
	}
}

func (a Acceleration) decide() DecisionFunc {
	if a.Decide != nil {
		return a.Decide
	}
	return RelativeL1
}

// tolerance folds RescaleFactor into the threshold so custom decision
// functions see a single number.
func (a Acceleration) tolerance() float64 {
	if a.RescaleFactor > 0 {
		return a.Tolerance / a.RescaleFactor
	}
	return a.Tolerance
}

// eligible reports whether step may be considered for skipping at all.
func (a Acceleration) eligible(step, consecutive int, haveCache bool) bool {
	if !a.Enabled || !haveCache || step < a.SkipEarlySteps {
		return false
	}
	return a.MaxConsecutiveSkips <= 0 || consecutive < a.MaxConsecutiveSkips
}

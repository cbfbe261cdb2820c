// Package denoise drives the iterative flow-matching denoising loop of one
// window: guided velocity evaluation, the step-skip shortcut, context frame
// pinning, cancellation and numerical fault detection.
package denoise

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"diffusiond/internal/backend"
	"diffusiond/internal/errdefs"
	"diffusiond/internal/metrics"
	"diffusiond/internal/tensor"
)

// Phase is the scheduler state.
type Phase string

const (
	Initialized Phase = "initialized"
	Stepping    Phase = "stepping"
	StepSkipped Phase = "step_skipped"
	Converged   Phase = "converged"
	Cancelled   Phase = "cancelled"
	Failed      Phase = "failed"
)

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool { return p == Converged || p == Cancelled || p == Failed }

// Config is the per-window scheduler configuration.
type Config struct {
	Steps         int
	GuidanceScale float64
	Schedule      Schedule
	Shift         float64
	ShiftTerminal float64
	// ConvergenceTolerance ends computation early once the mean absolute
	// update falls below it; the remaining logical steps reuse the cached
	// velocity. 0 disables.
	ConvergenceTolerance float64
	Acceleration         Acceleration
	// Window is stamped on events and errors.
	Window int
	// Observer, if set, is called synchronously on every transition.
	Observer func(Event)
}

// Event is one scheduler transition.
type Event struct {
	Window int
	Step   int
	Steps  int
	Phase  Phase
	Sigma  float64
}

// State is the initial state of a window.
type State struct {
	// Latent is the seeded noise, frames × channels.
	Latent tensor.Tensor
	// Context holds clean latents for the leading frames carried over from
	// the previous window. It may be empty.
	Context tensor.Tensor
	Cond    tensor.Tensor
	// Uncond enables classifier-free guidance when non-empty.
	Uncond      tensor.Tensor
	FrameOffset int
}

// Stats summarizes a run. Logical always equals the configured step count
// on success.
type Stats struct {
	Logical     int
	Computed    int
	Skipped     int
	ConvergedAt int
	Phase       Phase
}

// Scheduler runs denoising loops. It holds no per-run state and is safe for
// concurrent use.
type Scheduler struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Scheduler { return &Scheduler{log: log} }

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = FlowMatch
	}
	if c.GuidanceScale == 0 {
		c.GuidanceScale = 1
	}
	return c
}

func emit(cfg Config, ev Event) {
	if cfg.Observer != nil {
		ev.Window = cfg.Window
		ev.Steps = cfg.Steps
		cfg.Observer(ev)
	}
}

// Run denoises st.Latent to the final latent of one window.
func (s *Scheduler) Run(ctx context.Context, be backend.Backend, m backend.Model, st State, cfg Config) (tensor.Tensor, Stats, error) {
	cfg = cfg.withDefaults()
	stats := Stats{Phase: Initialized}
	sigmas, err := Sigmas(cfg.Schedule, cfg.Steps, cfg.Shift, cfg.ShiftTerminal)
	if err != nil {
		stats.Phase = Failed
		return tensor.Tensor{}, stats, errdefs.ErrInvalidRequest("steps", err.Error())
	}

	x := st.Latent.Clone()
	k := 0
	var ctxNoise tensor.Tensor
	if !st.Context.IsZero() {
		k = st.Context.Frames()
		if k > x.Frames() || st.Context.FrameSize() != x.FrameSize() {
			stats.Phase = Failed
			return tensor.Tensor{}, stats, errdefs.ErrInvalidRequest("context",
				fmt.Sprintf("context %v does not fit latent %v", st.Context.Shape, x.Shape))
		}
		ctxNoise, _ = x.SliceFrames(0, k)
	}
	previewer, _ := be.(backend.Previewer)
	accel := cfg.Acceleration
	decide, tol := accel.decide(), accel.tolerance()

	emit(cfg, Event{Phase: Initialized, Step: -1, Sigma: sigmas[0]})

	var (
		cachedV     tensor.Tensor
		prevSignal  tensor.Tensor
		consecutive int
		converged   bool
	)
	for i := 0; i < cfg.Steps; i++ {
		if err := ctx.Err(); err != nil {
			stats.Phase = Cancelled
			emit(cfg, Event{Phase: Cancelled, Step: i})
			return tensor.Tensor{}, stats, &errdefs.CancelledError{Window: cfg.Window, Step: i, Cause: context.Cause(ctx)}
		}
		sigma, next := sigmas[i], sigmas[i+1]
		if k > 0 {
			pinContext(x, st.Context, ctxNoise, sigma)
		}
		in := backend.StepInput{Latent: x, Sigma: sigma, Step: i, Embedding: st.Cond, FrameOffset: st.FrameOffset}

		skip := converged && !cachedV.IsZero()
		if !skip && accel.Enabled {
			signal, err := s.signal(ctx, previewer, m, in)
			if err != nil {
				return s.fail(ctx, cfg, &stats, i, err)
			}
			if accel.eligible(i, consecutive, !cachedV.IsZero()) && decide(prevSignal, signal, tol) {
				skip = true
			} else {
				prevSignal = signal
			}
		}

		var v tensor.Tensor
		phase := Stepping
		if skip {
			v = cachedV
			consecutive++
			stats.Skipped++
			phase = StepSkipped
			metrics.Steps.WithLabelValues("skipped").Inc()
		} else {
			v, err = s.velocity(ctx, be, m, in, st.Uncond, cfg.GuidanceScale)
			if err != nil {
				return s.fail(ctx, cfg, &stats, i, err)
			}
			cachedV = v
			consecutive = 0
			stats.Computed++
			metrics.Steps.WithLabelValues("computed").Inc()
		}

		dx := v.Clone()
		dx.Scale(next - sigma)
		if err := x.AddScaled(1, dx); err != nil {
			return s.fail(ctx, cfg, &stats, i, fmt.Errorf("velocity %v does not match latent %v: %w", v.Shape, x.Shape, err))
		}
		if idx := x.FirstNonFinite(); idx >= 0 {
			stats.Phase = Failed
			emit(cfg, Event{Phase: Failed, Step: i, Sigma: sigma})
			return tensor.Tensor{}, stats, &errdefs.NumericalFaultError{Window: cfg.Window, Step: i, Index: idx, Value: x.Data[idx]}
		}
		stats.Logical++
		if cfg.ConvergenceTolerance > 0 && !converged && dx.MeanAbs() < cfg.ConvergenceTolerance {
			converged = true
			stats.ConvergedAt = i + 1
		}
		s.log.Trace().Int("window", cfg.Window).Int("step", i).Float64("sigma", sigma).Str("phase", string(phase)).Msg("step")
		emit(cfg, Event{Phase: phase, Step: i, Sigma: sigma})
	}

	if k > 0 {
		copy(x.Data[:k*x.FrameSize()], st.Context.Data)
	}
	stats.Phase = Converged
	emit(cfg, Event{Phase: Converged, Step: cfg.Steps, Sigma: 0})
	s.log.Debug().Int("window", cfg.Window).Int("steps", stats.Logical).Int("computed", stats.Computed).
		Int("skipped", stats.Skipped).Msg("window converged")
	return x, stats, nil
}

// signal is the preview output, or a copy of the latent when the backend has
// no preview.
func (s *Scheduler) signal(ctx context.Context, p backend.Previewer, m backend.Model, in backend.StepInput) (tensor.Tensor, error) {
	if p == nil {
		return in.Latent.Clone(), nil
	}
	return p.Preview(ctx, m, in)
}

func (s *Scheduler) velocity(ctx context.Context, be backend.Backend, m backend.Model, in backend.StepInput, uncond tensor.Tensor, g float64) (tensor.Tensor, error) {
	vc, err := be.ForwardStep(ctx, m, in)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if g == 1 || uncond.IsZero() {
		return vc, nil
	}
	in.Embedding = uncond
	vu, err := be.ForwardStep(ctx, m, in)
	if err != nil {
		return tensor.Tensor{}, err
	}
	diff, err := tensor.Sub(vc, vu)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if err := vu.AddScaled(g, diff); err != nil {
		return tensor.Tensor{}, err
	}
	return vu, nil
}

func (s *Scheduler) fail(ctx context.Context, cfg Config, stats *Stats, step int, err error) (tensor.Tensor, Stats, error) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		stats.Phase = Cancelled
		emit(cfg, Event{Phase: Cancelled, Step: step})
		return tensor.Tensor{}, *stats, &errdefs.CancelledError{Window: cfg.Window, Step: step, Cause: err}
	}
	stats.Phase = Failed
	emit(cfg, Event{Phase: Failed, Step: step})
	if errdefs.IsNumericalFault(err) {
		return tensor.Tensor{}, *stats, err
	}
	return tensor.Tensor{}, *stats, fmt.Errorf("window %d step %d: %w", cfg.Window, step, err)
}

// pinContext overwrites the leading frames with the context latents noised
// to sigma along the flow path x = (1−σ)·x0 + σ·ε.
func pinContext(x, ctxLatent, noise tensor.Tensor, sigma float64) {
	for j, c := range ctxLatent.Data {
		x.Data[j] = (1-sigma)*c + sigma*noise.Data[j]
	}
}

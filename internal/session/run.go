package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"diffusiond/internal/backend"
	"diffusiond/internal/denoise"
	"diffusiond/internal/errdefs"
	"diffusiond/internal/manager"
	"diffusiond/internal/metrics"
	"diffusiond/internal/registry"
	"diffusiond/internal/tensor"
	"diffusiond/internal/window"
)

// runState is the mutable state of one generation.
type runState struct {
	p        *plan
	h        *Handle
	notifyMu sync.Mutex
	notify   func(Progress)
	kinds    []registry.SubmoduleKind
	host     []registry.SubmoduleKind
	retried  bool
	cond     tensor.Tensor
	uncond   tensor.Tensor
	context  tensor.Tensor
	segments []window.Segment
	stats    denoise.Stats
	warnings []string
}

func (e *Engine) run(ctx context.Context, h *Handle, p *plan, notify func(Progress)) (*Result, error) {
	start := e.now()
	log := e.log.With().Str("generation", h.ID).Str("model", p.desc.ID).Logger()
	rs := &runState{p: p, h: h, notify: notify, segments: make([]window.Segment, len(p.windows))}
	for _, s := range p.desc.Submodules {
		rs.kinds = append(rs.kinds, s.Kind)
	}
	rs.progress(func(pr *Progress) {
		pr.State = StateRunning
		pr.Windows = len(p.windows)
		pr.Steps = p.dcfg.Steps
	})
	log.Info().Int("frames", p.req.Frames).Int("windows", len(p.windows)).Int("steps", p.dcfg.Steps).
		Strs("adapters", p.bound.Adapters()).Msg("generation start")

	if err := e.applyProfile(ctx, p); err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	var loopErr error
	for _, w := range p.windows {
		if err := gctx.Err(); err != nil {
			loopErr = cancelled(ctx, w.Index, err)
			break
		}
		if loopErr = e.runWindow(gctx, g, rs, w); loopErr != nil {
			break
		}
	}
	waitErr := g.Wait()

	switch {
	case ctx.Err() != nil:
		log.Info().Msg("generation cancelled")
		if errdefs.IsCancelled(loopErr) {
			return nil, loopErr
		}
		return nil, &errdefs.CancelledError{Window: -1, Step: -1, Cause: context.Cause(ctx)}
	case loopErr != nil && !errdefs.IsCancelled(loopErr):
		log.Warn().Err(loopErr).Str("kind", errdefs.Kind(loopErr)).Msg("generation failed")
		return nil, loopErr
	case waitErr != nil:
		log.Warn().Err(waitErr).Msg("segment finalisation failed")
		return nil, waitErr
	case loopErr != nil:
		return nil, loopErr
	}

	frames, err := window.Stitch(rs.segments)
	if err != nil {
		return nil, err
	}
	res := &Result{
		ID:            h.ID,
		Model:         p.desc.ID,
		Profile:       e.mgr.Profile().Name,
		Frames:        frames,
		Windows:       p.windows,
		LogicalSteps:  rs.stats.Logical,
		ComputedSteps: rs.stats.Computed,
		SkippedSteps:  rs.stats.Skipped,
		Downgraded:    append([]registry.SubmoduleKind(nil), rs.host...),
		Warnings:      append(p.bound.Warnings(), rs.warnings...),
		Duration:      e.now().Sub(start),
	}
	log.Info().Int("frames", res.FrameCount()).Int("computed", res.ComputedSteps).Int("skipped", res.SkippedSteps).
		Dur("dur", res.Duration).Msg("generation done")
	return res, nil
}

func cancelled(ctx context.Context, win int, err error) error {
	if c := context.Cause(ctx); c != nil {
		err = c
	}
	return &errdefs.CancelledError{Window: win, Step: 0, Cause: err}
}

// applyProfile switches the manager to the requested profile while holding
// the device, so no other session is mid-window.
func (e *Engine) applyProfile(ctx context.Context, p *plan) error {
	if p.profile == nil || e.mgr.Profile().Name == p.profile.Name {
		return nil
	}
	if err := e.device.Acquire(ctx, 1); err != nil {
		return cancelled(ctx, 0, err)
	}
	defer e.device.Release(1)
	return e.mgr.SetProfile(*p.profile)
}

// runWindow denoises one window on the device, derives the next window's
// context, and hands the full decode to g so it overlaps the next window.
func (e *Engine) runWindow(ctx context.Context, g *errgroup.Group, rs *runState, w window.Window) error {
	p := rs.p
	began := e.now()
	if err := e.device.Acquire(ctx, 1); err != nil {
		return cancelled(ctx, w.Index, err)
	}
	deviceHeld := true
	defer func() {
		if deviceHeld {
			e.device.Release(1)
		}
	}()

	hs, err := e.ensure(ctx, rs, w.Index)
	if err != nil {
		return err
	}
	handed := false
	defer func() {
		if !handed {
			_ = hs.ReleaseAll()
		}
	}()

	p.bound.Verify(hs)
	view := p.bound.View(hs)

	if w.Index == 0 {
		if rs.cond, err = p.be.EncodeText(ctx, view, p.req.Prompt); err != nil {
			return e.stepErr(ctx, w.Index, err)
		}
		if p.dcfg.GuidanceScale != 1 {
			if rs.uncond, err = p.be.EncodeText(ctx, view, p.req.NegativePrompt); err != nil {
				return e.stepErr(ctx, w.Index, err)
			}
		}
	}

	st := denoise.State{
		Latent:      tensor.Noise(w.Seed, p.be.LatentShape(p.desc, w.Len())...),
		Context:     rs.context,
		Cond:        rs.cond,
		Uncond:      rs.uncond,
		FrameOffset: w.Start,
	}
	cfg := p.dcfg
	cfg.Window = w.Index
	cfg.Observer = func(ev denoise.Event) { rs.onEvent(ev) }

	final, stats, err := e.scheduler.Run(ctx, p.be, view, st, cfg)
	if err != nil {
		return errdefs.InWindow(err, w.Index)
	}
	rs.stats.Logical += stats.Logical
	rs.stats.Computed += stats.Computed
	rs.stats.Skipped += stats.Skipped

	rs.context = tensor.Tensor{}
	if next := w.Index + 1; next < len(p.windows) {
		if rs.context, err = e.nextContext(ctx, p.be, view, final, p.windows[next].Context); err != nil {
			return e.stepErr(ctx, w.Index, err)
		}
	}
	e.device.Release(1)
	deviceHeld = false

	handed = true
	g.Go(func() error {
		defer func() { _ = hs.ReleaseAll() }()
		frames, err := p.be.Decode(ctx, p.bound.View(hs), final)
		if err != nil {
			return e.stepErr(ctx, w.Index, fmt.Errorf("decode: %w", err))
		}
		rs.segments[w.Index] = window.Segment{Window: w, Frames: frames}
		metrics.WindowSeconds.Observe(time.Since(began).Seconds())
		rs.progress(func(pr *Progress) { pr.Fraction = rs.fraction(w.Index+1, 0) })
		return nil
	})
	return nil
}

// nextContext decodes the trailing n latent frames and re-encodes them, so
// the next window starts from what the viewer actually sees.
func (e *Engine) nextContext(ctx context.Context, be backend.Backend, m backend.Model, final tensor.Tensor, n int) (tensor.Tensor, error) {
	if n == 0 {
		return tensor.Tensor{}, nil
	}
	tail, err := final.SliceFrames(final.Frames()-n, final.Frames())
	if err != nil {
		return tensor.Tensor{}, err
	}
	decoded, err := be.Decode(ctx, m, tail)
	if err != nil {
		return tensor.Tensor{}, err
	}
	seed, err := window.TrailingContext(decoded, n)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return be.Encode(ctx, m, seed)
}

func (e *Engine) stepErr(ctx context.Context, win int, err error) error {
	if ctx.Err() != nil {
		return cancelled(ctx, win, err)
	}
	return errdefs.InWindow(err, win)
}

// ensure borrows every submodule for a window. On InsufficientMemory it
// retries once with the overflowing submodule executing from host memory;
// a second failure is ResourceExhausted.
func (e *Engine) ensure(ctx context.Context, rs *runState, win int) (manager.Handles, error) {
	opts := func() []manager.EnsureOption {
		if len(rs.host) == 0 {
			return nil
		}
		return []manager.EnsureOption{manager.WithHostExecution(rs.host...)}
	}
	hs, err := e.mgr.EnsureResident(ctx, rs.p.desc, rs.kinds, opts()...)
	if err == nil {
		return hs, nil
	}
	if ctx.Err() != nil {
		return nil, cancelled(ctx, win, err)
	}
	if !errdefs.IsInsufficientMemory(err) {
		return nil, errdefs.InWindow(err, win)
	}
	prof := e.mgr.Profile().Name
	if rs.retried {
		return nil, &errdefs.ResourceExhaustedError{Profile: prof, Err: errdefs.InWindow(err, win)}
	}
	rs.retried = true
	rs.host = append(rs.host, overflowing(err, rs.kinds)...)
	metrics.Downgrades.Inc()
	rs.warnings = append(rs.warnings, fmt.Sprintf("window %d: %v executed from host memory", win, rs.host))
	e.log.Warn().Str("generation", rs.h.ID).Int("window", win).Err(err).
		Interface("host", rs.host).Msg("residency downgrade retry")

	hs, err = e.mgr.EnsureResident(ctx, rs.p.desc, rs.kinds, opts()...)
	switch {
	case err == nil:
		return hs, nil
	case ctx.Err() != nil:
		return nil, cancelled(ctx, win, err)
	case errdefs.IsInsufficientMemory(err):
		return nil, &errdefs.ResourceExhaustedError{Profile: prof, Err: errdefs.InWindow(err, win)}
	default:
		return nil, errdefs.InWindow(err, win)
	}
}

// overflowing names the submodule to move to host memory. When the failure
// does not name one, every requested submodule is moved.
func overflowing(err error, kinds []registry.SubmoduleKind) []registry.SubmoduleKind {
	var im *errdefs.InsufficientMemoryError
	if errors.As(err, &im) {
		if k := registry.SubmoduleKind(im.Submodule); k.Valid() {
			return []registry.SubmoduleKind{k}
		}
	}
	return append([]registry.SubmoduleKind(nil), kinds...)
}

func (rs *runState) onEvent(ev denoise.Event) {
	if ev.Step < 0 || ev.Phase.Terminal() {
		return
	}
	rs.progress(func(pr *Progress) {
		pr.Window = ev.Window
		pr.Step = ev.Step
		pr.Phase = ev.Phase
		pr.Fraction = rs.fraction(ev.Window, ev.Step+1)
	})
}

// fraction is the completed share of all logical steps.
func (rs *runState) fraction(window, step int) float64 {
	total := len(rs.p.windows) * rs.p.dcfg.Steps
	if total == 0 {
		return 0
	}
	done := window*rs.p.dcfg.Steps + step
	if done > total {
		done = total
	}
	return float64(done) / float64(total)
}

// progress applies fn and notifies in update order; decode goroutines and
// the window loop both report.
func (rs *runState) progress(fn func(*Progress)) {
	rs.notifyMu.Lock()
	defer rs.notifyMu.Unlock()
	pr := rs.h.update(fn)
	if rs.notify != nil {
		rs.notify(pr)
	}
}

package daemon

import (
	"context"
	"fmt"
	"strings"

	"diffusiond/internal/adapter"
	"diffusiond/internal/denoise"
	"diffusiond/internal/errdefs"
	"diffusiond/internal/manager"
	"diffusiond/internal/registry"
	"diffusiond/internal/session"
	"diffusiond/internal/tensor"
	"diffusiond/internal/weights"
	"diffusiond/pkg/types"
)

// AdapterRef is where a named LoRA lives in the weight store.
func AdapterRef(name string) weights.Ref {
	return weights.Ref{Model: "loras", Path: "loras/" + name + ".safetensors"}
}

// checkAdapterName rejects names that could leave the loras directory.
func checkAdapterName(name string) error {
	switch {
	case name == "":
		return errdefs.ErrInvalidRequest("adapters", "name is required")
	case strings.ContainsAny(name, `/\`), strings.Contains(name, ".."):
		return errdefs.ErrInvalidRequest("adapters", fmt.Sprintf("name %q must not contain path separators or \"..\"", name))
	}
	return nil
}

func (s *Service) toRequest(ctx context.Context, req types.GenerationRequest) (session.Request, error) {
	out := session.Request{
		Model:          req.Model,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Frames:         req.Frames,
		Seed:           req.Seed,
		Steps:          req.Steps,
		GuidanceScale:  req.GuidanceScale,
		WindowFrames:   req.WindowFrames,
		OverlapFrames:  req.OverlapFrames,
		Profile:        req.Profile,
	}
	if req.Acceleration != nil {
		acc := denoise.DefaultAcceleration()
		acc.Enabled = req.Acceleration.Enabled
		if req.Acceleration.Tolerance > 0 {
			acc.Tolerance = req.Acceleration.Tolerance
		}
		if req.Acceleration.SkipEarlySteps > 0 {
			acc.SkipEarlySteps = req.Acceleration.SkipEarlySteps
		}
		if req.Acceleration.MaxConsecutiveSkips > 0 {
			acc.MaxConsecutiveSkips = req.Acceleration.MaxConsecutiveSkips
		}
		out.Acceleration = &acc
	}
	for i, ref := range req.Adapters {
		spec, err := s.resolveAdapter(ctx, ref)
		if err != nil {
			return session.Request{}, fmt.Errorf("adapter %d: %w", i, err)
		}
		out.Adapters = append(out.Adapters, spec)
	}
	return out, nil
}

func (s *Service) resolveAdapter(ctx context.Context, ref types.AdapterRef) (adapter.Spec, error) {
	if err := checkAdapterName(ref.Name); err != nil {
		return adapter.Spec{}, err
	}
	switch adapter.Kind(ref.Kind) {
	case "", adapter.LoRA:
		if s.adapters == nil {
			return adapter.Spec{}, errdefs.ErrNotFound("adapter", ref.Name)
		}
		blob, err := s.adapters.Load(ctx, AdapterRef(ref.Name), registry.FP32)
		if err != nil {
			if errdefs.IsNotFound(err) {
				return adapter.Spec{}, errdefs.ErrNotFound("adapter", ref.Name)
			}
			return adapter.Spec{}, err
		}
		return adapter.FromBlob(ref.Name, ref.Tag, ref.Strength, blob)
	case adapter.Control:
		sig, err := signalTensor(ref.Signal)
		if err != nil {
			return adapter.Spec{}, err
		}
		return adapter.Spec{
			Name:     ref.Name,
			Kind:     adapter.Control,
			Tag:      ref.Tag,
			Strength: ref.Strength,
			Signal:   sig,
			Layers:   ref.Layers,
		}, nil
	default:
		return adapter.Spec{}, errdefs.ErrInvalidRequest("adapters", fmt.Sprintf("unknown kind %q", ref.Kind))
	}
}

// signalTensor packs a frame-major control signal into a [frames, width] tensor.
func signalTensor(rows [][]float64) (tensor.Tensor, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return tensor.Tensor{}, errdefs.ErrInvalidRequest("adapters", "control signal is empty")
	}
	width := len(rows[0])
	data := make([]float64, 0, len(rows)*width)
	for i, r := range rows {
		if len(r) != width {
			return tensor.Tensor{}, errdefs.ErrInvalidRequest("adapters", fmt.Sprintf("signal frame %d has width %d, want %d", i, len(r), width))
		}
		data = append(data, r...)
	}
	return tensor.FromData(data, len(rows), width)
}

func progressStatus(p session.Progress) types.GenerationStatus {
	return types.GenerationStatus{
		ID:       p.ID,
		State:    string(p.State),
		Progress: p.Fraction,
		Window:   p.Window,
		Windows:  p.Windows,
		Step:     p.Step,
		Steps:    p.Steps,
	}
}

func statusOf(h *session.Handle) types.GenerationStatus {
	st := progressStatus(h.Progress())
	if err := h.Err(); err != nil {
		st.Error = err.Error()
		st.ErrorKind = errdefs.Kind(err)
	}
	return st
}

func resultOf(r *session.Result, withFrames bool) types.GenerationResult {
	out := types.GenerationResult{
		ID:             r.ID,
		Model:          r.Model,
		Profile:        r.Profile,
		FrameCount:     r.FrameCount(),
		FrameShape:     append([]int(nil), r.Frames.Shape...),
		LogicalSteps:   r.LogicalSteps,
		ComputedSteps:  r.ComputedSteps,
		SkippedSteps:   r.SkippedSteps,
		Warnings:       r.Warnings,
		DurationMillis: r.Duration.Milliseconds(),
	}
	for _, w := range r.Windows {
		out.Windows = append(out.Windows, types.WindowInfo{Index: w.Index, Start: w.Start, End: w.End, Seed: w.Seed})
	}
	for _, k := range r.Downgraded {
		out.Downgraded = append(out.Downgraded, string(k))
	}
	if withFrames {
		out.Frames = make([][]float64, r.FrameCount())
		for i := range out.Frames {
			out.Frames[i] = append([]float64(nil), r.Frames.Frame(i)...)
		}
	}
	return out
}

func profileOf(p manager.Profile) types.Profile {
	kinds := func(ks []registry.SubmoduleKind) []string {
		var out []string
		for _, k := range ks {
			out = append(out, string(k))
		}
		return out
	}
	return types.Profile{
		Name:          p.Name,
		BudgetMB:      p.BudgetMB,
		MarginMB:      p.MarginMB,
		Precision:     string(p.ComputePrecision()),
		Pinned:        kinds(p.Pinned),
		Swappable:     kinds(p.Swappable),
		EvictionOrder: kinds(p.EvictionOrder),
	}
}

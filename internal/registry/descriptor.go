package registry

import (
	"fmt"
	"slices"
)

// SubmoduleKind names one stage of a diffusion pipeline.
type SubmoduleKind string

const (
	TextEncoder SubmoduleKind = "text_encoder"
	Denoiser    SubmoduleKind = "denoiser"
	Decoder     SubmoduleKind = "decoder"
)

// Kinds lists every submodule kind in pipeline order.
var Kinds = []SubmoduleKind{TextEncoder, Denoiser, Decoder}

func (k SubmoduleKind) Valid() bool {
	return k == TextEncoder || k == Denoiser || k == Decoder
}

// Precision is a weight storage/compute precision.
type Precision string

const (
	FP32 Precision = "fp32"
	FP16 Precision = "fp16"
	BF16 Precision = "bf16"
	INT8 Precision = "int8"
)

// Bytes is the storage size of one parameter at p.
func (p Precision) Bytes() int {
	switch p {
	case FP16, BF16:
		return 2
	case INT8:
		return 1
	default:
		return 4
	}
}

func (p Precision) Valid() bool {
	return p == FP32 || p == FP16 || p == BF16 || p == INT8
}

// Submodule is one loadable part of a model.
type Submodule struct {
	Kind SubmoduleKind `json:"kind" yaml:"kind" toml:"kind"`
	// Path is relative to the weight store root; empty means <model>/<kind>.safetensors.
	Path string `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"`
	// FootprintMB is the accelerator footprint per precision.
	FootprintMB map[Precision]int `json:"footprint_mb,omitempty" yaml:"footprint_mb,omitempty" toml:"footprint_mb,omitempty"`
}

// Defaults are per-model generation defaults applied when a request omits them.
type Defaults struct {
	WindowFrames  int     `json:"window_frames,omitempty" yaml:"window_frames,omitempty" toml:"window_frames,omitempty"`
	OverlapFrames int     `json:"overlap_frames,omitempty" yaml:"overlap_frames,omitempty" toml:"overlap_frames,omitempty"`
	Steps         int     `json:"steps,omitempty" yaml:"steps,omitempty" toml:"steps,omitempty"`
	GuidanceScale float64 `json:"guidance_scale,omitempty" yaml:"guidance_scale,omitempty" toml:"guidance_scale,omitempty"`
	Shift         float64 `json:"shift,omitempty" yaml:"shift,omitempty" toml:"shift,omitempty"`
}

// Descriptor identifies a backbone family/variant and what it needs to run.
type Descriptor struct {
	ID         string      `json:"id" yaml:"id" toml:"id"`
	Family     string      `json:"family" yaml:"family" toml:"family"`
	Variant    string      `json:"variant,omitempty" yaml:"variant,omitempty" toml:"variant,omitempty"`
	Submodules []Submodule `json:"submodules" yaml:"submodules" toml:"submodules"`
	// Accepts lists the adapter compatibility tags this model takes.
	Accepts  []string `json:"accepts,omitempty" yaml:"accepts,omitempty" toml:"accepts,omitempty"`
	Defaults Defaults `json:"defaults,omitempty" yaml:"defaults,omitempty" toml:"defaults,omitempty"`
	// Params carries family-specific dimensions (e.g. latent_channels).
	Params map[string]int `json:"params,omitempty" yaml:"params,omitempty" toml:"params,omitempty"`
}

// Validate checks the descriptor is usable.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("descriptor: empty id")
	}
	if d.Family == "" {
		return fmt.Errorf("descriptor %s: empty family", d.ID)
	}
	if len(d.Submodules) == 0 {
		return fmt.Errorf("descriptor %s: no submodules", d.ID)
	}
	seen := map[SubmoduleKind]bool{}
	for _, s := range d.Submodules {
		if !s.Kind.Valid() {
			return fmt.Errorf("descriptor %s: unknown submodule kind %q", d.ID, s.Kind)
		}
		if seen[s.Kind] {
			return fmt.Errorf("descriptor %s: duplicate submodule %q", d.ID, s.Kind)
		}
		seen[s.Kind] = true
		for p, mb := range s.FootprintMB {
			if !p.Valid() {
				return fmt.Errorf("descriptor %s/%s: unknown precision %q", d.ID, s.Kind, p)
			}
			if mb < 0 {
				return fmt.Errorf("descriptor %s/%s: negative footprint", d.ID, s.Kind)
			}
		}
	}
	return nil
}

// Submodule returns the submodule of the given kind and its position.
func (d Descriptor) Submodule(kind SubmoduleKind) (Submodule, int, bool) {
	for i, s := range d.Submodules {
		if s.Kind == kind {
			return s, i, true
		}
	}
	return Submodule{}, -1, false
}

// FootprintMB returns the declared footprint of kind at precision p. When p
// is not declared it is scaled from the closest declared precision. ok is
// false when nothing is declared at all.
func (d Descriptor) FootprintMB(kind SubmoduleKind, p Precision) (int, bool) {
	s, _, found := d.Submodule(kind)
	if !found || len(s.FootprintMB) == 0 {
		return 0, false
	}
	if mb, ok := s.FootprintMB[p]; ok {
		return mb, true
	}
	for _, from := range []Precision{FP32, FP16, BF16, INT8} {
		if mb, ok := s.FootprintMB[from]; ok {
			scaled := mb * p.Bytes() / from.Bytes()
			if scaled <= 0 {
				scaled = 1
			}
			return scaled, true
		}
	}
	return 0, false
}

// AcceptsTag reports whether adapters tagged tag may bind to this model.
func (d Descriptor) AcceptsTag(tag string) bool {
	return slices.Contains(d.Accepts, tag)
}

// Param returns a family parameter or def when unset.
func (d Descriptor) Param(name string, def int) int {
	if v, ok := d.Params[name]; ok && v > 0 {
		return v
	}
	return def
}

// Clone returns a deep copy.
func (d Descriptor) Clone() Descriptor {
	out := d
	out.Accepts = slices.Clone(d.Accepts)
	out.Submodules = make([]Submodule, len(d.Submodules))
	for i, s := range d.Submodules {
		s.FootprintMB = cloneMap(s.FootprintMB)
		out.Submodules[i] = s
	}
	out.Params = cloneMap(d.Params)
	return out
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

package adapter

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"

	"diffusiond/internal/registry"
	"diffusiond/internal/tensor"
	"diffusiond/internal/weights"
)

// Kind distinguishes weight-delta adapters from signal-injection adapters.
type Kind string

const (
	LoRA    Kind = "lora"
	Control Kind = "control"
)

// LowRank is one low-rank delta: Δ = (Alpha/rank)·Up·Down applied to the
// Target weight of a submodule. Alpha 0 means rank (scale 1).
type LowRank struct {
	Submodule registry.SubmoduleKind
	Target    string
	Up        tensor.Tensor // out × rank
	Down      tensor.Tensor // rank × in
	Alpha     float64
}

// Delta materializes the dense delta.
func (l LowRank) Delta() (tensor.Tensor, error) {
	if len(l.Up.Shape) != 2 || len(l.Down.Shape) != 2 || l.Up.Shape[1] != l.Down.Shape[0] {
		return tensor.Tensor{}, fmt.Errorf("lora %s/%s: up %v and down %v do not compose", l.Submodule, l.Target, l.Up.Shape, l.Down.Shape)
	}
	rows, rank, cols := l.Up.Shape[0], l.Up.Shape[1], l.Down.Shape[1]
	out := tensor.New(rows, cols)
	d := mat.NewDense(rows, cols, out.Data)
	d.Mul(mat.NewDense(rows, rank, l.Up.Data), mat.NewDense(rank, cols, l.Down.Data))
	if l.Alpha != 0 {
		out.Scale(l.Alpha / float64(rank))
	}
	return out, nil
}

// Spec is a named adapter with a strength multiplier and a compatibility tag.
type Spec struct {
	Name     string
	Kind     Kind
	Tag      string
	Strength float64
	// Deltas are used by LoRA adapters.
	Deltas []LowRank
	// Signal (frames × features) and Layers are used by control adapters.
	Signal tensor.Tensor
	Layers []string
}

// Validate checks the spec is structurally usable.
func (s Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("adapter: empty name")
	}
	if s.Tag == "" {
		return fmt.Errorf("adapter %s: empty compatibility tag", s.Name)
	}
	switch s.Kind {
	case LoRA:
		if len(s.Deltas) == 0 {
			return fmt.Errorf("adapter %s: lora without deltas", s.Name)
		}
		for _, d := range s.Deltas {
			if !d.Submodule.Valid() || d.Target == "" {
				return fmt.Errorf("adapter %s: invalid delta target %s/%s", s.Name, d.Submodule, d.Target)
			}
		}
	case Control:
		if s.Signal.Frames() == 0 || s.Signal.FrameSize() == 0 {
			return fmt.Errorf("adapter %s: control without signal", s.Name)
		}
		if len(s.Layers) == 0 {
			return fmt.Errorf("adapter %s: control without layers", s.Name)
		}
	default:
		return fmt.Errorf("adapter %s: unknown kind %q", s.Name, s.Kind)
	}
	return nil
}

const (
	upSuffix    = ".lora_up.weight"
	downSuffix  = ".lora_down.weight"
	alphaSuffix = ".alpha"
)

// FromBlob builds a LoRA spec from tensors named
// "<submodule>.<target>.lora_up.weight", "<submodule>.<target>.lora_down.weight"
// and optionally "<submodule>.<target>.alpha". Deltas are ordered by name.
func FromBlob(name, tag string, strength float64, blob *weights.Blob) (Spec, error) {
	type pair struct {
		up, down *tensor.Tensor
		alpha    float64
	}
	pairs := map[string]*pair{}
	get := func(prefix string) *pair {
		p := pairs[prefix]
		if p == nil {
			p = &pair{}
			pairs[prefix] = p
		}
		return p
	}
	for _, n := range blob.Names() {
		t, _ := blob.Tensor(n)
		switch {
		case strings.HasSuffix(n, upSuffix):
			get(strings.TrimSuffix(n, upSuffix)).up = &t
		case strings.HasSuffix(n, downSuffix):
			get(strings.TrimSuffix(n, downSuffix)).down = &t
		case strings.HasSuffix(n, alphaSuffix) && t.Len() == 1:
			get(strings.TrimSuffix(n, alphaSuffix)).alpha = t.Data[0]
		}
	}
	prefixes := make([]string, 0, len(pairs))
	for p := range pairs {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)

	spec := Spec{Name: name, Kind: LoRA, Tag: tag, Strength: strength}
	for _, prefix := range prefixes {
		p := pairs[prefix]
		if p.up == nil || p.down == nil {
			return Spec{}, fmt.Errorf("adapter %s: %s lacks an up/down pair", name, prefix)
		}
		kind, target, ok := strings.Cut(prefix, ".")
		if !ok || !registry.SubmoduleKind(kind).Valid() {
			return Spec{}, fmt.Errorf("adapter %s: cannot resolve submodule of %q", name, prefix)
		}
		spec.Deltas = append(spec.Deltas, LowRank{
			Submodule: registry.SubmoduleKind(kind),
			Target:    target,
			Up:        *p.up,
			Down:      *p.down,
			Alpha:     p.alpha,
		})
	}
	return spec, spec.Validate()
}

// ToTensors is the inverse of FromBlob for the deltas of s.
func ToTensors(s Spec) map[string]tensor.Tensor {
	out := make(map[string]tensor.Tensor, 3*len(s.Deltas))
	for _, d := range s.Deltas {
		prefix := string(d.Submodule) + "." + d.Target
		out[prefix+upSuffix] = d.Up
		out[prefix+downSuffix] = d.Down
		if d.Alpha != 0 {
			out[prefix+alphaSuffix] = tensor.Tensor{Shape: []int{1}, Data: []float64{d.Alpha}}
		}
	}
	return out
}

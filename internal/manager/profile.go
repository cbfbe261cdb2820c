package manager

import (
	"fmt"
	"slices"

	"diffusiond/internal/registry"
)

// Profile is a named memory budget policy. It is read-only while a
// generation runs; SetProfile swaps it between windows.
type Profile struct {
	Name      string             `json:"name" yaml:"name" toml:"name"`
	BudgetMB  int                `json:"budget_mb" yaml:"budget_mb" toml:"budget_mb"`
	MarginMB  int                `json:"margin_mb,omitempty" yaml:"margin_mb,omitempty" toml:"margin_mb,omitempty"`
	Precision registry.Precision `json:"precision,omitempty" yaml:"precision,omitempty" toml:"precision,omitempty"`
	// Pinned submodules are never evicted once resident.
	Pinned []registry.SubmoduleKind `json:"pinned,omitempty" yaml:"pinned,omitempty" toml:"pinned,omitempty"`
	// Swappable restricts eviction to these kinds; empty means every
	// non-pinned kind.
	Swappable []registry.SubmoduleKind `json:"swappable,omitempty" yaml:"swappable,omitempty" toml:"swappable,omitempty"`
	// EvictionOrder lists kinds to evict first. Unlisted kinds go last.
	EvictionOrder []registry.SubmoduleKind `json:"eviction_order,omitempty" yaml:"eviction_order,omitempty" toml:"eviction_order,omitempty"`
}

// EffectiveBudgetMB is the budget minus the reserved margin.
func (p Profile) EffectiveBudgetMB() int {
	b := p.BudgetMB - p.MarginMB
	if b < 0 {
		return 0
	}
	return b
}

// ComputePrecision is the precision modules are loaded at, fp16 by default.
func (p Profile) ComputePrecision() registry.Precision {
	if p.Precision == "" {
		return registry.FP16
	}
	return p.Precision
}

func (p Profile) IsPinned(k registry.SubmoduleKind) bool { return slices.Contains(p.Pinned, k) }

// IsSwappable reports whether a resident k may be evicted under p.
func (p Profile) IsSwappable(k registry.SubmoduleKind) bool {
	if p.IsPinned(k) {
		return false
	}
	return len(p.Swappable) == 0 || slices.Contains(p.Swappable, k)
}

func (p Profile) evictRank(k registry.SubmoduleKind) int {
	if i := slices.Index(p.EvictionOrder, k); i >= 0 {
		return i
	}
	return len(p.EvictionOrder)
}

// Validate rejects unusable profiles.
func (p Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile: empty name")
	}
	if p.BudgetMB <= 0 {
		return fmt.Errorf("profile %s: budget must be positive", p.Name)
	}
	if p.MarginMB < 0 || p.MarginMB >= p.BudgetMB {
		return fmt.Errorf("profile %s: margin must be in [0, budget)", p.Name)
	}
	if p.Precision != "" && !p.Precision.Valid() {
		return fmt.Errorf("profile %s: unknown precision %q", p.Name, p.Precision)
	}
	for _, list := range [][]registry.SubmoduleKind{p.Pinned, p.Swappable, p.EvictionOrder} {
		for _, k := range list {
			if !k.Valid() {
				return fmt.Errorf("profile %s: unknown submodule kind %q", p.Name, k)
			}
		}
	}
	for _, k := range p.Pinned {
		if slices.Contains(p.Swappable, k) {
			return fmt.Errorf("profile %s: %s is both pinned and swappable", p.Name, k)
		}
	}
	return nil
}

// DefaultProfiles are used when configuration supplies none.
func DefaultProfiles() []Profile {
	return []Profile{
		{
			Name:          "high-vram",
			BudgetMB:      24576,
			MarginMB:      1024,
			Precision:     registry.FP16,
			Pinned:        []registry.SubmoduleKind{registry.Denoiser, registry.TextEncoder},
			EvictionOrder: []registry.SubmoduleKind{registry.Decoder},
		},
		{
			Name:          "low-vram",
			BudgetMB:      8192,
			MarginMB:      512,
			Precision:     registry.INT8,
			EvictionOrder: []registry.SubmoduleKind{registry.Decoder, registry.TextEncoder, registry.Denoiser},
		},
	}
}

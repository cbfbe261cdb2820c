package manager

import "diffusiond/internal/registry"

// footprintMB returns the accelerator footprint of kind at p. Undeclared
// footprints fall back to the loaded blob size, or 0 when nothing is known.
func footprintMB(d registry.Descriptor, kind registry.SubmoduleKind, p registry.Precision, mod *module) int {
	if mb, ok := d.FootprintMB(kind, p); ok {
		if mb <= 0 {
			// a declared zero must still be accounted
			return 1
		}
		return mb
	}
	if mod != nil && mod.blob != nil && mod.blob.Precision == p {
		return mod.blob.SizeMB()
	}
	return 0
}

func (m *Manager) regIndex(model string) int {
	if m.registry == nil {
		return -1
	}
	return m.registry.Index(model)
}

package registry

// ImageInfo describes a precompiled (system) image mapped into the
// process: which code instance each of its function entry points
// belongs to. Sysimg code carries no per-function registration, so the
// tables are indexed by entry address instead.
type ImageInfo struct {
	Base uint64

	// FuncPointers[i] is the entry address of Instances[i].
	FuncPointers []uint64
	Instances    []any

	// Clones are multi-versioned (per-ISA) copies of functions whose
	// primary entry is listed above. Index refers into Instances.
	Clones []CloneEntry
}

// CloneEntry binds an alternate entry address to an instance index.
type CloneEntry struct {
	Addr  uint64
	Index uint32
}

// RegisterImage records the metadata of a loaded precompiled image,
// keyed by its base address.
func (r *Registry) RegisterImage(base uint64, info ImageInfo) {
	info.Base = base
	r.imagesMu.Lock()
	r.images[base] = info
	r.imagesMu.Unlock()
	r.metrics.Images.Inc()
}

// ImageInfoAt returns the image metadata registered for the given base
// address.
func (r *Registry) ImageInfoAt(base uint64) (ImageInfo, bool) {
	r.imagesMu.Lock()
	defer r.imagesMu.Unlock()
	info, ok := r.images[base]
	return info, ok
}

// InstanceForEntry resolves the code instance whose compiled entry
// point is exactly saddr, checking the clone table first so that
// multi-versioned copies report the same instance as their primary.
func (im *ImageInfo) InstanceForEntry(saddr uint64) any {
	if saddr == 0 {
		return nil
	}
	for _, c := range im.Clones {
		if c.Addr == saddr && int(c.Index) < len(im.Instances) {
			return im.Instances[c.Index]
		}
	}
	for i, p := range im.FuncPointers {
		if p == saddr && i < len(im.Instances) {
			return im.Instances[i]
		}
	}
	return nil
}

package gomalloc

import (
	"github.com/taskalloc/gomalloc/internal/sizeclass"
	"github.com/taskalloc/gomalloc/internal/sysmem"
)

// Options configures a Heap at construction time, mirroring the
// constructor-option pattern the rest of this codebase's ambient
// stack uses for long-lived components.
type Options struct {
	// ArenaCapacity is the virtual address range reserved up front for
	// the small-block arena. Reservation is cheap (no physical pages
	// are touched until carved); it only bounds how far the arena can
	// grow before Malloc starts returning ErrOutOfMemory.
	ArenaCapacity int

	// HeapExpandHint is the minimum granularity the arena grows by
	// when it needs more backing space (mallopt M_TOP_PAD).
	HeapExpandHint int

	// MappingThreshold is the total-request-size boundary at or above
	// which allocations bypass the arena and go straight to an
	// anonymous mapping (mallopt M_MMAP_THRESHOLD).
	MappingThreshold int

	// StatsFd is the file descriptor MallocStats/MallocStatsFd report
	// to by default.
	StatsFd int
}

const (
	defaultArenaCapacity    = 1 << 30 // 1 GiB of reserved address space
	defaultHeapExpandHint   = 1 << 20 // 1 MiB, matching glibc's usual top pad
	defaultMappingThreshold = 128 * 1024
	defaultStatsFd          = 2 // stderr
)

// DefaultOptions returns the Options the package-level functions boot
// the default Heap with.
func DefaultOptions() Options {
	return Options{
		ArenaCapacity:    defaultArenaCapacity,
		HeapExpandHint:   defaultHeapExpandHint,
		MappingThreshold: defaultMappingThreshold,
		StatsFd:          defaultStatsFd,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ArenaCapacity <= 0 {
		o.ArenaCapacity = d.ArenaCapacity
	}
	if o.HeapExpandHint <= 0 {
		o.HeapExpandHint = d.HeapExpandHint
	}
	if o.HeapExpandHint < sysmem.PageSize {
		o.HeapExpandHint = sysmem.PageSize
	}
	if o.MappingThreshold <= 0 {
		o.MappingThreshold = d.MappingThreshold
	}
	if o.StatsFd == 0 {
		o.StatsFd = d.StatsFd
	}
	return o
}

// mallopt option codes, numbered the same as glibc's M_TOP_PAD and
// M_MMAP_THRESHOLD so code ported from a C mallopt call site needs no
// translation table.
const (
	MTopPad        = -2
	MMmapThreshold = -3
)

// Mallopt adjusts a tunable on the default Heap. Following the C
// mallopt convention this function's caller-facing polarity is
// inverted relative to Go's usual error-returning style: it returns 1
// on success and 0 on failure/unknown option, never an error (see
// DESIGN.md, "mallopt return polarity").
func Mallopt(option, value int) int { return mustBoot().Mallopt(option, value) }

func (h *Heap) Mallopt(option, value int) int {
	switch option {
	case MTopPad:
		if value < 0 {
			return 0
		}
		if value < sysmem.PageSize {
			value = sysmem.PageSize
		}
		h.ar.SetHeapExpandHint(value)
		return 1
	case MMmapThreshold:
		h.cfgMu.Lock()
		defer h.cfgMu.Unlock()
		if value < sysmem.PageSize || value > sizeclass.MaxSize() {
			return 0
		}
		h.mappingThreshold = value
		h.table.SetMappingThreshold(value)
		return 1
	default:
		return 0
	}
}

// Package gomalloc is a general-purpose, concurrent, size-classed
// allocator: a segregated-freelist small-block arena backed by a
// genuine anonymous mapping for large requests, with POSIX-style
// introspection (malloc_usable_size, malloc_stats, malloc_info,
// mallopt) layered on top.
//
// The package boots a single process-wide heap lazily, on first use,
// mirroring how a C allocator's arena comes alive on first malloc
// rather than at program start.
package gomalloc

import (
	"math"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/taskalloc/gomalloc/internal/arena"
	"github.com/taskalloc/gomalloc/internal/blockhdr"
	"github.com/taskalloc/gomalloc/internal/debugmode"
	"github.com/taskalloc/gomalloc/internal/freelist"
	"github.com/taskalloc/gomalloc/internal/sizeclass"
	"github.com/taskalloc/gomalloc/internal/sysmem"
)

// A0 is the default pointer alignment every payload satisfies even
// without an explicit aligned-allocation call.
const A0 = blockhdr.Size

// Heap is one independent allocator instance. Most callers use the
// package-level functions, which operate on a lazily-booted default
// Heap; NewHeap exists for tests and callers that want an isolated
// arena (spec §4.G, "bootstrap is independent per Heap instance").
type Heap struct {
	table *sizeclass.Table
	ar    *arena.Arena
	fl    *freelist.Engine

	cfgMu            sync.Mutex
	mappingThreshold int
	statsFdNum       int
	statsWriter      statsWriter

	stats Stats
}

// NewHeap constructs an independent Heap from opts.
func NewHeap(opts Options) (*Heap, error) {
	opts = opts.withDefaults()
	a, err := arena.New(opts.ArenaCapacity, opts.HeapExpandHint)
	if err != nil {
		return nil, err
	}
	t := sizeclass.New(opts.MappingThreshold)
	h := &Heap{
		table:            t,
		ar:               a,
		fl:               freelist.New(sizeclass.NumClasses()),
		mappingThreshold: opts.MappingThreshold,
		statsFdNum:       opts.StatsFd,
	}
	h.statsWriter = newFdWriter(opts.StatsFd)
	return h, nil
}

var (
	defaultOnce sync.Once
	defaultHeap *Heap
	defaultErr  error
)

var booting int32 // debug-only reentrancy guard, see boot()

func boot() (*Heap, error) {
	defaultOnce.Do(func() {
		if debugmode.Enabled {
			debugmode.Assert(atomic.CompareAndSwapInt32(&booting, 0, 1), "recursive boot() call")
		}
		defaultHeap, defaultErr = NewHeap(DefaultOptions())
	})
	return defaultHeap, defaultErr
}

// mustBoot panics if the default Heap failed to initialize; reserving
// ArenaCapacity bytes of address space should never fail in practice,
// so this only fires on a genuinely misconfigured process (e.g. an
// rlimit too small to reserve even the default 1 GiB).
func mustBoot() *Heap {
	h, err := boot()
	if err != nil {
		panic("gomalloc: default heap failed to initialize: " + err.Error())
	}
	return h
}

// blockInfo is the result of unwinding a payload address back to its
// real header and classifying it, computed fresh on every call that
// needs it (spec deliberately keeps no side allocation registry).
type blockInfo struct {
	realHdr    unsafe.Pointer
	alignment  uintptr
	zeroFill   bool
	isMapped   bool
	classIdx   int
	mappingLen int
	usable     int
}

func (h *Heap) decode(payload unsafe.Pointer) blockInfo {
	d := blockhdr.Decode(payload, A0)
	info := blockInfo{realHdr: d.RealHdr, alignment: d.Alignment}
	info.zeroFill = blockhdr.ZeroFill(d.RealHdr)
	val := blockhdr.ClassOrLen(d.RealHdr)
	if h.ar.InRange(uintptr(d.RealHdr)) {
		info.classIdx = val
		if debugmode.Enabled {
			debugmode.Assert(val >= 0 && val < sizeclass.NumClasses(),
				"corrupted header at %p: class index %d out of range", payload, val)
		}
		info.usable = sizeclass.Size(val) - int(uintptr(payload)-uintptr(d.RealHdr))
	} else {
		info.isMapped = true
		info.mappingLen = val
		if debugmode.Enabled {
			debugmode.Assert(val > 0 && val%sysmem.PageSize == 0,
				"corrupted header at %p: mapping length %d is not a positive multiple of the page size", payload, val)
		}
		info.usable = val - int(uintptr(payload)-uintptr(d.RealHdr))
	}
	return info
}

// maxRequestSize bounds n so that n+blockhdr.Size never overflows int.
const maxRequestSize = math.MaxInt - blockhdr.Size

// checkRequestSize classifies a negative or unrepresentable request
// as errTooLarge internally, distinct from a request that is merely
// too big for the system to currently satisfy; both collapse to the
// single public ErrOutOfMemory a caller sees (see DESIGN.md,
// "Large-request classification").
func checkRequestSize(n int) error {
	if n < 0 || n > maxRequestSize {
		return errTooLarge
	}
	return nil
}

// Malloc allocates at least n bytes and returns a payload address
// aligned to A0. A request of exactly 0 bytes is honored as a request
// for sizeof(header) total bytes and returns a distinct, valid,
// freeable, non-null address (spec §4.E, edge case).
func Malloc(n int) (unsafe.Pointer, error) { return mustBoot().Malloc(n) }

func (h *Heap) Malloc(n int) (unsafe.Pointer, error) {
	if checkRequestSize(n) != nil {
		return nil, ErrOutOfMemory
	}
	total := n + blockhdr.Size
	if n == 0 {
		total = blockhdr.Size
	}

	// mappingThreshold is written only via Mallopt and read here without
	// synchronization: a concurrent update can only move the threshold,
	// never corrupt the table mid-read, so at worst one racing
	// allocation takes the path the threshold had a moment ago.
	mapped := h.table.Mapped(total)

	var payload unsafe.Pointer
	var err error
	if mapped {
		payload, err = h.mallocMapped(total)
	} else {
		payload, err = h.mallocArena(total)
	}
	if err != nil {
		return nil, err
	}
	h.stats.recordAlloc(&h.stats.Malloc, h.decode(payload).usable)
	return payload, nil
}

func (h *Heap) mallocArena(total int) (unsafe.Pointer, error) {
	class := h.table.ClassFor(total)
	bucket := sizeclass.Size(class)
	hdr := h.fl.Pop(class)
	if hdr == nil {
		var err error
		hdr, err = h.ar.Extend(bucket)
		if err != nil {
			return nil, ErrOutOfMemory
		}
	}
	blockhdr.WriteReal(hdr, class)
	return blockhdr.PayloadAt(hdr), nil
}

func (h *Heap) mallocMapped(total int) (unsafe.Pointer, error) {
	b, err := sysmem.MapAnon(total)
	if err != nil {
		return nil, ErrOutOfMemory
	}
	if debugmode.Enabled {
		debugmode.Scrub(b)
	}
	hdr := unsafe.Pointer(&b[0])
	blockhdr.WriteMapped(hdr, len(b))
	h.stats.addMapped(len(b))
	return blockhdr.PayloadAt(hdr), nil
}

// Calloc allocates space for count elements of size bytes each,
// zero-filled, failing with ErrOutOfMemory rather than wrapping on
// multiplication overflow.
func Calloc(count, size int) (unsafe.Pointer, error) { return mustBoot().Calloc(count, size) }

func (h *Heap) Calloc(count, size int) (unsafe.Pointer, error) {
	n, overflow := safeMul(count, size)
	if overflow {
		return nil, ErrOutOfMemory
	}
	p, err := h.Malloc(n)
	if err != nil {
		return nil, err
	}
	h.zeroAndMark(p)
	h.stats.record(&h.stats.Calloc)
	return p, nil
}

// zeroAndMark zeros the block's entire usable payload (not just the
// requested n bytes), so a later Realloc into the unused tail still
// observes zero, and marks the block zero-filled.
func (h *Heap) zeroAndMark(p unsafe.Pointer) {
	info := h.decode(p)
	if !(info.isMapped && !debugmode.Enabled) {
		zeroRange(p, info.usable)
	}
	blockhdr.SetZeroFill(info.realHdr)
}

func zeroRange(p unsafe.Pointer, n int) {
	if n <= 0 {
		return
	}
	b := unsafe.Slice((*byte)(p), n)
	for i := range b {
		b[i] = 0
	}
}

func safeMul(a, b int) (int, bool) {
	if a < 0 || b < 0 {
		return 0, true
	}
	if a == 0 || b == 0 {
		return 0, false
	}
	r := a * b
	if r/a != b || r > maxRequestSize {
		return 0, true
	}
	return r, false
}

// Memalign allocates at least n bytes at an address that is a
// multiple of align. align must be a power of two; align < A0 is
// rounded up to A0, matching the "aligned-allocation family never
// under-aligns relative to the default" edge case.
func Memalign(align, n int) (unsafe.Pointer, error) { return mustBoot().Memalign(align, n) }

func (h *Heap) Memalign(align, n int) (unsafe.Pointer, error) {
	if align < A0 {
		align = A0
	}
	if align&(align-1) != 0 {
		return nil, ErrInvalidAlignment
	}
	if align == A0 {
		return h.Malloc(n)
	}
	extra := align - A0 + blockhdr.Size
	if n > maxRequestSize-extra {
		return nil, ErrOutOfMemory
	}
	raw, err := h.Malloc(n + extra)
	if err != nil {
		return nil, err
	}
	rawUsable := h.decode(raw).usable
	realHdr := blockhdr.HeaderAt(raw)
	user := ceilUintptr(uintptr(raw)+uintptr(blockhdr.Size), uintptr(align))
	fakeHdr := unsafe.Pointer(user - uintptr(blockhdr.Size))
	blockhdr.WriteFake(fakeHdr, realHdr, uintptr(align))
	// the raw Malloc above counted rawUsable bytes as live; the fake
	// header the caller actually sees exposes less of that block, so
	// correct LiveBytes down to what's truly reachable past the offset.
	userUsable := h.decode(unsafe.Pointer(user)).usable
	h.stats.adjustLive(userUsable - rawUsable)
	h.stats.record(&h.stats.Memalign)
	return unsafe.Pointer(user), nil
}

func ceilUintptr(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// CMemalign is Memalign's zero-filled, overflow-checked counterpart,
// mirroring Calloc's relationship to Malloc.
func CMemalign(align, count, size int) (unsafe.Pointer, error) {
	return mustBoot().CMemalign(align, count, size)
}

func (h *Heap) CMemalign(align, count, size int) (unsafe.Pointer, error) {
	n, overflow := safeMul(count, size)
	if overflow {
		return nil, ErrOutOfMemory
	}
	p, err := h.Memalign(align, n)
	if err != nil {
		return nil, err
	}
	h.zeroAndMark(p)
	h.stats.record(&h.stats.CMemalign)
	return p, nil
}

// AlignedAlloc is the aligned_alloc/std::align_val_t-style alias for Memalign.
func AlignedAlloc(align, n int) (unsafe.Pointer, error) { return Memalign(align, n) }

// Valloc returns a page-aligned allocation of at least n bytes.
func Valloc(n int) (unsafe.Pointer, error) { return Memalign(sysmem.PageSize, n) }

// POSIX errno-style result codes for PosixMemalign.
const (
	PosixOK     = 0
	PosixEINVAL = 22
	PosixENOMEM = 12
)

// PosixMemalign mirrors posix_memalign(3)'s contract without an
// out-parameter: it returns the payload pointer and a POSIX-style
// result code instead of writing through **ptr and returning errno.
func PosixMemalign(align, n int) (unsafe.Pointer, int) {
	if align < A0 || align&(align-1) != 0 {
		return nil, PosixEINVAL
	}
	p, err := Memalign(align, n)
	if err != nil {
		return nil, PosixENOMEM
	}
	return p, PosixOK
}

// Realloc resizes the allocation at p to at least n bytes, preserving
// its existing alignment and zero-fill bookkeeping. p == nil behaves
// as Malloc(n); n == 0 frees p and returns a fresh Malloc(0) block.
func Realloc(p unsafe.Pointer, n int) (unsafe.Pointer, error) { return mustBoot().Realloc(p, n) }

func (h *Heap) Realloc(p unsafe.Pointer, n int) (unsafe.Pointer, error) {
	if p == nil {
		return h.Malloc(n)
	}
	if n == 0 {
		h.Free(p)
		return h.Malloc(0)
	}
	info := h.decode(p)
	if n <= info.usable && info.usable <= 2*n {
		h.stats.record(&h.stats.Realloc)
		return p, nil
	}
	newPtr, err := h.reallocateInto(info, n)
	if err != nil {
		return nil, err
	}
	copyLen := info.usable
	if newUsable := h.decode(newPtr).usable; newUsable < copyLen {
		copyLen = newUsable
	}
	copy(unsafe.Slice((*byte)(newPtr), copyLen), unsafe.Slice((*byte)(p), copyLen))
	h.Free(p)
	h.stats.record(&h.stats.Realloc)
	return newPtr, nil
}

func (h *Heap) reallocateInto(info blockInfo, n int) (unsafe.Pointer, error) {
	switch {
	case info.alignment > A0 && info.zeroFill:
		return h.CMemalign(int(info.alignment), 1, n)
	case info.alignment > A0:
		return h.Memalign(int(info.alignment), n)
	case info.zeroFill:
		return h.Calloc(1, n)
	default:
		return h.Malloc(n)
	}
}

// ReallocAlign resizes p to at least n bytes at the given alignment.
// If p already carries an alignment tag and its address happens to
// already satisfy align, the tag is updated in place and the resize
// defers to the ordinary Realloc (see DESIGN.md's Open Question log):
// the address is kept only if Realloc's own in-place-reuse window
// covers n, exactly like a same-alignment Realloc; a larger n still
// moves the block. A plain, never-aligned block always takes the full
// aligned-realloc path below.
func ReallocAlign(p unsafe.Pointer, align, n int) (unsafe.Pointer, error) {
	return mustBoot().ReallocAlign(p, align, n)
}

func (h *Heap) ReallocAlign(p unsafe.Pointer, align, n int) (unsafe.Pointer, error) {
	if p == nil {
		return h.Memalign(align, n)
	}
	if align < A0 {
		align = A0
	}
	if align&(align-1) != 0 {
		return nil, ErrInvalidAlignment
	}
	info := h.decode(p)
	if blockhdr.IsFake(blockhdr.HeaderAt(p)) && uintptr(p)%uintptr(align) == 0 {
		blockhdr.WriteFake(blockhdr.HeaderAt(p), info.realHdr, uintptr(align))
		return h.Realloc(p, n)
	}
	var newPtr unsafe.Pointer
	var err error
	if info.zeroFill {
		newPtr, err = h.CMemalign(align, 1, n)
	} else {
		newPtr, err = h.Memalign(align, n)
	}
	if err != nil {
		return nil, err
	}
	copyLen := info.usable
	if newUsable := h.decode(newPtr).usable; newUsable < copyLen {
		copyLen = newUsable
	}
	copy(unsafe.Slice((*byte)(newPtr), copyLen), unsafe.Slice((*byte)(p), copyLen))
	h.Free(p)
	h.stats.record(&h.stats.Realloc)
	return newPtr, nil
}

// Free returns the block at p to the allocator. p == nil is a no-op.
func Free(p unsafe.Pointer) { mustBoot().Free(p) }

func (h *Heap) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	info := h.decode(p)
	if info.isMapped {
		_ = sysmem.Unmap(info.realHdr, info.mappingLen)
		h.stats.subMapped(info.mappingLen)
		h.stats.recordFree(info.usable)
		return
	}
	if debugmode.Enabled {
		debugmode.Scrub(unsafe.Slice((*byte)(p), info.usable))
	}
	h.fl.Push(info.classIdx, info.realHdr)
	h.stats.recordFree(info.usable)
}

// MallocUsableSize reports the number of bytes actually usable at p,
// which may exceed the size last requested.
func MallocUsableSize(p unsafe.Pointer) int { return mustBoot().MallocUsableSize(p) }

func (h *Heap) MallocUsableSize(p unsafe.Pointer) int {
	if p == nil {
		return 0
	}
	return h.decode(p).usable
}

// MallocAlignment reports the alignment guarantee of the block at p.
func MallocAlignment(p unsafe.Pointer) uintptr { return mustBoot().MallocAlignment(p) }

func (h *Heap) MallocAlignment(p unsafe.Pointer) uintptr {
	if p == nil {
		return A0
	}
	return h.decode(p).alignment
}

// MallocZeroFill reports whether the block at p was produced (and has
// not since been reallocated away from) a zero-filling entry point.
func MallocZeroFill(p unsafe.Pointer) bool { return mustBoot().MallocZeroFill(p) }

func (h *Heap) MallocZeroFill(p unsafe.Pointer) bool {
	if p == nil {
		return false
	}
	return h.decode(p).zeroFill
}

// MallocBytes is the Go-idiomatic convenience wrapper around Malloc:
// it returns a []byte of length n backed by allocator memory, for
// callers that want slice ergonomics instead of unsafe.Pointer.
func MallocBytes(n int) ([]byte, error) { return mustBoot().MallocBytes(n) }

func (h *Heap) MallocBytes(n int) ([]byte, error) {
	p, err := h.Malloc(n)
	if err != nil {
		return nil, err
	}
	usable := h.MallocUsableSize(p)
	return unsafe.Slice((*byte)(p), usable)[:n], nil
}

// FreeBytes frees a slice previously returned by MallocBytes. b's
// backing array must start at the address MallocBytes returned; a
// reslice that only shrinks len (not cap) is fine.
func FreeBytes(b []byte) { mustBoot().FreeBytes(b) }

func (h *Heap) FreeBytes(b []byte) {
	if cap(b) == 0 {
		return
	}
	full := b[:cap(b)]
	h.Free(unsafe.Pointer(&full[0]))
}

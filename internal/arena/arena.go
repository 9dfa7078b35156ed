// Package arena implements Component C: the contiguous small-block
// arena, grown by advancing a simulated program break under a single
// mutual-exclusion "extend lock".
//
// Go has no portable brk(2) equivalent, so the arena reserves one large,
// fixed-capacity backing slice once at boot (via dirtmake.Bytes, which
// skips the zero-fill make() would otherwise perform — the allocator
// zeroes payloads itself on the calloc path). extend() never reallocates
// that slice; it only advances a high-water mark within it, so every
// address ever handed out stays valid and stable for the process
// lifetime, matching §3's "the arena grows monotonically" invariant
// exactly. Reaching the reservation's capacity is treated the same way
// a real sbrk hitting another mapping or an rlimit would be: OOM.
package arena

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"

	"github.com/taskalloc/gomalloc/internal/debugmode"
)

// A0 is the default pointer alignment; arena addresses are always
// multiples of it.
const A0 = 16

// ErrOutOfMemory is returned when the arena's reservation is exhausted.
var ErrOutOfMemory = fmt.Errorf("arena: out of memory")

// Arena owns one contiguous backing region and a bump-pointer carve
// cursor into it.
type Arena struct {
	backing []byte
	begin   uintptr

	mu            sync.Mutex // the "extend lock" (spec §4.C, §5)
	committed     int        // bytes simulated-sbrk-reserved so far
	carved        int        // bytes handed out to callers so far
	heapExpandHint int

	end uint64 // atomic snapshot of begin+carved, read without the lock
}

// New reserves capacity bytes of virtual arena space and returns an
// Arena ready to carve blocks from. heapExpandHint is the minimum
// growth granularity (spec §4.C / mallopt M_TOP_PAD), clamped to at
// least one page by the caller.
func New(capacity, heapExpandHint int) (*Arena, error) {
	backing := dirtmake.Bytes(capacity, capacity)
	if len(backing) == 0 {
		return nil, fmt.Errorf("arena: zero-capacity reservation")
	}
	a := &Arena{
		backing:        backing,
		begin:          uintptr(unsafe.Pointer(&backing[0])),
		heapExpandHint: heapExpandHint,
	}
	atomic.StoreUint64(&a.end, uint64(a.begin))
	return a, nil
}

// SetHeapExpandHint updates the growth granularity (mallopt M_TOP_PAD).
func (a *Arena) SetHeapExpandHint(n int) {
	a.mu.Lock()
	a.heapExpandHint = n
	a.mu.Unlock()
}

// Begin returns the arena's fixed starting address.
func (a *Arena) Begin() uintptr { return a.begin }

// End returns a monotonic, lock-free snapshot of the current arena end
// (begin + bytes carved so far). Safe to call concurrently with Extend;
// per spec §5, "free reads it only for the mapped-vs-arena
// classification, which remains correct as the arena can only expand".
func (a *Arena) End() uintptr { return uintptr(atomic.LoadUint64(&a.end)) }

// InRange reports whether addr falls within [Begin, End).
func (a *Arena) InRange(addr uintptr) bool {
	return a.begin <= addr && addr < a.End()
}

// Extend reserves n bytes at the current arena tail and returns their
// start address. n must be a positive multiple of A0. Growing the
// backing reservation's high-water mark (the simulated sbrk advance)
// only happens when the uncarved tail is insufficient, and only ever
// holds the extend lock for simple arithmetic — no syscalls, since the
// whole capacity was reserved once at boot.
func (a *Arena) Extend(n int) (unsafe.Pointer, error) {
	if n <= 0 || n%A0 != 0 {
		panic("arena: n must be a positive multiple of A0")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.committed-a.carved < n {
		grow := n
		if a.heapExpandHint > grow {
			grow = a.heapExpandHint
		}
		grow = roundup(grow, A0)
		if a.committed+grow > len(a.backing) {
			grow = len(a.backing) - a.committed
		}
		if grow < n {
			return nil, ErrOutOfMemory
		}
		if debugmode.Enabled {
			debugmode.Scrub(a.backing[a.committed : a.committed+grow])
		}
		a.committed += grow
	}

	start := a.carved
	a.carved += n
	atomic.StoreUint64(&a.end, uint64(a.begin)+uint64(a.carved))
	return unsafe.Pointer(&a.backing[start]), nil
}

// Remaining returns the number of bytes already simulated-reserved but
// not yet carved out (arenaRemaining in spec terms). Exposed for tests.
func (a *Arena) Remaining() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.committed - a.carved
}

// Capacity returns the arena's total reservation size.
func (a *Arena) Capacity() int { return len(a.backing) }

func roundup(n, m int) int { return (n + m - 1) &^ (m - 1) }

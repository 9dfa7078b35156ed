package gomalloc

import (
	"bytes"
	"runtime"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHeap(t *testing.T) *Heap {
	t.Helper()
	h, err := NewHeap(Options{ArenaCapacity: 16 << 20, HeapExpandHint: 64 * 1024, MappingThreshold: 64 * 1024})
	require.NoError(t, err)
	return h
}

func TestMallocAlignment(t *testing.T) {
	h := newTestHeap(t)
	for _, n := range []int{0, 1, 7, 16, 100, 4096, 1 << 20} {
		p, err := h.Malloc(n)
		require.NoError(t, err, "n=%d", n)
		assert.Zero(t, uintptr(p)%A0, "payload must be A0-aligned, n=%d", n)
	}
}

func TestMallocUsableSizeAtLeastRequested(t *testing.T) {
	h := newTestHeap(t)
	for _, n := range []int{1, 100, 1000, 100000} {
		p, err := h.Malloc(n)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, h.MallocUsableSize(p), n)
	}
}

func TestMallocBlocksDoNotAlias(t *testing.T) {
	h := newTestHeap(t)
	p1, err := h.Malloc(64)
	require.NoError(t, err)
	p2, err := h.Malloc(64)
	require.NoError(t, err)

	b1 := unsafe.Slice((*byte)(p1), h.MallocUsableSize(p1))
	b2 := unsafe.Slice((*byte)(p2), h.MallocUsableSize(p2))
	for i := range b1 {
		b1[i] = 0xAA
	}
	for i := range b2 {
		b2[i] = 0xBB
	}
	for i := range b1 {
		assert.Equal(t, byte(0xAA), b1[i])
	}
}

func TestCallocZeroesEntirePayload(t *testing.T) {
	h := newTestHeap(t)
	p, err := h.Calloc(10, 8)
	require.NoError(t, err)

	usable := h.MallocUsableSize(p)
	b := unsafe.Slice((*byte)(p), usable)
	for i, v := range b {
		assert.Zero(t, v, "byte %d not zeroed", i)
	}
	assert.True(t, h.MallocZeroFill(p))
}

func TestCallocOverflowRejected(t *testing.T) {
	h := newTestHeap(t)
	_, err := h.Calloc(1<<40, 1<<40)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestReallocPreservesLeadingBytes(t *testing.T) {
	h := newTestHeap(t)
	p, err := h.Malloc(32)
	require.NoError(t, err)
	b := unsafe.Slice((*byte)(p), 32)
	for i := range b {
		b[i] = byte(i)
	}

	p2, err := h.Realloc(p, 4096)
	require.NoError(t, err)
	b2 := unsafe.Slice((*byte)(p2), 32)
	for i := range b2 {
		assert.Equal(t, byte(i), b2[i])
	}
}

func TestReallocPreservesAlignment(t *testing.T) {
	h := newTestHeap(t)
	p, err := h.Memalign(256, 16)
	require.NoError(t, err)
	assert.Zero(t, uintptr(p)%256)

	p2, err := h.Realloc(p, 8192)
	require.NoError(t, err)
	assert.Zero(t, uintptr(p2)%256, "realloc must preserve the block's alignment")
}

func TestReallocAlignShortcutsWhenAddressAlreadySatisfiesAlignment(t *testing.T) {
	h := newTestHeap(t)
	p, err := h.Memalign(256, 64)
	require.NoError(t, err)
	b := unsafe.Slice((*byte)(p), 64)
	for i := range b {
		b[i] = byte(i)
	}

	// 128 divides anything that's 256-aligned, so the shortcut should
	// fire even though the recorded tag (256) differs from the request.
	// Requesting the same size keeps the resize inside Realloc's own
	// in-place-reuse window, so the address stays the same too; a much
	// larger n would still move the block, exactly like a same-alignment
	// Realloc would (see DESIGN.md's Open Question log).
	p2, err := h.ReallocAlign(p, 128, 64)
	require.NoError(t, err)
	assert.Equal(t, p, p2, "address-compatible realign within Realloc's reuse window must keep the same address")
	assert.Equal(t, uintptr(128), h.MallocAlignment(p2))

	b2 := unsafe.Slice((*byte)(p2), 64)
	for i := range b2 {
		assert.Equal(t, byte(i), b2[i], "shortcut path must preserve leading bytes")
	}
}

func TestReallocAlignShortcutDefersToRealloctSizingForLargerN(t *testing.T) {
	h := newTestHeap(t)
	p, err := h.Memalign(256, 64)
	require.NoError(t, err)
	b := unsafe.Slice((*byte)(p), 64)
	for i := range b {
		b[i] = byte(i)
	}

	// a large enough n falls outside Realloc's in-place-reuse window, so
	// even the address-compatible shortcut still relocates the block.
	p2, err := h.ReallocAlign(p, 128, 1<<20)
	require.NoError(t, err)
	assert.Zero(t, uintptr(p2)%128)

	b2 := unsafe.Slice((*byte)(p2), 64)
	for i := range b2 {
		assert.Equal(t, byte(i), b2[i], "relocated shortcut path must preserve leading bytes")
	}
}

func TestReallocAlignAllocatesFreshBlockForPlainPointer(t *testing.T) {
	h := newTestHeap(t)
	p, err := h.Malloc(64)
	require.NoError(t, err)
	b := unsafe.Slice((*byte)(p), 64)
	for i := range b {
		b[i] = byte(i)
	}

	// a never-aligned block always takes the full aligned-realloc path,
	// regardless of whether its address happens to already satisfy align.
	p2, err := h.ReallocAlign(p, 4096, 128)
	require.NoError(t, err)
	assert.Zero(t, uintptr(p2)%4096)

	b2 := unsafe.Slice((*byte)(p2), 64)
	for i := range b2 {
		assert.Equal(t, byte(i), b2[i], "full rebuild path must preserve leading bytes")
	}
}

func TestReallocAlignPreservesZeroFill(t *testing.T) {
	h := newTestHeap(t)
	p, err := h.CMemalign(256, 1, 16)
	require.NoError(t, err)
	require.True(t, h.MallocZeroFill(p))

	// different alignment, non-numerically-compatible with the old tag,
	// forces the full rebuild path.
	p2, err := h.ReallocAlign(p, 4096, 8192)
	require.NoError(t, err)
	assert.Zero(t, uintptr(p2)%4096)
	assert.True(t, h.MallocZeroFill(p2), "rebuilt block must still be marked zero-filled")

	usable := h.MallocUsableSize(p2)
	buf := unsafe.Slice((*byte)(p2), usable)
	for i := 16; i < len(buf); i++ {
		assert.Zero(t, buf[i], "bytes past the copied prefix must stay zero")
	}
}

func TestReallocAlignNilActsAsMemalign(t *testing.T) {
	h := newTestHeap(t)
	p, err := h.ReallocAlign(nil, 256, 64)
	require.NoError(t, err)
	assert.Zero(t, uintptr(p)%256)
}

func TestMemalignRejectsNonPowerOfTwo(t *testing.T) {
	h := newTestHeap(t)
	_, err := h.Memalign(48, 16)
	assert.ErrorIs(t, err, ErrInvalidAlignment)
}

func TestMemalignBelowA0RoundsUp(t *testing.T) {
	h := newTestHeap(t)
	p, err := h.Memalign(1, 16)
	require.NoError(t, err)
	assert.Zero(t, uintptr(p)%A0)
}

func TestFreeThenMallocReusesLIFO(t *testing.T) {
	h := newTestHeap(t)
	p1, err := h.Malloc(64)
	require.NoError(t, err)
	p2, err := h.Malloc(64)
	require.NoError(t, err)

	h.Free(p1)
	h.Free(p2)

	// same class, so the allocator must hand the most recently freed
	// block back first.
	p3, err := h.Malloc(64)
	require.NoError(t, err)
	assert.Equal(t, p2, p3)
}

func TestLargeAllocationTakesMappedPath(t *testing.T) {
	h := newTestHeap(t)
	p, err := h.Malloc(1 << 20)
	require.NoError(t, err)
	defer h.Free(p)

	info := h.decode(p)
	assert.True(t, info.isMapped)
	assert.False(t, h.ar.InRange(uintptr(p)))
}

func TestFreeNilIsNoOp(t *testing.T) {
	h := newTestHeap(t)
	assert.NotPanics(t, func() { h.Free(nil) })
}

func TestMallocZeroBytesReturnsDistinctFreeableBlocks(t *testing.T) {
	h := newTestHeap(t)
	p1, err := h.Malloc(0)
	require.NoError(t, err)
	p2, err := h.Malloc(0)
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)
	assert.NotPanics(t, func() {
		h.Free(p1)
		h.Free(p2)
	})
}

func TestPosixMemalignResultCodes(t *testing.T) {
	_, code := PosixMemalign(48, 16)
	assert.Equal(t, PosixEINVAL, code)

	p, code := PosixMemalign(256, 16)
	assert.Equal(t, PosixOK, code)
	assert.NotNil(t, p)
}

func TestMalloptTopPadAcceptsPositiveValues(t *testing.T) {
	h := newTestHeap(t)
	assert.Equal(t, 1, h.Mallopt(MTopPad, 1<<16))
	assert.Equal(t, 0, h.Mallopt(MTopPad, -1))
}

func TestMalloptMmapThresholdRejectsOutOfRange(t *testing.T) {
	h := newTestHeap(t)
	assert.Equal(t, 0, h.Mallopt(MMmapThreshold, -1))
	assert.Equal(t, 1, h.Mallopt(MMmapThreshold, 4096))
}

func TestMalloptUnknownOptionFails(t *testing.T) {
	h := newTestHeap(t)
	assert.Equal(t, 0, h.Mallopt(999, 1))
}

func TestWriteStatsReportsLiveCounters(t *testing.T) {
	h := newTestHeap(t)
	p, err := h.Malloc(128)
	require.NoError(t, err)

	var buf bytes.Buffer
	h.WriteStats(&buf)
	assert.Contains(t, buf.String(), "live:")

	h.Free(p)
	buf.Reset()
	h.WriteStats(&buf)
	assert.Contains(t, buf.String(), "live:     0 bytes")
}

func TestMallocInfoProducesWellFormedXML(t *testing.T) {
	h := newTestHeap(t)
	var buf bytes.Buffer
	require.NoError(t, h.MallocInfo(0, &buf))
	assert.Contains(t, buf.String(), "<malloc")
	assert.Contains(t, buf.String(), "</malloc>")
}

func TestMallocBytesFreeBytesRoundTrip(t *testing.T) {
	h := newTestHeap(t)
	b, err := h.MallocBytes(100)
	require.NoError(t, err)
	assert.Len(t, b, 100)
	for i := range b {
		b[i] = byte(i)
	}
	assert.NotPanics(t, func() { h.FreeBytes(b) })
}

// TestConcurrentAllocFreeStress exercises both the arena and mapped
// paths from many goroutines at once, checking only that nothing races
// or panics.
func TestConcurrentAllocFreeStress(t *testing.T) {
	h := newTestHeap(t)
	workers := runtime.GOMAXPROCS(0)
	const rounds = 2000

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			sizes := []int{8, 64, 512, 4096, 70000}
			for i := 0; i < rounds; i++ {
				n := sizes[(seed+i)%len(sizes)]
				p, err := h.Malloc(n)
				if err != nil {
					continue
				}
				b := unsafe.Slice((*byte)(p), h.MallocUsableSize(p))
				b[0] = byte(seed)
				h.Free(p)
			}
		}(w)
	}
	wg.Wait()
}

func TestMallocGetSetStateAreStubs(t *testing.T) {
	assert.Nil(t, MallocGetState())
	assert.NotEqual(t, 0, MallocSetState(nil))
}

func TestMallocTrimIsNoOp(t *testing.T) {
	h := newTestHeap(t)
	assert.Equal(t, 0, h.MallocTrim(0))
}

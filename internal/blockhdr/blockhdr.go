// Package blockhdr implements the tagged real/fake block header codec
// described by Component B. A header is two machine words (16 bytes,
// equal to A0) written directly into the arena or mapped bytes.
//
// Real header, word0: bit0 = 0 (real); bit1 = zero-fill flag; bits[2:]
// = class index (arena-owned) or mapping length in bytes (mapped,
// discriminated by the caller comparing the header address against the
// arena range, never by a bit in the header itself). word1 = free-chain
// link (the address of the next free header, or 0), live only while the
// block sits on a freelist.
//
// Fake header, word0: bit0 = 1 (fake); bits[1:] = alignment (always a
// power of two >= 16, so its own low bit is already 0). word1 = byte
// offset from the fake header back to the real header.
package blockhdr

import "unsafe"

// Size is the header footprint in bytes; equals the A0 alignment.
const Size = 16

const (
	fakeFlag     = uint64(1)
	zeroFillFlag = uint64(2)
	valueMask    = ^uint64(3)
)

type raw struct {
	word0 uint64
	word1 uint64
}

func at(p unsafe.Pointer) *raw { return (*raw)(p) }

// WriteReal initializes p as a real header owned by size class class.
// Clears the zero-fill bit.
func WriteReal(p unsafe.Pointer, class int) {
	h := at(p)
	h.word0 = uint64(class) << 2
	h.word1 = 0
}

// WriteMapped initializes p as a real header for a mapped block of the
// given total mapping length (a positive multiple of the page size).
func WriteMapped(p unsafe.Pointer, mappingLen int) {
	h := at(p)
	h.word0 = uint64(mappingLen) << 2
	h.word1 = 0
}

// WriteFake writes a fake header at fakeHdr pointing back to realHdr,
// recording alignment. fakeHdr must be at a strictly higher address
// than realHdr.
func WriteFake(fakeHdr, realHdr unsafe.Pointer, alignment uintptr) {
	h := at(fakeHdr)
	h.word0 = uint64(alignment) | fakeFlag
	h.word1 = uint64(uintptr(fakeHdr) - uintptr(realHdr))
}

// SetZeroFill sets the zero-fill bit on a real header.
func SetZeroFill(realHdr unsafe.Pointer) {
	at(realHdr).word0 |= zeroFillFlag
}

// ZeroFill reports the zero-fill bit of a real header.
func ZeroFill(realHdr unsafe.Pointer) bool {
	return at(realHdr).word0&zeroFillFlag != 0
}

// ClassOrLen returns the payload value stored in a real header's word0:
// the owning class index when arena-owned, or the mapping length in
// bytes when mapped. The caller determines which interpretation applies.
func ClassOrLen(realHdr unsafe.Pointer) int {
	return int(at(realHdr).word0 & valueMask >> 2)
}

// SetLink stores the free-chain link (the address of the next free
// block's header, or 0) on a real header. Only meaningful while the
// block sits on a freelist.
func SetLink(realHdr unsafe.Pointer, next uintptr) {
	at(realHdr).word1 = uint64(next)
}

// Link reads the free-chain link of a real header.
func Link(realHdr unsafe.Pointer) uintptr {
	return uintptr(at(realHdr).word1)
}

// IsFake reports whether the header at p is a fake header.
func IsFake(p unsafe.Pointer) bool {
	return at(p).word0&fakeFlag != 0
}

// Decoded is the result of unwrapping a payload address back to its
// real header.
type Decoded struct {
	RealHdr   unsafe.Pointer
	Alignment uintptr
}

// Decode unwraps the header immediately preceding payload. If that
// header is fake, it follows the recorded offset back to the real
// header and returns the recorded alignment; otherwise it returns the
// header itself and the default alignment a0.
func Decode(payload unsafe.Pointer, a0 uintptr) Decoded {
	hdr := unsafe.Add(payload, -Size)
	h := at(hdr)
	if h.word0&fakeFlag == 0 {
		return Decoded{RealHdr: hdr, Alignment: a0}
	}
	alignment := uintptr(h.word0 &^ fakeFlag)
	realHdr := unsafe.Add(hdr, -int(h.word1))
	return Decoded{RealHdr: realHdr, Alignment: alignment}
}

// HeaderAt returns the header immediately preceding payload, i.e.
// payload - Size, without unwrapping a fake header. For a non-aligned
// payload this is the real header; for an aligned one it is the fake
// header (callers use it that way to test IsFake).
func HeaderAt(payload unsafe.Pointer) unsafe.Pointer {
	return unsafe.Add(payload, -Size)
}

// PayloadAt returns the payload address that sits immediately after the
// header at hdr.
func PayloadAt(hdr unsafe.Pointer) unsafe.Pointer {
	return unsafe.Add(hdr, Size)
}

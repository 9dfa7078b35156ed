//go:build windows

package sysmem

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"unsafe"
)

// handles tracks the CreateFileMapping handle backing each view, since
// UnmapViewOfFile only takes the address.
var (
	handlesMu sync.Mutex
	handles   = map[uintptr]syscall.Handle{}
)

// MapAnon reserves a fresh anonymous mapping of at least size bytes,
// rounded up to a whole number of pages, the same two-step
// CreateFileMapping/MapViewOfFile dance any Windows mmap shim uses.
func MapAnon(size int) ([]byte, error) {
	size = RoundUpToPage(size)

	maxSizeHigh := uint32(int64(size) >> 32)
	maxSizeLow := uint32(int64(size) & 0xFFFFFFFF)
	h, err := syscall.CreateFileMapping(syscall.InvalidHandle, nil, syscall.PAGE_READWRITE, maxSizeHigh, maxSizeLow, nil)
	if h == 0 {
		return nil, fmt.Errorf("sysmem: CreateFileMapping %d bytes: %w", size, os.NewSyscallError("CreateFileMapping", err))
	}

	addr, err := syscall.MapViewOfFile(h, syscall.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if addr == 0 {
		syscall.CloseHandle(h)
		return nil, fmt.Errorf("sysmem: MapViewOfFile %d bytes: %w", size, os.NewSyscallError("MapViewOfFile", err))
	}
	if addr&uintptr(PageSize-1) != 0 {
		panic("sysmem: MapViewOfFile returned a non-page-aligned address")
	}

	handlesMu.Lock()
	handles[addr] = h
	handlesMu.Unlock()

	var b []byte
	sh := (*struct {
		Data uintptr
		Len  int
		Cap  int
	})(unsafe.Pointer(&b))
	sh.Data = addr
	sh.Len = size
	sh.Cap = size
	return b, nil
}

// Unmap releases a mapping previously returned by MapAnon.
func Unmap(addr unsafe.Pointer, size int) error {
	a := uintptr(addr)
	if err := syscall.UnmapViewOfFile(a); err != nil {
		return fmt.Errorf("sysmem: UnmapViewOfFile: %w", err)
	}

	handlesMu.Lock()
	h, ok := handles[a]
	delete(handles, a)
	handlesMu.Unlock()
	if !ok {
		return fmt.Errorf("sysmem: unmap of untracked address %p", addr)
	}
	if err := syscall.CloseHandle(h); err != nil {
		return fmt.Errorf("sysmem: CloseHandle: %w", err)
	}
	return nil
}

//go:build gomalloc_debug

package debugmode

import "fmt"

// Enabled reports whether this build was compiled with -tags gomalloc_debug.
const Enabled = true

// Assert panics with the formatted diagnostic when cond is false; used
// for the CorruptedHeader/WildPointer/RecursiveBoot checks. The message
// is whatever the caller formats (Heap.decode's checks include the
// payload address, not the name of the calling operation).
func Assert(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("gomalloc: "+format, args...))
	}
}

// Scrub fills b with 0xFF, used to surface uninitialized-read bugs on
// newly reserved arena pages and use-after-free on freed payloads.
func Scrub(b []byte) {
	for i := range b {
		b[i] = 0xFF
	}
}

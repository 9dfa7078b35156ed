//go:build !gomalloc_debug

// Package debugmode gates the checks spec §7 marks as "detectable only
// in debug builds": header/class sanity assertions, recursive-boot
// detection, and the 0xFF scrub of newly reserved pages and freed
// payloads. Built without the gomalloc_debug tag, every hook here is a
// zero-cost no-op.
package debugmode

// Enabled reports whether this build was compiled with -tags gomalloc_debug.
const Enabled = false

// Assert is a no-op in release builds.
func Assert(cond bool, format string, args ...interface{}) {}

// Scrub is a no-op in release builds.
func Scrub(b []byte) {}

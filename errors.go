package gomalloc

import "errors"

// ErrOutOfMemory is returned whenever the allocator cannot satisfy a
// request: the system denied an extension/mapping, or the request
// exceeds what is representable at all (spec §7 OutOfMemory).
var ErrOutOfMemory = errors.New("gomalloc: out of memory")

// ErrInvalidAlignment is returned by the aligned-allocation entry
// points when align is not a power of two (spec §7 InvalidAlignment).
// An align below A0 is raised to A0 rather than rejected.
var ErrInvalidAlignment = errors.New("gomalloc: alignment must be a power of two >= A0")

// errTooLarge is an internal sentinel distinguishing a static
// "request cannot be represented" rejection from a dynamic resource
// failure; it always surfaces to callers as ErrOutOfMemory (see
// DESIGN.md, "Large-request classification").
var errTooLarge = errors.New("gomalloc: request too large to represent")

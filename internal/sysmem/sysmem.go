// Package sysmem wraps the OS primitives spec §6 treats as abstract
// capabilities: a page-size query and an anonymous-mapping pair. These
// back the mapped allocation path (Component E/F) and the one-page floor
// on the arena's growth hint (Component C).
package sysmem

import "os"

// PageSize is queried once at process start, matching spec §4.G's
// "page size is queried once from the system".
var PageSize = os.Getpagesize()

// RoundUpToPage rounds n up to the next multiple of PageSize.
func RoundUpToPage(n int) int {
	p := PageSize
	return (n + p - 1) &^ (p - 1)
}

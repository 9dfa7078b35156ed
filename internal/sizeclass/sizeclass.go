// Package sizeclass implements the static bucket-size table and the
// fast byte-count-to-class lookup described by Component A.
package sizeclass

import "sort"

// HeaderSize is the number of bytes every block's header occupies
// before the payload. It must equal A0 (the default pointer alignment)
// so payloads come out naturally aligned.
const HeaderSize = 16

// fastBound is the exclusive upper bound on total-byte-counts handled by
// direct lookup table indexing; requests at or above it fall through to
// binary search.
const fastBound = 2048

// classSizes is the static bucket-size table. It is dense (multiples of
// 16) through the small range and grows sparser toward the upper bound,
// with entries that land on a power of two bumped by HeaderSize so the
// *net payload* at exactly that power of two equals the power of two.
//
// Shape and exact breakpoints are carried from the heap this allocator's
// spec was distilled from: runs of 4, 3, 4, 4, 4, 2, 4, 2, then six runs
// of 8, then runs of 4, 8 and 4 to the end of the table.
var classSizes = buildClassSizes()

func buildClassSizes() []int {
	pow2 := func(n int) int { return n + HeaderSize }
	return []int{
		16, 32, 48, pow2(64),
		96, 112, pow2(128),
		160, 192, 224, pow2(256),
		320, 384, 448, pow2(512),
		640, 768, 896, pow2(1024),
		1536, pow2(2048),
		2560, 3072, 3584, pow2(4096),
		6144, pow2(8192),
		9216, 10240, 11264, 12288, 13312, 14336, 15360, pow2(16384),
		18432, 20480, 22528, 24576, 26624, 28672, 30720, pow2(32768),
		36864, 40960, 45056, 49152, 53248, 57344, 61440, pow2(65536),
		73728, 81920, 90112, 98304, 106496, 114688, 122880, pow2(131072),
		147456, 163840, 180224, 196608, 212992, 229376, 245760, pow2(262144),
		294912, 327680, 360448, 393216, 425984, 458752, 491520, pow2(524288),
		655360, 786432, 917504, pow2(1048576),
		1179648, 1310720, 1441792, 1572864, 1703936, 1835008, 1966080, pow2(2097152),
		2621440, 3145728, 3670016, pow2(4194304),
	}
}

// lookup[n] is the index of the smallest class whose size >= n, for
// n in [0, fastBound). Built once at package init.
var lookup [fastBound]uint8

func init() {
	if len(classSizes) > 1<<8 {
		panic("sizeclass: too many classes for a uint8 fast lookup table")
	}
	idx := 0
	for n := 0; n < fastBound; n++ {
		for idx < len(classSizes) && classSizes[idx] < n {
			idx++
		}
		lookup[n] = uint8(idx)
	}
}

// Table holds the per-heap view of the static size-class table: the
// mapping threshold and the class range it allows, both changed by
// SetMappingThreshold. classIdx indexes Size directly; the caller looks
// up a class by calling ClassFor.
type Table struct {
	// maxClassInUse is the smallest class index whose bucket size is
	// >= the configured mapping threshold, i.e. the ceiling class that
	// must exist so every arena-eligible request actually fits a
	// bucket. ClassFor only searches classes up to this index.
	maxClassInUse int

	// threshold is the effective request total-size boundary at/above
	// which the mapped path is used: the configured mapping threshold,
	// clamped down to the largest bucket size the table can offer
	// (classSizes[maxClassInUse]) so a threshold above the table's
	// range never strands requests the arena genuinely cannot serve.
	threshold int
}

// New builds a Table for the given mapping threshold (request total-size
// boundary at/above which the mapped path is used).
func New(mappingThreshold int) *Table {
	t := &Table{}
	t.SetMappingThreshold(mappingThreshold)
	return t
}

// SetMappingThreshold recomputes maxClassInUse and threshold; see
// Component G / mallopt M_MMAP_THRESHOLD. maxClassInUse is chosen as the
// smallest class whose size is >= mappingThreshold, so every totalBytes
// <= threshold is guaranteed to fit within [0, maxClassInUse] instead of
// being quantized down to a class too small to hold it.
func (t *Table) SetMappingThreshold(mappingThreshold int) {
	i := sort.Search(len(classSizes), func(i int) bool { return classSizes[i] >= mappingThreshold })
	if i >= len(classSizes) {
		i = len(classSizes) - 1
	}
	t.maxClassInUse = i
	t.threshold = mappingThreshold
	if t.threshold > classSizes[i] {
		t.threshold = classSizes[i]
	}
}

// NumClasses returns the total number of classes in the static table.
func NumClasses() int { return len(classSizes) }

// Size returns the bucket size (total bytes, header included) of class i.
func Size(i int) int { return classSizes[i] }

// MaxSize returns the largest bucket size the table can ever offer,
// regardless of the configured mapping threshold; used to bound
// mallopt(M_MMAP_THRESHOLD, ...) inputs.
func MaxSize() int { return classSizes[len(classSizes)-1] }

// Mapped reports whether totalBytes (userBytes + HeaderSize) is at or
// above the effective mapping threshold and must be served by the
// mapped path.
func (t *Table) Mapped(totalBytes int) bool {
	return totalBytes >= t.threshold
}

// ClassFor returns the smallest class index whose bucket size >=
// totalBytes. The caller must first check Mapped(totalBytes).
func (t *Table) ClassFor(totalBytes int) int {
	if totalBytes < fastBound {
		idx := int(lookup[totalBytes])
		if idx <= t.maxClassInUse {
			return idx
		}
	}
	// Binary search the in-use prefix.
	lo, hi := 0, t.maxClassInUse
	for lo < hi {
		mid := (lo + hi) / 2
		if classSizes[mid] < totalBytes {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// MaxClassInUse returns the current largest usable class index.
func (t *Table) MaxClassInUse() int { return t.maxClassInUse }

// MaxBucketSize returns the bucket size of the largest class in use,
// i.e. the current ceiling for the arena path.
func (t *Table) MaxBucketSize() int { return classSizes[t.maxClassInUse] }

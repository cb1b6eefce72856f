// Package mem defines memory sizes, the page geometry of the target
// architecture and raw memory helpers shared by the memory managers.
package mem

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages required for storing this size.
func (s Size) Pages() uint64 {
	return uint64(AlignUp(uintptr(s), uintptr(PageSize)) >> PageShift)
}

// AlignUp rounds addr up to the next multiple of align. The align argument
// must be a power of two.
func AlignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

// AlignDown rounds addr down to the previous multiple of align. The align
// argument must be a power of two.
func AlignDown(addr, align uintptr) uintptr {
	return addr &^ (align - 1)
}

// IsPowerOfTwo returns true if v is a non-zero power of two.
func IsPowerOfTwo(v uintptr) bool {
	return v != 0 && v&(v-1) == 0
}

package vmm

import (
	"unsafe"

	"github.com/vaibhav-gopal/mini-os/kernel/mem"
)

var (
	// ptePtrFn returns a pointer to the supplied entry address. It is
	// used by tests to override the generated page table entry pointers so
	// walk() can be properly tested. When compiling the kernel this function
	// will be automatically inlined.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// tableAddr returns the virtual address at which the page table stored in
// the given physical address can be accessed.
func tableAddr(physAddr uintptr) uintptr {
	return physMemOffset + (physAddr & ptePhysPageMask)
}

// walk performs a page table walk for the given virtual address starting at
// the active P4 table. It calls the supplied walkFn with the page table entry
// that corresponds to each page table level. If walkFn returns false then the
// walk is aborted.
//
// Tables are never dereferenced through the recursive or identity mappings;
// the physical address stored in each entry is converted into a virtual one
// by adding the offset at which the bootloader mapped all physical memory.
// As walkFn is invoked before descending, it may populate a missing entry
// (see Map) and the walk continues into the new table.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level      uint8
		table      = tableAddr(activePDTFn())
		entryIndex uintptr
		pte        *pageTableEntry
	)

	for level = 0; level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte = (*pageTableEntry)(ptePtrFn(table + (entryIndex << mem.PointerShift)))

		if !walkFn(level, pte) {
			return
		}

		table = tableAddr(uintptr(*pte))
	}
}

// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
//
// The runtime asks the operating system for memory through a handful of
// low-level functions. The functions in this package annotated with
// go:redirect-from replace them in the kernel image (see tools/redirects) so
// that the runtime receives memory from the kernel's frame allocator and
// page tables instead.
package goruntime

import (
	"unsafe"

	"github.com/vaibhav-gopal/mini-os/kernel"
	"github.com/vaibhav-gopal/mini-os/kernel/mem"
	"github.com/vaibhav-gopal/mini-os/kernel/mem/pmm/allocator"
	"github.com/vaibhav-gopal/mini-os/kernel/mem/vmm"
)

var (
	mapFn                = vmm.Map
	earlyReserveRegionFn = vmm.EarlyReserveRegion
	frameAllocFn         = allocator.AllocFrame
	memsetFn             = mem.Memset
	mallocInitFn         = mallocInit
	algInitFn            = algInit
	modulesInitFn        = modulesInit
	typeLinksInitFn      = typeLinksInit
	itabsInitFn          = itabsInit

	// A seed for the pseudo-random number generator used by getRandomData
	prngSeed = 0xdeadc0de
)

//go:linkname algInit runtime.alginit
func algInit()

//go:linkname modulesInit runtime.modulesinit
func modulesInit()

//go:linkname typeLinksInit runtime.typelinksinit
func typeLinksInit()

//go:linkname itabsInit runtime.itabsinit
func itabsInit()

//go:linkname mallocInit runtime.mallocinit
func mallocInit()

// sysReserveOS reserves address space without allocating any memory or
// establishing any page mappings. The address hint is ignored.
//
// This function replaces runtime.sysReserveOS and is required for
// initializing the Go allocator.
//
//go:redirect-from runtime.sysReserveOS
//go:nosplit
func sysReserveOS(_ unsafe.Pointer, size uintptr) unsafe.Pointer {
	if size == 0 {
		return unsafe.Pointer(uintptr(0))
	}

	regionStartAddr, err := earlyReserveRegionFn(mem.Size(size))
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	return unsafe.Pointer(regionStartAddr)
}

// sysMapOS backs a region previously reserved via sysReserveOS with
// physical frames. Mappings are established eagerly since the kernel does
// not implement demand paging.
//
// This function replaces runtime.sysMapOS and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysMapOS
//go:nosplit
func sysMapOS(virtAddr unsafe.Pointer, size uintptr) {
	// We trust the allocator to call sysMapOS with an address inside a reserved region.
	regionStartAddr := mem.AlignUp(uintptr(virtAddr), uintptr(mem.PageSize))
	if err := mapRegion(regionStartAddr, mem.Size(size)); err != nil {
		panic(err)
	}
}

// sysAllocOS reserves enough physical frames to satisfy the allocation
// request and establishes a contiguous virtual page mapping for them
// returning back the pointer to the virtual region start.
//
// This function replaces runtime.sysAllocOS and is required for
// initializing the Go allocator.
//
//go:redirect-from runtime.sysAllocOS
//go:nosplit
func sysAllocOS(size uintptr) unsafe.Pointer {
	if size == 0 {
		return unsafe.Pointer(uintptr(0))
	}

	regionStartAddr, err := earlyReserveRegionFn(mem.Size(size))
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	if err = mapRegion(regionStartAddr, mem.Size(size)); err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	return unsafe.Pointer(regionStartAddr)
}

// mapRegion maps each page in [startAddr, startAddr+size) to a fresh frame.
// Fresh frames are not guaranteed to be zeroed so their contents are
// cleared as the runtime expects.
func mapRegion(startAddr uintptr, size mem.Size) *kernel.Error {
	mapFlags := vmm.FlagPresent | vmm.FlagNoExecute | vmm.FlagRW
	pageCount := size.Pages()
	for page := vmm.PageFromAddress(startAddr); pageCount > 0; pageCount, page = pageCount-1, page+1 {
		frame, err := frameAllocFn()
		if err != nil {
			return err
		}

		if err = mapFn(page, frame, mapFlags); err != nil {
			return err
		}

		memsetFn(page.Address(), 0, mem.PageSize)
	}

	return nil
}

// sysUsedOS replaces runtime.sysUsedOS which issues madvise calls. All
// mapped memory is always in use so there is nothing to do.
//
//go:redirect-from runtime.sysUsedOS
//go:nosplit
func sysUsedOS(_ unsafe.Pointer, _ uintptr) {}

// sysUnusedOS replaces runtime.sysUnusedOS which issues madvise calls. The
// kernel does not reclaim frames from the runtime so the pages stay mapped.
//
//go:redirect-from runtime.sysUnusedOS
//go:nosplit
func sysUnusedOS(_ unsafe.Pointer, _ uintptr) {}

// sysHugePageOS replaces runtime.sysHugePageOS which issues madvise calls.
//
//go:redirect-from runtime.sysHugePageOS
//go:nosplit
func sysHugePageOS(_ unsafe.Pointer, _ uintptr) {}

//go:redirect-from runtime.sysNoHugePageOS
//go:nosplit
func sysNoHugePageOS(_ unsafe.Pointer, _ uintptr) {}

//go:redirect-from runtime.sysHugePageCollapseOS
//go:nosplit
func sysHugePageCollapseOS(_ unsafe.Pointer, _ uintptr) {}

// sysFreeOS replaces runtime.sysFreeOS which unmaps the region with munmap.
// The allocator calls it whenever sysReserveOS returns an address other
// than the requested hint which is always the case here since the hint is
// ignored. The reserved address space is simply left unused.
//
//go:redirect-from runtime.sysFreeOS
//go:nosplit
func sysFreeOS(_ unsafe.Pointer, _ uintptr) {}

// sysFaultOS replaces runtime.sysFaultOS which is only used by the
// efence debug mode.
//
//go:redirect-from runtime.sysFaultOS
//go:nosplit
func sysFaultOS(_ unsafe.Pointer, _ uintptr) {}

// nanotime returns a monotonically increasing clock value. This is a dummy
// implementation as the kernel does not keep time.
//
// This function replaces runtime.nanotime1 and is invoked by the Go
// allocator when a span allocation is performed.
//
//go:redirect-from runtime.nanotime1
//go:nosplit
func nanotime() int64 {
	// Use a dummy loop to prevent the compiler from inlining this function.
	for i := 0; i < 100; i++ {
	}
	return 1
}

// getRandomData populates the given slice with random data. The implementation in
// the runtime package reads a random stream from /dev/random but since this
// is not available, we use a prng instead.
//
//go:redirect-from runtime.getRandomData
func getRandomData(r []byte) {
	for i := 0; i < len(r); i++ {
		prngSeed = (prngSeed * 58321) + 11113
		r[i] = byte((prngSeed >> 16) & 255)
	}
}

// Init enables support for various Go runtime features. After a call to init
// the following runtime features become available for use:
//   - heap memory allocation (new, make e.t.c)
//   - map primitives
//   - interfaces
func Init() *kernel.Error {
	mallocInitFn()
	algInitFn()       // setup hash implementation for map keys
	modulesInitFn()   // provides activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules

	return nil
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var zeroPtr = unsafe.Pointer(uintptr(0))

	sysReserveOS(zeroPtr, 0)
	sysMapOS(zeroPtr, 0)
	sysAllocOS(0)
	sysUsedOS(zeroPtr, 0)
	sysUnusedOS(zeroPtr, 0)
	sysHugePageOS(zeroPtr, 0)
	sysNoHugePageOS(zeroPtr, 0)
	sysHugePageCollapseOS(zeroPtr, 0)
	sysFreeOS(zeroPtr, 0)
	sysFaultOS(zeroPtr, 0)
	getRandomData(nil)
	prngSeed += int(nanotime() - 1)
}

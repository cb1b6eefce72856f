package vmm

import (
	"github.com/vaibhav-gopal/mini-os/kernel"
	"github.com/vaibhav-gopal/mini-os/kernel/mem"
)

var (
	// earlyReserveLastUsed tracks the last reserved page address and is
	// decreased after each allocation request. Initially, it points to
	// earlyReserveTopAddr.
	earlyReserveLastUsed = earlyReserveTopAddr

	errEarlyReserveNoSpace = &kernel.Error{Module: "early_reserve", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory region
// with the requested size in the kernel address space and returns its virtual
// address. If size is not a multiple of mem.PageSize it will be automatically
// rounded up.
//
// Regions are handed out downwards from the start of the last P4 slot. No
// mappings are established; callers map the pages they actually use.
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	size = mem.Size(mem.AlignUp(uintptr(size), uintptr(mem.PageSize)))

	lock.Acquire()
	defer lock.Release()

	// reserving a region of the requested size will cause an underflow
	// or run into the lower half of the address space
	if uintptr(size) > earlyReserveLastUsed-earlyReserveFloorAddr {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= uintptr(size)
	return earlyReserveLastUsed, nil
}

package vmm

import (
	"github.com/vaibhav-gopal/mini-os/kernel"
	"github.com/vaibhav-gopal/mini-os/kernel/cpu"
	"github.com/vaibhav-gopal/mini-os/kernel/mem"
	"github.com/vaibhav-gopal/mini-os/kernel/mem/pmm"
)

var (
	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	earlyReserveRegionFn = EarlyReserveRegion
	mapFn                = Map

	// ErrPageAlreadyMapped is returned by Map when the page is already
	// mapped to a different frame. Callers that really want to replace the
	// mapping must use Remap.
	ErrPageAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual page is already mapped to a different frame"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errNoFrameAllocator  = &kernel.Error{Module: "vmm", Message: "no frame allocator registered"}
)

// Map establishes a mapping between a virtual page and a physical memory frame
// using the currently active page directory table. Calls to Map will use the
// registered physical frame allocator to initialize missing page tables at
// each paging level supported by the MMU. FlagPresent is always added to the
// supplied flags.
//
// If the page is already mapped to the same frame, its flags are replaced by
// the supplied ones. Mapping a page that points to another frame fails with
// ErrPageAlreadyMapped.
func Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	return mapPage(page, frame, flags, false)
}

// Remap behaves like Map but replaces any existing mapping for the page.
func Remap(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	return mapPage(page, frame, flags, true)
}

func mapPage(page Page, frame pmm.Frame, flags PageTableEntryFlag, overwrite bool) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			if !overwrite && pte.HasFlags(FlagPresent) && pte.Frame() != frame {
				err = ErrPageAlreadyMapped
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents before linking it.
		if !pte.HasFlags(FlagPresent) {
			if frameAllocator == nil {
				err = errNoFrameAllocator
				return false
			}

			var newTableFrame pmm.Frame
			if newTableFrame, err = frameAllocator(); err != nil {
				return false
			}

			mem.Memset(tableAddr(newTableFrame.Address()), 0, mem.PageSize)

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW | (flags & FlagUserAccessible))
		}

		return true
	})

	return err
}

// MapRegion establishes a mapping to the physical memory region which starts
// at the given frame and ends at frame + pages(size). The size argument is
// always rounded up to the nearest page boundary. MapRegion reserves the next
// available region in the active virtual address space, establishes the
// mapping and returns back the Page that corresponds to the region start.
func MapRegion(frame pmm.Frame, size mem.Size, flags PageTableEntryFlag) (Page, *kernel.Error) {
	// Reserve next free block in the address space
	size = mem.Size(mem.AlignUp(uintptr(size), uintptr(mem.PageSize)))
	startPage, err := earlyReserveRegionFn(size)
	if err != nil {
		return 0, err
	}

	pageCount := size >> mem.PageShift
	for page := PageFromAddress(startPage); pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := mapFn(page, frame, flags); err != nil {
			return 0, err
		}
	}

	return PageFromAddress(startPage), nil
}

// Unmap removes a mapping previously installed via a call to Map, Remap or
// MapRegion. Unmapping a page that is not mapped returns ErrInvalidMapping.
func Unmap(page Page) *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// Next table is not present; this is an invalid mapping
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		// If we reached the last level all we need to do is to clear
		// the entry and flush its TLB entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

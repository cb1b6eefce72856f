// Package allocator implements the physical frame allocator that hands out
// the free frames reported by the bootloader's memory map.
package allocator

import (
	"github.com/vaibhav-gopal/mini-os/kernel"
	"github.com/vaibhav-gopal/mini-os/kernel/hal/bootinfo"
	"github.com/vaibhav-gopal/mini-os/kernel/kfmt"
	"github.com/vaibhav-gopal/mini-os/kernel/mem"
	"github.com/vaibhav-gopal/mini-os/kernel/mem/pmm"
	"github.com/vaibhav-gopal/mini-os/kernel/sync"
)

var (
	// bootMemAllocator is the system-wide frame allocator instance.
	bootMemAllocator bootMemAlloc

	// lock serializes access to bootMemAllocator between normal kernel
	// code and interrupt handlers.
	lock sync.Locker = &sync.IRQSpinlock{}

	// visitMemRegionsFn is mocked by tests and is automatically inlined by
	// the compiler.
	visitMemRegionsFn = bootinfo.VisitMemRegions

	errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}
	errNoUsableMemory       = &kernel.Error{Module: "boot_mem_alloc", Message: "bootloader reported no usable memory"}
)

// bootMemAlloc is a forward-only (bump) frame allocator.
//
// Its state is a cursor made of the index of a memory map region and the
// next frame inside that region. Each allocation returns the frame under
// the cursor, or moves the cursor to the start of the next usable region
// in memory map order once the current one is exhausted. As the cursor
// never moves backwards a frame is never handed out twice; in exchange
// frames cannot be freed. Regions are visited in the order reported by
// the bootloader so every usable frame is handed out even if the memory
// map is not sorted by address.
//
// Trusting the "usable" classification of the memory map guarantees that
// frames holding the kernel image, the boot page tables and the handoff
// structure are never returned.
type bootMemAlloc struct {
	// region is the memory map index of the region containing nextFrame.
	region int

	// nextFrame is the frame that will be handed out next if it still
	// lies inside region.
	nextFrame pmm.Frame

	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// frameCount is the total number of usable frames.
	frameCount uint64
}

// usableFrameRange returns the first frame and the frame following the last
// one contained in a usable region. Region boundaries that are not frame
// aligned are rounded inwards.
func usableFrameRange(region *bootinfo.MemoryMapEntry) (pmm.Frame, pmm.Frame, bool) {
	if region.Type != bootinfo.MemUsable || region.Length < uint64(mem.PageSize) {
		return 0, 0, false
	}

	start := pmm.FrameFromAddress(mem.AlignUp(uintptr(region.PhysAddress), uintptr(mem.PageSize)))
	end := pmm.FrameFromAddress(mem.AlignDown(uintptr(region.PhysAddress+region.Length), uintptr(mem.PageSize)))
	if end <= start {
		return 0, 0, false
	}

	return start, end, true
}

// init resets the allocator cursor and counts the available frames.
func (alloc *bootMemAlloc) init() {
	alloc.region = 0
	alloc.nextFrame = 0
	alloc.allocCount = 0
	alloc.frameCount = 0

	visitMemRegionsFn(func(region *bootinfo.MemoryMapEntry) bool {
		if start, end, ok := usableFrameRange(region); ok {
			alloc.frameCount += uint64(end - start)
		}
		return true
	})
}

// AllocFrame reserves the next available free frame. It returns
// errBootAllocOutOfMemory once all usable frames have been handed out.
func (alloc *bootMemAlloc) AllocFrame() (pmm.Frame, *kernel.Error) {
	var (
		frame = pmm.InvalidFrame
		index = -1
	)

	visitMemRegionsFn(func(region *bootinfo.MemoryMapEntry) bool {
		index++
		if index < alloc.region {
			return true
		}

		start, end, ok := usableFrameRange(region)
		if !ok {
			return true
		}

		if index > alloc.region || alloc.nextFrame < start {
			alloc.region = index
			alloc.nextFrame = start
		}

		if alloc.nextFrame >= end {
			return true
		}

		frame = alloc.nextFrame
		return false
	})

	if !frame.Valid() {
		return pmm.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.nextFrame = frame + 1
	alloc.allocCount++
	return frame, nil
}

// printMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map.
func (alloc *bootMemAlloc) printMemoryMap() {
	kfmt.Printf("[boot_mem_alloc] system memory map:\n")
	visitMemRegionsFn(func(region *bootinfo.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())
		return true
	})
	kfmt.Printf("[boot_mem_alloc] available memory: %dKb\n", uint64(mem.Size(alloc.frameCount)*mem.PageSize/mem.Kb))
}

// Init sets up the system-wide frame allocator using the memory map supplied
// by the bootloader. It returns an error if no usable memory was reported.
func Init() *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	bootMemAllocator.init()
	bootMemAllocator.printMemoryMap()

	if bootMemAllocator.frameCount == 0 {
		return errNoUsableMemory
	}

	return nil
}

// AllocFrame reserves a free physical frame using the system-wide frame
// allocator.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	lock.Acquire()
	defer lock.Release()

	return bootMemAllocator.AllocFrame()
}

// Stats returns the number of usable frames and the number of frames
// allocated so far.
func Stats() (frameCount, allocCount uint64) {
	lock.Acquire()
	defer lock.Release()

	return bootMemAllocator.frameCount, bootMemAllocator.allocCount
}

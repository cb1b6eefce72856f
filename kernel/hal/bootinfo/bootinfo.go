// Package bootinfo decodes the handoff structure that the bootloader passes
// to the kernel entry point. The structure carries the physical memory map
// and the virtual offset at which the bootloader mapped all of physical
// memory.
package bootinfo

import "unsafe"

const (
	// MaxMemoryRegions is the capacity of the memory map array embedded in
	// the handoff structure.
	MaxMemoryRegions = 64

	// frameShift converts the frame numbers used by the memory map into
	// physical addresses.
	frameShift = 12
)

// memoryRegion is the raw memory map entry layout. Frame numbers refer to
// 4K frames; endFrame is exclusive.
type memoryRegion struct {
	startFrame uint64
	endFrame   uint64
	regionType MemoryEntryType
	_          uint32
}

// info mirrors the layout of the handoff structure.
type info struct {
	regions     [MaxMemoryRegions]memoryRegion
	regionCount uint64

	// physMemOffset is the virtual address at which physical address 0
	// is mapped.
	physMemOffset uint64
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemUsable indicates that the memory region is free for the kernel
	// to use.
	MemUsable MemoryEntryType = iota

	// MemInUse indicates memory used by the bootloader's own allocations.
	MemInUse

	// MemReserved indicates memory reserved by the firmware.
	MemReserved

	// MemAcpiReclaimable holds ACPI tables that can be reclaimed once they
	// have been parsed.
	MemAcpiReclaimable

	// MemAcpiNvs holds memory that must be preserved when hibernating.
	MemAcpiNvs

	// MemBad marks defective memory.
	MemBad

	// MemKernel holds the loaded kernel image.
	MemKernel

	// MemKernelStack holds the boot stack.
	MemKernelStack

	// MemPageTable holds the page tables set up by the bootloader.
	MemPageTable

	// MemBootloader holds the bootloader code and data.
	MemBootloader

	// MemFrameZero marks the first physical frame which is never handed
	// out so that a zero physical address can be treated as invalid.
	MemFrameZero

	// MemEmpty marks an unused slot.
	MemEmpty

	// MemBootInfo holds this handoff structure.
	MemBootInfo

	// MemPackage holds data loaded alongside the kernel.
	MemPackage

	// Any value >= memUnknown is reported as MemReserved.
	memUnknown
)

var (
	infoData uintptr
)

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemUsable:
		return "usable"
	case MemInUse:
		return "in use"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemAcpiNvs:
		return "ACPI NVS"
	case MemBad:
		return "bad memory"
	case MemKernel:
		return "kernel"
	case MemKernelStack:
		return "kernel stack"
	case MemPageTable:
		return "page table"
	case MemBootloader:
		return "bootloader"
	case MemFrameZero:
		return "frame zero"
	case MemEmpty:
		return "empty"
	case MemBootInfo:
		return "boot info"
	case MemPackage:
		return "package"
	default:
		return "unknown"
	}
}

// SetInfoPtr updates the internal handoff pointer to the given value. This
// function must be invoked before invoking any other function exported by
// this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// PhysicalMemoryOffset returns the virtual address where the bootloader
// mapped physical address 0. Every physical address p is accessible at
// PhysicalMemoryOffset() + p.
func PhysicalMemoryOffset() uintptr {
	if infoData == 0 {
		return 0
	}

	return uintptr((*info)(unsafe.Pointer(infoData)).physMemOffset)
}

// VisitMemRegions will invoke the supplied visitor for each memory region
// reported by the bootloader. Empty slots are skipped and unknown region
// types are reported as MemReserved.
func VisitMemRegions(visitor MemRegionVisitor) {
	if infoData == 0 {
		return
	}

	var (
		bootInfo = (*info)(unsafe.Pointer(infoData))
		count    = bootInfo.regionCount
		entry    MemoryMapEntry
	)

	if count > MaxMemoryRegions {
		count = MaxMemoryRegions
	}

	for i := uint64(0); i < count; i++ {
		region := &bootInfo.regions[i]
		if region.regionType == MemEmpty || region.endFrame <= region.startFrame {
			continue
		}

		entry.PhysAddress = region.startFrame << frameShift
		entry.Length = (region.endFrame - region.startFrame) << frameShift
		entry.Type = region.regionType
		if entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

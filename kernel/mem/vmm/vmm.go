// Package vmm manages the kernel's virtual address space. It edits the
// four-level page table tree set up by the bootloader, which maps all of
// physical memory at a fixed offset; every table is accessed through that
// offset mapping.
package vmm

import (
	"github.com/vaibhav-gopal/mini-os/kernel"
	"github.com/vaibhav-gopal/mini-os/kernel/cpu"
	"github.com/vaibhav-gopal/mini-os/kernel/gate"
	"github.com/vaibhav-gopal/mini-os/kernel/kfmt"
	"github.com/vaibhav-gopal/mini-os/kernel/mem/pmm"
	"github.com/vaibhav-gopal/mini-os/kernel/sync"
)

var (
	// physMemOffset is the virtual address at which the bootloader mapped
	// physical address 0.
	physMemOffset uintptr

	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// lock serializes changes to the page table tree.
	lock sync.Locker = &sync.IRQSpinlock{}

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	activePDTFn       = cpu.ActivePDT
	handleInterruptFn = gate.HandleInterrupt
	readCR2Fn         = cpu.ReadCR2
	panicFn           = kfmt.Panic

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

// page fault error code bits.
const (
	pfPresent     = 1 << 0
	pfWrite       = 1 << 1
	pfUser        = 1 << 2
	pfReservedBit = 1 << 3
	pfInstrFetch  = 1 << 4
)

// pageFaultHandler reports the faulting address and the reason decoded from
// the error code and halts. Pages are always mapped eagerly so there is no
// fault the kernel can recover from.
func pageFaultHandler(regs *gate.Registers) {
	var (
		faultAddress = uintptr(readCR2Fn())
		errorCode    = regs.Info
	)

	kfmt.Printf("\nEXCEPTION: PAGE FAULT\nAccessed address: 0x%16x\nReason: ", faultAddress)

	switch {
	case errorCode&pfReservedBit != 0:
		kfmt.Printf("page table has reserved bit set")
	case errorCode&pfInstrFetch != 0 && errorCode&pfPresent != 0:
		kfmt.Printf("instruction fetch from non-executable page")
	case errorCode&pfInstrFetch != 0:
		kfmt.Printf("instruction fetch from non-present page")
	case errorCode&pfPresent != 0 && errorCode&pfWrite != 0:
		kfmt.Printf("page protection violation (write)")
	case errorCode&pfPresent != 0:
		kfmt.Printf("page protection violation (read)")
	case errorCode&pfWrite != 0:
		kfmt.Printf("write to non-present page")
	default:
		kfmt.Printf("read from non-present page")
	}

	if errorCode&pfUser != 0 {
		kfmt.Printf(" in user-mode")
	}

	if physAddr, err := translate(faultAddress); err == nil {
		kfmt.Printf("\nAddress maps to physical address 0x%x", physAddr)
	}

	kfmt.Printf("\nError code: 0x%x\n\nRegisters:\n", errorCode)
	regs.DumpTo(kfmt.GetOutputSink())
	regs.DumpInstructionTo(kfmt.GetOutputSink())

	panicFn(errUnrecoverableFault)
}

// generalProtectionFaultHandler reports the segment selector index carried
// by the error code and halts.
func generalProtectionFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\nEXCEPTION: GENERAL PROTECTION FAULT\nError code: 0x%x", regs.Info)
	if regs.Info != 0 {
		kfmt.Printf(" (selector index: %d)", regs.Info>>3)
	}
	kfmt.Printf("\n\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())
	regs.DumpInstructionTo(kfmt.GetOutputSink())

	panicFn(errUnrecoverableFault)
}

// Init records the virtual address at which the bootloader mapped all of
// physical memory and installs paging-related exception handlers. The frame
// allocator used for new page tables must be registered via
// SetFrameAllocator.
func Init(physicalMemoryOffset uintptr) *kernel.Error {
	physMemOffset = physicalMemoryOffset

	kfmt.Printf("[vmm] physical memory offset: 0x%16x, P4 table at: 0x%16x\n", physMemOffset, activePDTFn()&ptePhysPageMask)

	if err := handleInterruptFn(gate.PageFaultException, 0, pageFaultHandler); err != nil {
		return err
	}

	return handleInterruptFn(gate.GPFException, 0, generalProtectionFaultHandler)
}

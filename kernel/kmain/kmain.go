// Package kmain contains the kernel entry point and the boot sequence that
// brings up the trap and memory subsystems.
package kmain

import (
	"io"

	"github.com/vaibhav-gopal/mini-os/kernel"
	"github.com/vaibhav-gopal/mini-os/kernel/cpu"
	"github.com/vaibhav-gopal/mini-os/kernel/driver/serial"
	"github.com/vaibhav-gopal/mini-os/kernel/gate"
	"github.com/vaibhav-gopal/mini-os/kernel/gdt"
	"github.com/vaibhav-gopal/mini-os/kernel/goruntime"
	"github.com/vaibhav-gopal/mini-os/kernel/hal/bootinfo"
	"github.com/vaibhav-gopal/mini-os/kernel/irq"
	"github.com/vaibhav-gopal/mini-os/kernel/kfmt"
	"github.com/vaibhav-gopal/mini-os/kernel/mem/heap"
	"github.com/vaibhav-gopal/mini-os/kernel/mem/pmm/allocator"
	"github.com/vaibhav-gopal/mini-os/kernel/mem/vmm"
)

const (
	timerLine    = 0
	keyboardLine = 1

	keyboardDataPort = 0x60
)

var (
	// selfTest is set at link time (-ldflags "-X .../kmain.selfTest=on")
	// to run the in-kernel self tests after boot. Setting it to
	// "stack-overflow" runs the stack overflow test instead.
	selfTest string

	console = serial.New(serial.COM1)

	// outputSink receives all kernel output once the console is up.
	outputSink io.Writer = console

	// ticks counts timer interrupts since boot.
	ticks uint64

	// lastScanCode holds the most recent byte read from the keyboard
	// controller.
	lastScanCode uint8

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	setInfoPtrFn        = bootinfo.SetInfoPtr
	consoleInitFn       = console.Init
	gdtInitFn           = gdt.Init
	gateInitFn          = gate.Init
	picInitFn           = irq.Init
	handleIRQFn         = irq.HandleIRQ
	enableInterruptsFn  = cpu.EnableInterrupts
	allocatorInitFn     = allocator.Init
	vmmInitFn           = vmm.Init
	heapInitFn          = heap.Init
	goruntimeInitFn     = goruntime.Init
	enableDecodingFn    = gate.EnableInstructionDecoding
	sealFn              = gate.Seal
	physMemOffsetFn     = bootinfo.PhysicalMemoryOffset
	portReadByteFn      = cpu.PortReadByte
	runSelfTestsFn      = runSelfTests
	runStackOverflowFn  = runStackOverflow
	handleInterruptFn   = gate.HandleInterrupt
	idleFn              = idle
	panicFn             = kfmt.Panic
	setFrameAllocatorFn = vmm.SetFrameAllocator
	frameAllocatorFn    = allocator.AllocFrame
	cpuHaltFn           = cpu.Halt
	isIntelFn           = cpu.IsIntel
	frameStatsFn        = allocator.Stats
	heapStatsFn         = heap.Stats
	errKmainReturned    = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. This function is invoked by the rt0 assembly code
// after setting up a minimal g0 struct that allows Go code to run on the
// stack allocated by the assembly code.
//
// The rt0 code passes the address of the boot information handoff structure
// supplied by the bootloader.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(bootInfoPtr uintptr) {
	setInfoPtrFn(bootInfoPtr)

	consoleInitFn()
	kfmt.SetOutputSink(outputSink)
	kfmt.Printf("mini-os booting\n")
	if isIntelFn() {
		kfmt.Printf("[kmain] running on an Intel CPU\n")
	}

	if err := boot(); err != nil {
		panicFn(err)
		return
	}

	kfmt.Printf("[kmain] boot complete\n")
	printMemoryStats()

	switch selfTest {
	case "on":
		runSelfTestsFn()
	case stackOverflowTest:
		runStackOverflowFn()
	}

	idleFn()

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}

// boot initializes the kernel subsystems in dependency order. Any error is
// fatal.
func boot() *kernel.Error {
	// CPU tables and the interrupt controller come first so faults raised
	// by the rest of the sequence are reported.
	if err := gdtInitFn(); err != nil {
		return err
	}

	gateInitFn()

	if err := picInitFn(); err != nil {
		return err
	} else if err = handleIRQFn(timerLine, timerHandler); err != nil {
		return err
	} else if err = handleIRQFn(keyboardLine, keyboardHandler); err != nil {
		return err
	}
	enableInterruptsFn()

	if err := allocatorInitFn(); err != nil {
		return err
	}
	setFrameAllocatorFn(frameAllocatorFn)

	if err := vmmInitFn(physMemOffsetFn()); err != nil {
		return err
	} else if err = heapInitFn(); err != nil {
		return err
	} else if err = goruntimeInitFn(); err != nil {
		return err
	}

	if selfTest == stackOverflowTest {
		if err := handleInterruptFn(gate.DoubleFault, gdt.DoubleFaultIST, stackOverflowHandler); err != nil {
			return err
		}
	}

	// Decoding uses the Go allocator so it can only be enabled now.
	enableDecodingFn()
	sealFn()

	return nil
}

func printMemoryStats() {
	frameCount, allocCount := frameStatsFn()
	heapUsed, heapFree, freeBlocks := heapStatsFn()
	kfmt.Printf("[kmain] frames: %d/%d allocated, heap: %d bytes used, %d bytes free in %d blocks\n",
		allocCount, frameCount, heapUsed, heapFree, freeBlocks)
}

func timerHandler(_ *gate.Registers) {
	ticks++
}

// keyboardHandler drains the keyboard controller output buffer. The
// controller stops raising interrupts until the pending byte is read.
func keyboardHandler(_ *gate.Registers) {
	lastScanCode = portReadByteFn(keyboardDataPort)
}

// idle halts the CPU until the next interrupt, forever.
func idle() {
	for {
		cpuHaltFn()
	}
}

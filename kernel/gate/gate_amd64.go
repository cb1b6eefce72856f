// Package gate owns the interrupt descriptor table. Every one of the 256
// vectors is routed through a small assembly entry stub that saves the CPU
// state and calls dispatchInterrupt which in turn invokes the Go handler
// registered for the vector.
package gate

import (
	"encoding/binary"
	"io"
	"unsafe"

	"github.com/vaibhav-gopal/mini-os/kernel"
	"github.com/vaibhav-gopal/mini-os/kernel/cpu"
	"github.com/vaibhav-gopal/mini-os/kernel/gdt"
	"github.com/vaibhav-gopal/mini-os/kernel/kfmt"
)

// Registers contains a snapshot of all register values when an exception or
// interrupt occurs. The layout matches the stack frame built by the gate
// entry stubs.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Vector is the interrupt number that was raised.
	Vector uint64

	// Info contains the exception code for exceptions that push one and
	// 0 for everything else.
	Info uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x\n", r.RFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems. It may also be
	// raised by the CPU when a watchdog timer is enabled.
	NMI = InterruptNumber(2)

	// Breakpoint is raised by the INT3 instruction. Execution resumes at
	// the instruction following INT3 once the handler returns.
	Breakpoint = InterruptNumber(3)

	// Overflow occurs when an overflow occurs (e.g result of division
	// cannot fit into the registers used).
	Overflow = InterruptNumber(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked with
	// an index out of range.
	BoundRangeExceeded = InterruptNumber(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DeviceNotAvailable occurs when the CPU attempts to execute an
	// FPU/MMX/SSE instruction while no FPU is available or while
	// FPU/MMX/SSE support has been disabled by manipulating the CR0
	// register.
	DeviceNotAvailable = InterruptNumber(7)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = InterruptNumber(10)

	// SegmentNotPresent occurs when the CPU attempts to invoke a present
	// gate with an invalid stack segment selector.
	SegmentNotPresent = InterruptNumber(11)

	// StackSegmentFault occurs when attempting to push/pop from a
	// non-canonical stack address or when the stack base/limit (set in
	// GDT) checks fail.
	StackSegmentFault = InterruptNumber(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// FloatingPointException occurs while invoking an FP instruction while:
	//  - CR0.NE = 1 OR
	//  - an unmasked FP exception is pending
	FloatingPointException = InterruptNumber(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligmed memory access is performed.
	AlignmentCheck = InterruptNumber(17)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = InterruptNumber(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs while CR4.OSXMMEXCPT is set to 1. If the OSXMMEXCPT bit is
	// not set, SIMD FP exceptions cause InvalidOpcode exceptions instead.
	SIMDFloatingPointException = InterruptNumber(19)
)

const (
	gateCount = 256

	// maxIST is the number of interrupt stack table slots in the TSS.
	maxIST = 7

	// gateTypeInterrupt marks a present, ring 0, 64-bit interrupt gate.
	// Interrupt gates clear IF on entry so handlers run with hardware
	// interrupts disabled.
	gateTypeInterrupt = 0x8e

	// doubleFaultStackSlack is the part of the double fault stack below
	// the stack guard. Go functions with small frames may dip into it
	// without a stack check.
	doubleFaultStackSlack = 1024
)

// gateDescriptor is a 16-byte IDT entry.
type gateDescriptor [2]uint64

var (
	idt        [gateCount]gateDescriptor
	handlers   [gateCount]func(*Registers)
	idtPointer [10]byte

	// sealed is set by Seal; from then on the table is read-only.
	sealed bool

	// doubleFaultStackGuard is stored into the stack guard of the current
	// goroutine by gateCommon before a double fault is dispatched. The
	// IST stack lies outside the goroutine stack bounds and without it
	// the prologues of the Go functions on the double fault path would
	// branch to morestack.
	doubleFaultStackGuard uintptr

	// breakpointHits counts the breakpoints reported by breakpointHandler.
	breakpointHits uint64

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	loadIDTFn = cpu.LoadIDT
	haltFn    = kfmt.Halt

	// ErrTableSealed is returned when trying to change a handler after
	// the dispatch table has been sealed.
	ErrTableSealed = &kernel.Error{Module: "gate", Message: "interrupt dispatch table is sealed"}

	errInvalidIST = &kernel.Error{Module: "gate", Message: "interrupt stack table index out of range"}
)

// setGate points the descriptor for vector at the entry stub address using
// the given interrupt stack table index (0 means no stack switch).
func setGate(vector InterruptNumber, entryAddr uintptr, ist uint8) {
	var raw [16]byte

	binary.LittleEndian.PutUint16(raw[0:], uint16(entryAddr))
	binary.LittleEndian.PutUint16(raw[2:], gdt.CodeSelector)
	raw[4] = ist & maxIST
	raw[5] = gateTypeInterrupt
	binary.LittleEndian.PutUint16(raw[6:], uint16(entryAddr>>16))
	binary.LittleEndian.PutUint32(raw[8:], uint32(uint64(entryAddr)>>32))

	idt[vector][0] = binary.LittleEndian.Uint64(raw[0:])
	idt[vector][1] = binary.LittleEndian.Uint64(raw[8:])
}

// Init populates the IDT with the entry stubs for all 256 vectors, installs
// the default handlers and loads the table to the CPU.
//
// Vectors without a registered handler report the exception and halt. The
// breakpoint handler prints a diagnostic and resumes while the double fault
// handler runs on the dedicated double fault stack.
func Init() {
	for vector := 0; vector < gateCount; vector++ {
		setGate(InterruptNumber(vector), gateEntryAddr(uint8(vector)), 0)
		handlers[vector] = nil
	}
	sealed = false
	doubleFaultStackGuard = gdt.DoubleFaultStackBottom() + doubleFaultStackSlack

	HandleInterrupt(Breakpoint, 0, breakpointHandler)
	HandleInterrupt(DoubleFault, gdt.DoubleFaultIST, doubleFaultHandler)

	binary.LittleEndian.PutUint16(idtPointer[:2], uint16(unsafe.Sizeof(idt)-1))
	binary.LittleEndian.PutUint64(idtPointer[2:], uint64(uintptr(unsafe.Pointer(&idt))))
	loadIDTFn(uintptr(unsafe.Pointer(&idtPointer)))
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. The value of the istOffset argument
// specifies the offset in the interrupt stack table (if 0 then IST is not
// used). Once Seal has been called, HandleInterrupt returns ErrTableSealed.
func HandleInterrupt(intNumber InterruptNumber, istOffset uint8, handler func(*Registers)) *kernel.Error {
	if sealed {
		return ErrTableSealed
	}

	if istOffset > maxIST {
		return errInvalidIST
	}

	handlers[intNumber] = handler
	setGate(intNumber, gateEntryAddr(uint8(intNumber)), istOffset)
	return nil
}

// Seal makes the dispatch table read-only. Handlers run with interrupts
// disabled and must be able to read the table without locking so all
// handlers must be installed during boot.
func Seal() {
	sealed = true
}

// Sealed returns true once Seal has been called.
func Sealed() bool {
	return sealed
}

// BreakpointHits returns the number of breakpoint exceptions handled by the
// default breakpoint handler.
func BreakpointHits() uint64 {
	return breakpointHits
}

// dispatchInterrupt is invoked by the interrupt gate entrypoints to route
// an incoming interrupt to the selected handler.
func dispatchInterrupt(regs *Registers) {
	if handler := handlers[uint8(regs.Vector)]; handler != nil {
		handler(regs)
		return
	}

	unhandledInterrupt(regs)
}

// breakpointHandler reports the trap and returns so execution resumes after
// the INT3 instruction.
func breakpointHandler(regs *Registers) {
	breakpointHits++
	kfmt.Printf("\nEXCEPTION: BREAKPOINT\n")
	regs.DumpTo(kfmt.GetOutputSink())
}

// doubleFaultHandler runs on the double fault stack with the goroutine
// stack guard lowered to doubleFaultStackGuard. A double fault is never
// recoverable so the guard is never restored.
func doubleFaultHandler(regs *Registers) {
	kfmt.Printf("\nEXCEPTION: DOUBLE FAULT\nError code: 0x%x\n\nRegisters:\n", regs.Info)
	regs.DumpTo(kfmt.GetOutputSink())
	kfmt.Printf("\n*** double fault: system halted ***\n")
	haltFn()
}

// unhandledInterrupt reports an interrupt that has no registered handler
// and halts.
func unhandledInterrupt(regs *Registers) {
	kfmt.Printf("\nEXCEPTION: %s (vector %d)\nError code: 0x%x\n\nRegisters:\n", ExceptionName(InterruptNumber(regs.Vector)), regs.Vector, regs.Info)
	regs.DumpTo(kfmt.GetOutputSink())
	regs.DumpInstructionTo(kfmt.GetOutputSink())
	kfmt.Printf("\n*** unhandled interrupt: system halted ***\n")
	haltFn()
}

//go:generate go run ../../tools/makegates -out gate_entries_amd64.s

// gateEntryAddr returns the address of the assembly entry stub for vector.
func gateEntryAddr(vector uint8) uintptr

// gateCommon is the shared assembly tail of the gate entry stubs.
func gateCommon()

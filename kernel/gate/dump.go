package gate

import (
	"io"
	"unsafe"

	"github.com/vaibhav-gopal/mini-os/kernel/kfmt"
	"golang.org/x/arch/x86/x86asm"
)

// maxInstructionLen is the longest valid x86 instruction encoding.
const maxInstructionLen = 15

var (
	// decodeInstructions is set once the Go allocator is available. The
	// decoder allocates so it cannot be used before that.
	decodeInstructions bool

	// instructionBytesFn returns the bytes at the faulting RIP. It is
	// mocked by tests.
	instructionBytesFn = func(rip uint64) []byte {
		return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(rip))), maxInstructionLen)
	}

	exceptionNames = [...]string{
		"DIVIDE ERROR",
		"DEBUG",
		"NON-MASKABLE INTERRUPT",
		"BREAKPOINT",
		"OVERFLOW",
		"BOUND RANGE EXCEEDED",
		"INVALID OPCODE",
		"DEVICE NOT AVAILABLE",
		"DOUBLE FAULT",
		"COPROCESSOR SEGMENT OVERRUN",
		"INVALID TSS",
		"SEGMENT NOT PRESENT",
		"STACK SEGMENT FAULT",
		"GENERAL PROTECTION FAULT",
		"PAGE FAULT",
		"RESERVED",
		"X87 FLOATING POINT EXCEPTION",
		"ALIGNMENT CHECK",
		"MACHINE CHECK",
		"SIMD FLOATING POINT EXCEPTION",
		"VIRTUALIZATION EXCEPTION",
		"CONTROL PROTECTION EXCEPTION",
	}
)

// EnableInstructionDecoding turns on disassembly of the faulting
// instruction in exception reports.
func EnableInstructionDecoding() {
	decodeInstructions = true
}

// ExceptionName returns a printable name for a vector.
func ExceptionName(vector InterruptNumber) string {
	switch {
	case int(vector) < len(exceptionNames):
		return exceptionNames[vector]
	case vector < 32:
		return "RESERVED"
	case vector < 48:
		return "HARDWARE INTERRUPT"
	default:
		return "INTERRUPT"
	}
}

// DumpInstructionTo decodes the instruction at the saved RIP and writes it
// to w in GNU syntax. Nothing is written while decoding is disabled.
func (r *Registers) DumpInstructionTo(w io.Writer) {
	if !decodeInstructions {
		return
	}

	inst, err := x86asm.Decode(instructionBytesFn(r.RIP), 64)
	if err != nil {
		kfmt.Fprintf(w, "\nFaulting instruction: <%s>\n", err.Error())
		return
	}

	kfmt.Fprintf(w, "\nFaulting instruction: %s\n", x86asm.GNUSyntax(inst, r.RIP, nil))
}

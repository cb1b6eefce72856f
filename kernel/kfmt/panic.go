package kfmt

import (
	"github.com/vaibhav-gopal/mini-os/kernel"
	"github.com/vaibhav-gopal/mini-os/kernel/cpu"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	cpuHaltFn              = cpu.Halt
	cpuDisableInterruptsFn = cpu.DisableInterrupts

	// haltForever is cleared by tests so Panic returns after a single
	// halt instead of looping.
	haltForever = true

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil), disables interrupts and
// parks the CPU in a halt loop. Calls to Panic never return. Panic also works
// as a redirection target for calls to panic() (resolved via
// runtime.gopanic).
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		panicString(t)
		return
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	Halt()
}

// Halt disables interrupts and parks the CPU. With interrupts off, HLT only
// wakes up for NMIs so the loop keeps the core stopped.
func Halt() {
	cpuDisableInterruptsFn()
	for {
		cpuHaltFn()
		if !haltForever {
			return
		}
	}
}

// panicString serves as a redirect target for runtime.throw
//go:redirect-from runtime.throw
func panicString(msg string) {
	errRuntimePanic.Message = msg
	Panic(errRuntimePanic)
}

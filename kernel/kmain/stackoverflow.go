package kmain

import (
	"github.com/vaibhav-gopal/mini-os/kernel"
	"github.com/vaibhav-gopal/mini-os/kernel/gate"
	"github.com/vaibhav-gopal/mini-os/kernel/kfmt"
	"github.com/vaibhav-gopal/mini-os/kernel/mem"
	"github.com/vaibhav-gopal/mini-os/kernel/mem/vmm"
)

const (
	// stackOverflowTest selects the stack overflow self test. It runs on
	// its own as the kernel cannot recover from the double fault.
	stackOverflowTest = "stack-overflow"

	// overflowStackPages is the size of the stack used by the stack
	// overflow test. Its lowest page is left unmapped as a guard page.
	overflowStackPages = 4
)

var (
	overflowStackFn = overflowStack

	errNoDoubleFault = &kernel.Error{Module: "self-test", Message: "execution continued after overflowing the stack"}
)

// overflowStack switches to the stack ending at top and keeps pushing onto
// it. Once RSP reaches the guard page the CPU cannot push the page fault
// frame and raises a double fault instead.
func overflowStack(top uintptr)

// guardedStack reserves overflowStackPages pages of address space and maps
// all of them except the lowest one. It returns the top of the stack.
func guardedStack() (uintptr, *kernel.Error) {
	size := mem.Size(overflowStackPages) * mem.PageSize
	start, err := reserveRegionFn(size)
	if err != nil {
		return 0, err
	}

	guard := vmm.PageFromAddress(start)
	for page := guard + 1; page < guard+overflowStackPages; page++ {
		frame, err := allocFrameFn()
		if err != nil {
			return 0, err
		}

		if err = mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return 0, err
		}
	}

	return start + uintptr(size), nil
}

// runStackOverflow overflows a guarded stack. The test passes when the
// double fault handler installed at boot by stackOverflowHandler reports
// the fault; returning here means it failed.
func runStackOverflow() {
	w := &kfmt.PrefixWriter{Sink: kfmt.GetOutputSink(), Prefix: []byte("[self-test] ")}
	kfmt.Fprintf(w, "stack overflow... ")

	top, err := guardedStack()
	if err == nil {
		overflowStackFn(top)
		err = errNoDoubleFault
	}

	kfmt.Fprintf(w, "[failed]\n%s: %s\n", err.Module, err.Message)
	portWriteDwordFn(qemuExitPort, exitFailure)
}

// stackOverflowHandler replaces the default double fault handler while the
// stack overflow test runs.
func stackOverflowHandler(_ *gate.Registers) {
	kfmt.Printf("[ok]\n")
	portWriteDwordFn(qemuExitPort, exitSuccess)
	idleFn()
}

package kmain

import (
	"bytes"
	"strings"
	"testing"

	"github.com/vaibhav-gopal/mini-os/kernel"
	"github.com/vaibhav-gopal/mini-os/kernel/cpu"
	"github.com/vaibhav-gopal/mini-os/kernel/gate"
	"github.com/vaibhav-gopal/mini-os/kernel/kfmt"
	"github.com/vaibhav-gopal/mini-os/kernel/mem"
	"github.com/vaibhav-gopal/mini-os/kernel/mem/pmm"
	"github.com/vaibhav-gopal/mini-os/kernel/mem/vmm"
)

func TestRunStackOverflow(t *testing.T) {
	defer func() {
		overflowStackFn = overflowStack
		portWriteDwordFn = cpu.PortWriteDword
		idleFn = idle
		kfmt.SetOutputSink(nil)
	}()

	var (
		out      bytes.Buffer
		exitCode []uint32
		idled    int
	)
	kfmt.SetOutputSink(&out)
	portWriteDwordFn = func(port uint16, val uint32) {
		if port != qemuExitPort {
			t.Errorf("expected exit code to be written to port 0x%x; got 0x%x", qemuExitPort, port)
		}
		exitCode = append(exitCode, val)
	}
	idleFn = func() { idled++ }

	reset := func() {
		out.Reset()
		exitCode = nil
		idled = 0
	}

	t.Run("double fault reported", func(t *testing.T) {
		reset()
		f, restore := useFakeVMM(t, overflowStackPages)
		defer restore()

		var stackStart uintptr
		reserve := reserveRegionFn
		reserveRegionFn = func(size mem.Size) (uintptr, *kernel.Error) {
			if exp := mem.Size(overflowStackPages) * mem.PageSize; size != exp {
				t.Errorf("expected a %d byte stack; got %d", exp, size)
			}
			stackStart, _ = reserve(size)
			return stackStart, nil
		}

		overflowStackFn = func(top uintptr) {
			if exp := stackStart + uintptr(overflowStackPages*mem.PageSize); top != exp {
				t.Errorf("expected stack top 0x%x; got 0x%x", exp, top)
			}

			guard := vmm.PageFromAddress(stackStart)
			if _, mapped := f.mappings[guard]; mapped {
				t.Error("expected the lowest stack page to stay unmapped")
			}

			for page := guard + 1; page < guard+overflowStackPages; page++ {
				if _, mapped := f.mappings[page]; !mapped {
					t.Errorf("expected stack page 0x%x to be mapped", page.Address())
				}
			}

			// pushing into the guard page ends up in the double
			// fault handler installed at boot
			stackOverflowHandler(&gate.Registers{Vector: uint64(gate.DoubleFault)})
		}

		runStackOverflow()

		if len(exitCode) == 0 || exitCode[0] != exitSuccess {
			t.Fatalf("expected QEMU to exit with 0x%x first; got %v", exitSuccess, exitCode)
		}

		if idled != 1 {
			t.Fatalf("expected the handler to idle once; got %d", idled)
		}

		if got := out.String(); !strings.Contains(got, "[self-test] stack overflow... [ok]") {
			t.Fatalf("expected success report; got:\n%s", got)
		}
	})

	t.Run("no double fault", func(t *testing.T) {
		reset()
		_, restore := useFakeVMM(t, overflowStackPages)
		defer restore()

		overflowStackFn = func(_ uintptr) {}

		runStackOverflow()

		if len(exitCode) != 1 || exitCode[0] != exitFailure {
			t.Fatalf("expected QEMU to exit with 0x%x; got %v", exitFailure, exitCode)
		}

		if got := out.String(); !strings.Contains(got, errNoDoubleFault.Message) {
			t.Fatalf("expected failure report; got:\n%s", got)
		}
	})

	t.Run("stack mapping error", func(t *testing.T) {
		reset()
		_, restore := useFakeVMM(t, overflowStackPages)
		defer restore()

		expErr := &kernel.Error{Module: "test", Message: "out of frames"}
		allocFrameFn = func() (pmm.Frame, *kernel.Error) { return pmm.InvalidFrame, expErr }
		overflowStackFn = func(_ uintptr) {
			t.Fatal("unexpected stack switch after a mapping error")
		}

		runStackOverflow()

		if len(exitCode) != 1 || exitCode[0] != exitFailure {
			t.Fatalf("expected QEMU to exit with 0x%x; got %v", exitFailure, exitCode)
		}

		if got := out.String(); !strings.Contains(got, "test: out of frames") {
			t.Fatalf("expected mapping error to be reported; got:\n%s", got)
		}
	})
}

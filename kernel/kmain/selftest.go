package kmain

import (
	"unsafe"

	"github.com/vaibhav-gopal/mini-os/kernel"
	"github.com/vaibhav-gopal/mini-os/kernel/cpu"
	"github.com/vaibhav-gopal/mini-os/kernel/gate"
	"github.com/vaibhav-gopal/mini-os/kernel/kfmt"
	"github.com/vaibhav-gopal/mini-os/kernel/mem"
	"github.com/vaibhav-gopal/mini-os/kernel/mem/heap"
	"github.com/vaibhav-gopal/mini-os/kernel/mem/pmm/allocator"
	"github.com/vaibhav-gopal/mini-os/kernel/mem/vmm"
)

const (
	// qemuExitPort is the I/O port of the isa-debug-exit device. QEMU
	// exits with status (code << 1) | 1 when a value is written to it.
	qemuExitPort = 0xf4

	exitSuccess = 0x10
	exitFailure = 0x11

	wordSize  = mem.Size(unsafe.Sizeof(uint64(0)))
	wordAlign = unsafe.Alignof(uint64(0))
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	breakpointFn     = cpu.Breakpoint
	breakpointHitsFn = gate.BreakpointHits
	heapAllocFn      = heap.Alloc
	heapFreeFn       = heap.Free
	portWriteDwordFn = cpu.PortWriteDword
	reserveRegionFn  = vmm.EarlyReserveRegion
	allocFrameFn     = allocator.AllocFrame
	mapFn            = vmm.Map
	remapFn          = vmm.Remap
	mapRegionFn      = vmm.MapRegion
	unmapFn          = vmm.Unmap
	translateFn      = vmm.Translate

	// boxCount is the number of allocations performed by the many boxes
	// tests. It exceeds the number of words the heap can hold.
	boxCount = uint64(heap.HeapSize/wordSize) + 1

	// breakpointMarker is written right after the breakpoint trap returns.
	breakpointMarker uint64

	errBreakpointNotHandled = &kernel.Error{Module: "self-test", Message: "breakpoint handler did not run"}
	errBreakpointNoResume   = &kernel.Error{Module: "self-test", Message: "execution did not resume after the breakpoint"}
)

type selfTestCase struct {
	name string
	fn   func() *kernel.Error
}

var selfTests = []selfTestCase{
	{"breakpoint resumes", testBreakpoint},
	{"simple allocation", testSimpleAllocation},
	{"large vector", testLargeVector},
	{"many boxes", testManyBoxes},
	{"many boxes long lived", testManyBoxesLongLived},
	{"go runtime allocation", testGoAllocation},
	{"page mapping", testPageMapping},
}

// runSelfTests runs every self test, reports the outcome on the console and
// exits QEMU with a status reflecting the result.
func runSelfTests() {
	var (
		failed int
		w      = &kfmt.PrefixWriter{Sink: kfmt.GetOutputSink(), Prefix: []byte("[self-test] ")}
	)

	kfmt.Fprintf(w, "running %d tests\n", len(selfTests))
	for _, tc := range selfTests {
		kfmt.Fprintf(w, "%s... ", tc.name)
		if err := tc.fn(); err != nil {
			failed++
			kfmt.Fprintf(w, "[failed]\n%s: %s\n", err.Module, err.Message)
			continue
		}
		kfmt.Fprintf(w, "[ok]\n")
	}

	if failed != 0 {
		kfmt.Fprintf(w, "%d of %d tests failed\n", failed, len(selfTests))
		portWriteDwordFn(qemuExitPort, exitFailure)
		return
	}

	portWriteDwordFn(qemuExitPort, exitSuccess)
}

// testBreakpoint raises a breakpoint exception and checks that the default
// handler ran exactly once and that execution resumed at the instruction
// following the trap.
func testBreakpoint() *kernel.Error {
	hits := breakpointHitsFn()
	breakpointMarker = 0

	breakpointFn()
	breakpointMarker = 0xb0b0

	if breakpointHitsFn() != hits+1 {
		return errBreakpointNotHandled
	}

	if breakpointMarker != 0xb0b0 {
		return errBreakpointNoResume
	}

	return nil
}

func wordAt(addr uintptr, index uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(addr + uintptr(index)*uintptr(wordSize)))
}

func allocWords(count uint64) (uintptr, *kernel.Error) {
	return heapAllocFn(mem.Size(count)*wordSize, wordAlign)
}

func freeWords(addr uintptr, count uint64) *kernel.Error {
	return heapFreeFn(addr, mem.Size(count)*wordSize, wordAlign)
}

var errValueMismatch = &kernel.Error{Module: "self-test", Message: "heap value was corrupted"}

func testSimpleAllocation() *kernel.Error {
	a, err := allocWords(1)
	if err != nil {
		return err
	}
	b, err := allocWords(1)
	if err != nil {
		return err
	}

	*wordAt(a, 0) = 41
	*wordAt(b, 0) = 13
	if *wordAt(a, 0) != 41 || *wordAt(b, 0) != 13 {
		return errValueMismatch
	}

	if err = freeWords(a, 1); err != nil {
		return err
	}
	return freeWords(b, 1)
}

// testLargeVector grows a word vector by doubling its capacity, exercising
// repeated allocation, copy and release of ever larger blocks.
func testLargeVector() *kernel.Error {
	const n = 1000
	var (
		vec              uintptr
		length, capacity uint64
	)

	for i := uint64(0); i < n; i++ {
		if length == capacity {
			newCap := capacity * 2
			if newCap == 0 {
				newCap = 4
			}

			newVec, err := allocWords(newCap)
			if err != nil {
				return err
			}

			if vec != 0 {
				mem.Memcopy(vec, newVec, mem.Size(length)*wordSize)
				if err = freeWords(vec, capacity); err != nil {
					return err
				}
			}
			vec, capacity = newVec, newCap
		}

		*wordAt(vec, length) = i
		length++
	}

	var sum uint64
	for i := uint64(0); i < length; i++ {
		sum += *wordAt(vec, i)
	}

	if err := freeWords(vec, capacity); err != nil {
		return err
	}

	if sum != (n-1)*n/2 {
		return errValueMismatch
	}
	return nil
}

// testManyBoxes performs more single-word allocations than the heap could
// hold at once. It only passes if freed memory is reused.
func testManyBoxes() *kernel.Error {
	for i := uint64(0); i < boxCount; i++ {
		box, err := allocWords(1)
		if err != nil {
			return err
		}

		*wordAt(box, 0) = i
		if *wordAt(box, 0) != i {
			return errValueMismatch
		}

		if err = freeWords(box, 1); err != nil {
			return err
		}
	}
	return nil
}

func testManyBoxesLongLived() *kernel.Error {
	longLived, err := allocWords(1)
	if err != nil {
		return err
	}
	*wordAt(longLived, 0) = 1

	if err = testManyBoxes(); err != nil {
		return err
	}

	if *wordAt(longLived, 0) != 1 {
		return errValueMismatch
	}
	return freeWords(longLived, 1)
}

// testGoAllocation checks that the Go runtime allocator is backed by
// kernel memory.
func testGoAllocation() *kernel.Error {
	counts := make(map[string]int)
	words := make([]uint64, 0)
	for i := 0; i < 512; i++ {
		words = append(words, uint64(i))
		counts["word"]++
	}

	if counts["word"] != len(words) || words[511] != 511 {
		return errValueMismatch
	}
	return nil
}

var (
	errTranslateMismatch = &kernel.Error{Module: "self-test", Message: "page translates to the wrong physical address"}
	errStaleMapping      = &kernel.Error{Module: "self-test", Message: "page still translates after unmap"}
)

// testPageMapping maps a fresh frame at a reserved page, checks the
// translation, aliases the frame through a second mapping and finally
// removes both mappings.
func testPageMapping() *kernel.Error {
	addr, err := reserveRegionFn(mem.PageSize)
	if err != nil {
		return err
	}

	frame, err := allocFrameFn()
	if err != nil {
		return err
	}

	page := vmm.PageFromAddress(addr)
	if err = mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
		return err
	}

	phys, err := translateFn(addr + 0x10)
	if err != nil {
		return err
	} else if phys != frame.Address()+0x10 {
		return errTranslateMismatch
	}

	*wordAt(addr, 0) = 0xfeedf00d

	alias, err := mapRegionFn(frame, mem.PageSize, vmm.FlagPresent|vmm.FlagNoExecute)
	if err != nil {
		return err
	} else if *wordAt(alias.Address(), 0) != 0xfeedf00d {
		return errValueMismatch
	}

	// drop write access on the original mapping
	if err = remapFn(page, frame, vmm.FlagPresent|vmm.FlagNoExecute); err != nil {
		return err
	}

	for _, p := range []vmm.Page{alias, page} {
		if err = unmapFn(p); err != nil {
			return err
		}

		if _, err = translateFn(p.Address()); err == nil {
			return errStaleMapping
		}
	}

	return nil
}

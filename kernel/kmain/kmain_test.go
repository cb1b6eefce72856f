package kmain

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/vaibhav-gopal/mini-os/kernel"
	"github.com/vaibhav-gopal/mini-os/kernel/gate"
	"github.com/vaibhav-gopal/mini-os/kernel/gdt"
	"github.com/vaibhav-gopal/mini-os/kernel/kfmt"
	"github.com/vaibhav-gopal/mini-os/kernel/mem/pmm"
	"github.com/vaibhav-gopal/mini-os/kernel/mem/vmm"
)

// mockBoot replaces every boot step with a stub that records its name in
// calls. The returned function restores the original implementations.
func mockBoot(calls *[]string) func() {
	var (
		origSetInfoPtr        = setInfoPtrFn
		origConsoleInit       = consoleInitFn
		origGDTInit           = gdtInitFn
		origGateInit          = gateInitFn
		origPICInit           = picInitFn
		origHandleIRQ         = handleIRQFn
		origEnableInterrupts  = enableInterruptsFn
		origAllocatorInit     = allocatorInitFn
		origSetFrameAllocator = setFrameAllocatorFn
		origFrameAllocator    = frameAllocatorFn
		origPhysMemOffset     = physMemOffsetFn
		origVMMInit           = vmmInitFn
		origHeapInit          = heapInitFn
		origGoruntimeInit     = goruntimeInitFn
		origEnableDecoding    = enableDecodingFn
		origSeal              = sealFn
		origRunSelfTests      = runSelfTestsFn
		origRunStackOverflow  = runStackOverflowFn
		origHandleInterrupt   = handleInterruptFn
		origIdle              = idleFn
		origPanic             = panicFn
		origOutputSink        = outputSink
		origSelfTest          = selfTest
		origIsIntel           = isIntelFn
		origFrameStats        = frameStatsFn
		origHeapStats         = heapStatsFn
	)

	record := func(name string) { *calls = append(*calls, name) }

	setInfoPtrFn = func(_ uintptr) { record("bootinfo") }
	consoleInitFn = func() { record("console") }
	gdtInitFn = func() *kernel.Error { record("gdt"); return nil }
	gateInitFn = func() { record("gate") }
	picInitFn = func() *kernel.Error { record("pic"); return nil }
	handleIRQFn = func(line uint8, _ func(*gate.Registers)) *kernel.Error {
		record("irq" + string(rune('0'+line)))
		return nil
	}
	enableInterruptsFn = func() { record("sti") }
	allocatorInitFn = func() *kernel.Error { record("allocator"); return nil }
	setFrameAllocatorFn = func(_ vmm.FrameAllocatorFn) { record("frame-allocator") }
	physMemOffsetFn = func() uintptr { return 0xffff800000000000 }
	vmmInitFn = func(offset uintptr) *kernel.Error {
		if offset != 0xffff800000000000 {
			record("vmm-bad-offset")
		}
		record("vmm")
		return nil
	}
	heapInitFn = func() *kernel.Error { record("heap"); return nil }
	goruntimeInitFn = func() *kernel.Error { record("goruntime"); return nil }
	enableDecodingFn = func() { record("decoding") }
	sealFn = func() { record("seal") }
	runSelfTestsFn = func() { record("self-test") }
	runStackOverflowFn = func() { record("stack-overflow") }
	handleInterruptFn = func(vector gate.InterruptNumber, ist uint8, _ func(*gate.Registers)) *kernel.Error {
		if vector != gate.DoubleFault || ist != gdt.DoubleFaultIST {
			record("bad-gate")
		}
		record("double-fault")
		return nil
	}
	idleFn = func() { record("idle") }
	panicFn = func(e interface{}) {
		if err, ok := e.(*kernel.Error); ok {
			record("panic:" + err.Message)
		}
	}
	isIntelFn = func() bool { return true }
	frameStatsFn = func() (uint64, uint64) { return 1024, 42 }
	heapStatsFn = func() (uintptr, uintptr, int) { return 64, 1024, 1 }
	outputSink = &bytes.Buffer{}
	selfTest = ""

	return func() {
		setInfoPtrFn = origSetInfoPtr
		consoleInitFn = origConsoleInit
		gdtInitFn = origGDTInit
		gateInitFn = origGateInit
		picInitFn = origPICInit
		handleIRQFn = origHandleIRQ
		enableInterruptsFn = origEnableInterrupts
		allocatorInitFn = origAllocatorInit
		setFrameAllocatorFn = origSetFrameAllocator
		frameAllocatorFn = origFrameAllocator
		physMemOffsetFn = origPhysMemOffset
		vmmInitFn = origVMMInit
		heapInitFn = origHeapInit
		goruntimeInitFn = origGoruntimeInit
		enableDecodingFn = origEnableDecoding
		sealFn = origSeal
		runSelfTestsFn = origRunSelfTests
		runStackOverflowFn = origRunStackOverflow
		handleInterruptFn = origHandleInterrupt
		idleFn = origIdle
		panicFn = origPanic
		outputSink = origOutputSink
		selfTest = origSelfTest
		isIntelFn = origIsIntel
		frameStatsFn = origFrameStats
		heapStatsFn = origHeapStats
		kfmt.SetOutputSink(nil)
	}
}

func TestKmainBootOrder(t *testing.T) {
	var calls []string
	defer mockBoot(&calls)()

	Kmain(0xbadf00d)

	exp := []string{
		"bootinfo", "console",
		"gdt", "gate", "pic", "irq0", "irq1", "sti",
		"allocator", "frame-allocator", "vmm", "heap", "goruntime",
		"decoding", "seal",
		"idle", "panic:Kmain returned",
	}

	if !reflect.DeepEqual(calls, exp) {
		t.Fatalf("expected boot sequence:\n%v\ngot:\n%v", exp, calls)
	}

	out := outputSink.(*bytes.Buffer).String()
	for _, exp := range []string{
		"running on an Intel CPU",
		"boot complete",
		"frames: 42/1024 allocated, heap: 64 bytes used, 1024 bytes free in 1 blocks",
	} {
		if !strings.Contains(out, exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, out)
		}
	}
}

func TestKmainSelfTestKnob(t *testing.T) {
	var calls []string
	defer mockBoot(&calls)()

	selfTest = "on"
	Kmain(0)

	if n := len(calls); n < 3 || calls[n-3] != "self-test" || calls[n-2] != "idle" {
		t.Fatalf("expected self tests to run before idling; got %v", calls)
	}
}

func TestKmainStackOverflowKnob(t *testing.T) {
	var calls []string
	defer mockBoot(&calls)()

	selfTest = stackOverflowTest
	Kmain(0)

	exp := []string{
		"bootinfo", "console",
		"gdt", "gate", "pic", "irq0", "irq1", "sti",
		"allocator", "frame-allocator", "vmm", "heap", "goruntime",
		"double-fault", "decoding", "seal",
		"stack-overflow", "idle", "panic:Kmain returned",
	}

	if !reflect.DeepEqual(calls, exp) {
		t.Fatalf("expected boot sequence:\n%v\ngot:\n%v", exp, calls)
	}
}

func TestKmainBootErrors(t *testing.T) {
	expErr := &kernel.Error{Module: "test", Message: "boot step failed"}
	failWith := func() *kernel.Error { return expErr }

	specs := []struct {
		name   string
		inject func()
		last   string
	}{
		{"gdt", func() { gdtInitFn = failWith }, "console"},
		{"pic", func() { picInitFn = failWith }, "gate"},
		{"irq", func() {
			handleIRQFn = func(_ uint8, _ func(*gate.Registers)) *kernel.Error { return expErr }
		}, "pic"},
		{"allocator", func() { allocatorInitFn = failWith }, "sti"},
		{"vmm", func() { vmmInitFn = func(_ uintptr) *kernel.Error { return expErr } }, "frame-allocator"},
		{"heap", func() { heapInitFn = failWith }, "vmm"},
		{"goruntime", func() { goruntimeInitFn = failWith }, "heap"},
		{"double fault handler", func() {
			selfTest = stackOverflowTest
			handleInterruptFn = func(_ gate.InterruptNumber, _ uint8, _ func(*gate.Registers)) *kernel.Error { return expErr }
		}, "goruntime"},
	}

	for specIndex, spec := range specs {
		var calls []string
		restore := mockBoot(&calls)
		spec.inject()

		Kmain(0)
		restore()

		n := len(calls)
		if n < 2 || calls[n-1] != "panic:"+expErr.Message || calls[n-2] != spec.last {
			t.Errorf("[spec %d] expected %s failure to panic right after %q; got %v", specIndex, spec.name, spec.last, calls)
		}
	}
}

func TestDeviceHandlers(t *testing.T) {
	defer func() {
		ticks = 0
		lastScanCode = 0
		portReadByteFn = origPortReadByte
	}()

	ticks = 0
	for i := 0; i < 3; i++ {
		timerHandler(nil)
	}
	if ticks != 3 {
		t.Fatalf("expected tick counter to be 3; got %d", ticks)
	}

	portReadByteFn = func(port uint16) uint8 {
		if port != keyboardDataPort {
			t.Errorf("expected read from port 0x%x; got 0x%x", keyboardDataPort, port)
		}
		return 0x1e
	}

	keyboardHandler(nil)
	if lastScanCode != 0x1e {
		t.Fatalf("expected scan code 0x1e; got 0x%x", lastScanCode)
	}
}

var origPortReadByte = portReadByteFn

// make sure the frame allocator handed to vmm is the system one.
func TestFrameAllocatorWiring(t *testing.T) {
	var got vmm.FrameAllocatorFn
	var calls []string
	defer mockBoot(&calls)()

	setFrameAllocatorFn = func(fn vmm.FrameAllocatorFn) { got = fn }
	frameAllocatorFn = func() (pmm.Frame, *kernel.Error) { return pmm.Frame(42), nil }

	Kmain(0)

	if got == nil {
		t.Fatal("expected a frame allocator to be registered with vmm")
	}

	if frame, _ := got(); frame != 42 {
		t.Fatalf("expected registered allocator to return frame 42; got %d", frame)
	}
}

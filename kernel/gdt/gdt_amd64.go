// Package gdt installs the global descriptor table and the task state
// segment. Segmentation is mostly disabled in long mode but a code
// descriptor is still required and the TSS supplies the interrupt stack
// table used to run the double fault handler on a known-good stack.
package gdt

import (
	"encoding/binary"
	"unsafe"

	"github.com/vaibhav-gopal/mini-os/kernel"
	"github.com/vaibhav-gopal/mini-os/kernel/cpu"
	"github.com/vaibhav-gopal/mini-os/kernel/mem"
)

const (
	// DoubleFaultIST is the (1-based) interrupt stack table index of the
	// stack that the double fault handler runs on.
	DoubleFaultIST = 1

	// doubleFaultStackSize is the size of the double fault stack.
	doubleFaultStackSize = 5 * mem.PageSize
)

// Descriptor slots. The TSS descriptor is 16 bytes wide and occupies two
// slots.
const (
	// Mandatory null descriptor.
	_ = iota
	slotKernelCode
	slotTSS
	slotTSSHigh
	slotCount
)

const (
	// CodeSelector selects the 64-bit ring 0 code segment.
	CodeSelector = uint16(slotKernelCode << 3)

	// TSSSelector selects the task state segment.
	TSSSelector = uint16(slotTSS << 3)
)

type segmentFlags uint32

const (
	segFlagAccess  segmentFlags = 1 << 8
	segFlagCode    segmentFlags = 1 << 11
	segFlagSystem  segmentFlags = 1 << 12
	segFlagPresent segmentFlags = 1 << 15
	segFlagLong    segmentFlags = 1 << 21

	// segTypeAvailableTSS is the system descriptor type of a 64-bit TSS
	// that is not busy.
	segTypeAvailableTSS = segFlagAccess | segFlagCode
)

// segmentDescriptor is a 64-bit segment descriptor. The uint64 type forces
// 8-byte alignment.
type segmentDescriptor uint64

// taskStateSegment is the 104-byte 64-bit TSS. Hardware task switching is
// not available in long mode; the structure only supplies the privilege
// level and interrupt stack pointers.
type taskStateSegment [26]uint32

// setIST sets the address for interrupt stack table entry idx (1-based).
func (t *taskStateSegment) setIST(idx int, rsp uint64) {
	t[7+idx*2] = uint32(rsp)
	t[7+idx*2+1] = uint32(rsp >> 32)
}

// ist returns the stack pointer stored in interrupt stack table entry idx.
func (t *taskStateSegment) ist(idx int) uint64 {
	return uint64(t[7+idx*2]) | uint64(t[7+idx*2+1])<<32
}

// setIOMapBase places the I/O permission bitmap past the end of the TSS so
// that no port is accessible from user mode.
func (t *taskStateSegment) setIOMapBase(offset uint16) {
	t[25] = uint32(offset) << 16
}

var (
	globalGDT [slotCount]segmentDescriptor
	globalTSS taskStateSegment

	// doubleFaultStack is only ever accessed through the TSS; the CPU
	// switches to its top when delivering a double fault.
	doubleFaultStack [doubleFaultStackSize]byte

	// gdtPointer is the 10-byte pseudo-descriptor consumed by LGDT: a
	// 16-bit limit followed by the 64-bit table address.
	gdtPointer [10]byte

	loaded bool

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	loadGDTFn = cpu.LoadGDT
	setCSFn   = cpu.SetCS
	loadTSSFn = cpu.LoadTSS

	errAlreadyLoaded = &kernel.Error{Module: "gdt", Message: "descriptor tables already loaded"}
)

// newSegmentDescriptor encodes a ring 0 segment descriptor.
func newSegmentDescriptor(base, limit uint32, flags segmentFlags) segmentDescriptor {
	flags |= segFlagPresent
	w0 := base<<16 | limit&0xffff
	w1 := base&0xff000000 | limit&0xf0000 | uint32(flags) | (base>>16)&0xff
	return segmentDescriptor(uint64(w1)<<32 | uint64(w0))
}

// DoubleFaultStackTop returns the address loaded into RSP when a double
// fault is delivered. Stacks grow down so this is the end of the stack
// buffer, rounded down to the 16-byte alignment the CPU expects.
func DoubleFaultStackTop() uintptr {
	end := uintptr(unsafe.Pointer(&doubleFaultStack[0])) + uintptr(len(doubleFaultStack))
	return mem.AlignDown(end, 16)
}

// DoubleFaultStackBottom returns the lowest address of the double fault
// stack.
func DoubleFaultStackBottom() uintptr {
	return uintptr(unsafe.Pointer(&doubleFaultStack[0]))
}

// Init builds the descriptor tables, loads the GDT, reloads CS and loads the
// task register. Calling Init more than once returns an error without
// touching the CPU state.
func Init() *kernel.Error {
	if loaded {
		return errAlreadyLoaded
	}

	globalTSS.setIST(DoubleFaultIST, uint64(DoubleFaultStackTop()))
	globalTSS.setIOMapBase(uint16(unsafe.Sizeof(globalTSS)))

	tssAddr := uintptr(unsafe.Pointer(&globalTSS))
	tssLimit := uint32(unsafe.Sizeof(globalTSS) - 1)

	globalGDT[slotKernelCode] = newSegmentDescriptor(0, 0, segFlagSystem|segFlagCode|segFlagLong)

	// The 64-bit TSS descriptor spans two slots with the high 32 bits of
	// the address in the second one.
	globalGDT[slotTSS] = newSegmentDescriptor(uint32(tssAddr), tssLimit, segTypeAvailableTSS)
	globalGDT[slotTSSHigh] = segmentDescriptor(uint64(tssAddr) >> 32)

	binary.LittleEndian.PutUint16(gdtPointer[:2], uint16(unsafe.Sizeof(globalGDT)-1))
	binary.LittleEndian.PutUint64(gdtPointer[2:], uint64(uintptr(unsafe.Pointer(&globalGDT))))

	loadGDTFn(uintptr(unsafe.Pointer(&gdtPointer)))
	setCSFn(CodeSelector)
	loadTSSFn(TSSSelector)

	loaded = true
	return nil
}

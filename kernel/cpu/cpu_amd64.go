// Package cpu exposes the privileged amd64 instructions used by the kernel.
// All functions without a body are implemented in cpu_amd64.s.
package cpu

const (
	// flagIF is the interrupt-enable bit of the RFLAGS register.
	flagIF = 1 << 9
)

var (
	cpuidFn  = ID
	rflagsFn = ReadRFlags
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// ReadRFlags returns the contents of the RFLAGS register.
func ReadRFlags() uint64

// InterruptsEnabled returns true if the IF flag is set.
func InterruptsEnabled() bool {
	return rflagsFn()&flagIF != 0
}

// Halt stops instruction execution until the next interrupt arrives.
func Halt()

// Breakpoint raises a breakpoint exception (INT3).
func Breakpoint()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// LoadGDT loads the GDTR register from the 10-byte pseudo-descriptor at
// descAddr.
func LoadGDT(descAddr uintptr)

// LoadIDT loads the IDTR register from the 10-byte pseudo-descriptor at
// descAddr.
func LoadIDT(descAddr uintptr)

// LoadTSS loads the task register with the given GDT selector.
func LoadTSS(selector uint16)

// SetCS reloads the CS register with the given selector using a far return.
func SetCS(selector uint16)

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8)

// PortWriteDword writes a uint32 value to the requested port.
func PortWriteDword(port uint16, val uint32)

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8

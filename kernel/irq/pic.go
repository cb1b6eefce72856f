// Package irq drives the pair of cascaded 8259 programmable interrupt
// controllers and routes hardware interrupt lines to Go handlers.
//
// The controllers power up delivering their lines on vectors 8-15 which
// collide with the CPU exception vectors. Init remaps the master to vectors
// 32-39 and the slave to vectors 40-47.
package irq

import (
	"github.com/vaibhav-gopal/mini-os/kernel"
	"github.com/vaibhav-gopal/mini-os/kernel/cpu"
)

const (
	masterCommandPort = 0x20
	masterDataPort    = 0x21
	slaveCommandPort  = 0xa0
	slaveDataPort     = 0xa1

	// MasterOffset is the vector assigned to line 0.
	MasterOffset = 32

	// SlaveOffset is the vector assigned to line 8.
	SlaveOffset = MasterOffset + 8

	// LineCount is the number of lines served by the controller pair.
	LineCount = 16

	// cascadeLine is the master line the slave is wired to.
	cascadeLine = 2

	icw1Init     = 0x10
	icw1NeedICW4 = 0x01
	icw4Mode8086 = 0x01
	cmdEOI       = 0x20
	ocw3ReadISR  = 0x0b

	// ioWaitPort is an unused port (POST diagnostics); writing to it
	// gives the controllers time to process the previous command.
	ioWaitPort = 0x80
)

var (
	picInitialized bool

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte

	errPICAlreadyInitialized = &kernel.Error{Module: "pic", Message: "interrupt controllers already initialized"}
	errInvalidLine           = &kernel.Error{Module: "pic", Message: "interrupt line out of range"}
)

func ioWait() {
	portWriteByteFn(ioWaitPort, 0)
}

func writeAndWait(port uint16, val uint8) {
	portWriteByteFn(port, val)
	ioWait()
}

// Init remaps both controllers so that lines 0-15 raise vectors 32-47 and
// routes all of them through the IRQ dispatcher. The interrupt masks in
// effect before the call are preserved. Calling Init more than once returns
// an error.
func Init() *kernel.Error {
	if picInitialized {
		return errPICAlreadyInitialized
	}

	masterMask := portReadByteFn(masterDataPort)
	slaveMask := portReadByteFn(slaveDataPort)

	// ICW1: start the initialization sequence
	writeAndWait(masterCommandPort, icw1Init|icw1NeedICW4)
	writeAndWait(slaveCommandPort, icw1Init|icw1NeedICW4)

	// ICW2: vector offsets
	writeAndWait(masterDataPort, MasterOffset)
	writeAndWait(slaveDataPort, SlaveOffset)

	// ICW3: the master has a slave on the cascade line; the slave is told
	// its cascade identity
	writeAndWait(masterDataPort, 1<<cascadeLine)
	writeAndWait(slaveDataPort, cascadeLine)

	// ICW4: 8086 mode
	writeAndWait(masterDataPort, icw4Mode8086)
	writeAndWait(slaveDataPort, icw4Mode8086)

	portWriteByteFn(masterDataPort, masterMask)
	portWriteByteFn(slaveDataPort, slaveMask)

	if err := routeLines(); err != nil {
		return err
	}

	picInitialized = true
	return nil
}

// Handles returns true if the vector is raised by one of the controllers.
func Handles(vector uint8) bool {
	return vector >= MasterOffset && vector < MasterOffset+LineCount
}

// EndOfInterrupt acknowledges the interrupt identified by vector. Interrupts
// raised by the slave must be acknowledged on both controllers. Vectors not
// served by the controllers are ignored.
func EndOfInterrupt(vector uint8) {
	if !Handles(vector) {
		return
	}

	if vector >= SlaveOffset {
		portWriteByteFn(slaveCommandPort, cmdEOI)
	}
	portWriteByteFn(masterCommandPort, cmdEOI)
}

// lineDataPort returns the data port of the controller serving line and the
// bit corresponding to the line in its mask register.
func lineDataPort(line uint8) (uint16, uint8) {
	if line < 8 {
		return masterDataPort, 1 << line
	}
	return slaveDataPort, 1 << (line - 8)
}

// Mask disables delivery of the given line.
func Mask(line uint8) *kernel.Error {
	if line >= LineCount {
		return errInvalidLine
	}

	port, bit := lineDataPort(line)
	portWriteByteFn(port, portReadByteFn(port)|bit)
	return nil
}

// Unmask enables delivery of the given line. Unmasking a slave line also
// unmasks the cascade line on the master.
func Unmask(line uint8) *kernel.Error {
	if line >= LineCount {
		return errInvalidLine
	}

	port, bit := lineDataPort(line)
	portWriteByteFn(port, portReadByteFn(port)&^bit)

	if line >= 8 {
		return Unmask(cascadeLine)
	}
	return nil
}

// IsSpurious reports whether an interrupt on line is spurious. The
// controllers signal a spurious interrupt on their lowest priority line (7
// for the master, 15 for the slave) without setting the matching bit in the
// in-service register.
func IsSpurious(line uint8) bool {
	var commandPort uint16

	switch line {
	case 7:
		commandPort = masterCommandPort
	case 15:
		commandPort = slaveCommandPort
	default:
		return false
	}

	portWriteByteFn(commandPort, ocw3ReadISR)
	isr := portReadByteFn(commandPort)
	return isr&(1<<(line&7)) == 0
}

package irq

import (
	"github.com/vaibhav-gopal/mini-os/kernel"
	"github.com/vaibhav-gopal/mini-os/kernel/gate"
)

var (
	// lineHandlers holds the device handler for each controller line.
	lineHandlers [LineCount]func(*gate.Registers)

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	handleInterruptFn = gate.HandleInterrupt
	sealedFn          = gate.Sealed

	isSpuriousFn = IsSpurious
)

// routeLines binds every controller vector to dispatchIRQ. Lines without a
// device handler are still acknowledged; the 8259 raises spurious
// interrupts on lines 7 and 15 even when they are masked.
func routeLines() *kernel.Error {
	for line := uint8(0); line < LineCount; line++ {
		if err := handleInterruptFn(gate.InterruptNumber(MasterOffset+line), 0, dispatchIRQ); err != nil {
			return err
		}
	}

	return nil
}

// HandleIRQ registers handler for the given controller line and unmasks the
// line. The handler runs with interrupts disabled; once it returns the
// interrupt is acknowledged so the controller keeps delivering the line.
// Handlers can only be registered until the dispatch table is sealed.
//
// HandleIRQ does not allocate so it can be used before the Go allocator is
// initialized.
func HandleIRQ(line uint8, handler func(*gate.Registers)) *kernel.Error {
	if line >= LineCount {
		return errInvalidLine
	}

	if sealedFn() {
		return gate.ErrTableSealed
	}

	lineHandlers[line] = handler
	return Unmask(line)
}

// dispatchIRQ is the gate handler shared by all controller lines.
//
// Spurious interrupts never reach the device handler. A spurious interrupt
// from the slave is still acknowledged on the master since the master cannot
// tell it apart from a real one.
func dispatchIRQ(regs *gate.Registers) {
	vector := uint8(regs.Vector)
	line := vector - MasterOffset

	if isSpuriousFn(line) {
		if line >= 8 {
			portWriteByteFn(masterCommandPort, cmdEOI)
		}
		return
	}

	if handler := lineHandlers[line]; handler != nil {
		handler(regs)
	}
	EndOfInterrupt(vector)
}

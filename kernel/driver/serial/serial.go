// Package serial implements a write-only driver for a 16550-compatible UART.
// The kernel uses the first serial port (COM1) as its console.
package serial

import (
	"github.com/vaibhav-gopal/mini-os/kernel/cpu"
)

// COM1 is the I/O base port of the first serial interface.
const COM1 = 0x3f8

// Register offsets relative to the port base.
const (
	regData         = 0 // THR on write; DLL when DLAB is set
	regIntEnable    = 1 // IER; DLM when DLAB is set
	regFIFOCtrl     = 2
	regLineCtrl     = 3
	regModemCtrl    = 4
	regLineStatus   = 5
	lineCtrlDLAB    = 0x80
	lineCtrl8N1     = 0x03
	fifoEnableClear = 0xc7 // enable, clear both queues, 14 byte threshold
	modemCtrlReady  = 0x0b // DTR, RTS, OUT2
	intEnableRx     = 0x01
	lsrTxEmpty      = 0x20

	// divisor for 38400 baud
	baudDivisor = 3
)

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte
)

// Port is a 16550 UART attached to an I/O port base.
type Port struct {
	base uint16
}

// New returns a Port for the UART at the given I/O base. The device must be
// programmed with Init before use.
func New(base uint16) *Port {
	return &Port{base: base}
}

// Init programs the UART for 38400 baud, 8 data bits, no parity and one
// stop bit with FIFOs enabled.
func (p *Port) Init() {
	portWriteByteFn(p.base+regIntEnable, 0)
	portWriteByteFn(p.base+regLineCtrl, lineCtrlDLAB)
	portWriteByteFn(p.base+regData, baudDivisor&0xff)
	portWriteByteFn(p.base+regIntEnable, baudDivisor>>8)
	portWriteByteFn(p.base+regLineCtrl, lineCtrl8N1)
	portWriteByteFn(p.base+regFIFOCtrl, fifoEnableClear)
	portWriteByteFn(p.base+regModemCtrl, modemCtrlReady)
	portWriteByteFn(p.base+regIntEnable, intEnableRx)
}

// WriteByte waits until the transmit holding register is empty and then
// sends b.
func (p *Port) WriteByte(b byte) error {
	for portReadByteFn(p.base+regLineStatus)&lsrTxEmpty == 0 {
	}
	portWriteByteFn(p.base+regData, b)
	return nil
}

// Write implements io.Writer. Writes to the serial port never fail.
func (p *Port) Write(data []byte) (int, error) {
	for _, b := range data {
		_ = p.WriteByte(b)
	}
	return len(data), nil
}

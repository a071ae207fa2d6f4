package rv64

import (
	"io"
	"sync"
)

// UART register offsets (16550 compatible)
const (
	UARTRegRBR = 0 // Receive Buffer Register (read)
	UARTRegTHR = 0 // Transmit Holding Register (write)
	UARTRegIER = 1 // Interrupt Enable Register
	UARTRegIIR = 2 // Interrupt Identification Register (read)
	UARTRegFCR = 2 // FIFO Control Register (write)
	UARTRegLCR = 3 // Line Control Register
	UARTRegMCR = 4 // Modem Control Register
	UARTRegLSR = 5 // Line Status Register
	UARTRegMSR = 6 // Modem Status Register
	UARTRegSCR = 7 // Scratch Register
)

// LSR bits
const (
	UARTLSRDataReady = 1 << 0 // Data ready
	UARTLSRTHREmpty  = 1 << 5 // Transmit holding register empty
	UARTLSRTxEmpty   = 1 << 6 // Transmitter empty
)

// IER bits
const (
	UARTIERRecvAvail = 1 << 0
	UARTIERTHREmpty  = 1 << 1
)

// UART implements a simple 16550-compatible UART. Output bytes go to
// Output as they are written; input bytes are pushed with EnqueueInput,
// which may be called from another goroutine.
type UART struct {
	Output io.Writer

	IER uint8 // Interrupt enable
	FCR uint8 // FIFO control
	LCR uint8 // Line control
	MCR uint8 // Modem control
	SCR uint8 // Scratch

	// DLAB registers
	DLL uint8 // Divisor latch low
	DLH uint8 // Divisor latch high

	mu    sync.Mutex
	input []byte
}

// NewUART creates a new UART writing guest output to output.
func NewUART(output io.Writer) *UART {
	return &UART{Output: output}
}

// EnqueueInput queues input bytes for the guest to read.
func (uart *UART) EnqueueInput(data []byte) {
	uart.mu.Lock()
	defer uart.mu.Unlock()
	uart.input = append(uart.input, data...)
}

// IsInterrupting reports whether the UART is asserting its interrupt
// line: receive interrupts enabled and input waiting.
func (uart *UART) IsInterrupting() bool {
	uart.mu.Lock()
	defer uart.mu.Unlock()
	return uart.IER&UARTIERRecvAvail != 0 && len(uart.input) > 0
}

// popInput removes and returns the next input byte.
func (uart *UART) popInput() uint8 {
	uart.mu.Lock()
	defer uart.mu.Unlock()
	if len(uart.input) == 0 {
		return 0
	}
	data := uart.input[0]
	uart.input = uart.input[1:]
	return data
}

// inputReady reports whether input is waiting.
func (uart *UART) inputReady() bool {
	uart.mu.Lock()
	defer uart.mu.Unlock()
	return len(uart.input) > 0
}

// Read implements Device
func (uart *UART) Read(offset uint64, size int) (uint64, error) {
	if size != 1 {
		return 0, nil
	}

	dlab := uart.LCR&0x80 != 0

	switch offset {
	case UARTRegRBR:
		if dlab {
			return uint64(uart.DLL), nil
		}
		return uint64(uart.popInput()), nil

	case UARTRegIER:
		if dlab {
			return uint64(uart.DLH), nil
		}
		return uint64(uart.IER), nil

	case UARTRegIIR:
		if uart.IER&UARTIERRecvAvail != 0 && uart.inputReady() {
			return 0x04, nil // Receive data available
		}
		if uart.IER&UARTIERTHREmpty != 0 {
			return 0x02, nil // THR empty
		}
		return 0x01, nil // No interrupt pending

	case UARTRegLCR:
		return uint64(uart.LCR), nil

	case UARTRegMCR:
		return uint64(uart.MCR), nil

	case UARTRegLSR:
		lsr := uint64(UARTLSRTHREmpty | UARTLSRTxEmpty) // TX always ready
		if uart.inputReady() {
			lsr |= UARTLSRDataReady
		}
		return lsr, nil

	case UARTRegMSR:
		return 0, nil

	case UARTRegSCR:
		return uint64(uart.SCR), nil
	}

	return 0, nil
}

// Write implements Device
func (uart *UART) Write(offset uint64, size int, value uint64) error {
	if size != 1 {
		return nil
	}

	data := uint8(value)
	dlab := uart.LCR&0x80 != 0

	switch offset {
	case UARTRegTHR:
		if dlab {
			uart.DLL = data
			return nil
		}
		if uart.Output != nil {
			uart.Output.Write([]byte{data})
		}

	case UARTRegIER:
		if dlab {
			uart.DLH = data
			return nil
		}
		uart.IER = data

	case UARTRegFCR:
		uart.FCR = data
		if data&0x02 != 0 {
			// Clear the receive FIFO
			uart.mu.Lock()
			uart.input = nil
			uart.mu.Unlock()
		}

	case UARTRegLCR:
		uart.LCR = data

	case UARTRegMCR:
		uart.MCR = data

	case UARTRegSCR:
		uart.SCR = data
	}

	return nil
}

// Size implements Device
func (uart *UART) Size() uint64 {
	return UARTSize
}

var _ Device = (*UART)(nil)

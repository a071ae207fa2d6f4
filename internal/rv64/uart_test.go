package rv64

import (
	"bytes"
	"testing"
)

func TestUARTTransmit(t *testing.T) {
	output := &bytes.Buffer{}
	m := NewMachine(1024*1024, output)

	for _, b := range []byte("ok\n") {
		m.Bus.Write8(UARTBase+UARTRegTHR, b)
	}

	if output.String() != "ok\n" {
		t.Errorf("expected %q, got %q", "ok\n", output.String())
	}
}

func TestUARTReceive(t *testing.T) {
	m := NewMachine(1024*1024, &bytes.Buffer{})

	lsr, _ := m.Bus.Read8(UARTBase + UARTRegLSR)
	if lsr != UARTLSRTHREmpty|UARTLSRTxEmpty {
		t.Errorf("idle lsr: expected 0x%02x, got 0x%02x", UARTLSRTHREmpty|UARTLSRTxEmpty, lsr)
	}

	m.UART.EnqueueInput([]byte("hi"))

	lsr, _ = m.Bus.Read8(UARTBase + UARTRegLSR)
	if lsr&UARTLSRDataReady == 0 {
		t.Error("data ready not set with input queued")
	}

	b, _ := m.Bus.Read8(UARTBase + UARTRegRBR)
	if b != 'h' {
		t.Errorf("rbr: expected 'h', got %q", b)
	}
	b, _ = m.Bus.Read8(UARTBase + UARTRegRBR)
	if b != 'i' {
		t.Errorf("rbr: expected 'i', got %q", b)
	}

	lsr, _ = m.Bus.Read8(UARTBase + UARTRegLSR)
	if lsr&UARTLSRDataReady != 0 {
		t.Error("data ready still set after draining the fifo")
	}
	if b, _ := m.Bus.Read8(UARTBase + UARTRegRBR); b != 0 {
		t.Errorf("empty rbr: expected 0, got %d", b)
	}
}

func TestUARTInterrupt(t *testing.T) {
	m := NewMachine(1024*1024, &bytes.Buffer{})
	uart := m.UART

	uart.EnqueueInput([]byte{'x'})
	if uart.IsInterrupting() {
		t.Error("interrupting with receive interrupts disabled")
	}

	m.Bus.Write8(UARTBase+UARTRegIER, UARTIERRecvAvail)
	if !uart.IsInterrupting() {
		t.Error("not interrupting with input queued and receive enabled")
	}

	iir, _ := m.Bus.Read8(UARTBase + UARTRegIIR)
	if iir != 0x04 {
		t.Errorf("iir: expected receive-available (0x04), got 0x%02x", iir)
	}

	// Draining the input drops the line.
	m.Bus.Read8(UARTBase + UARTRegRBR)
	if uart.IsInterrupting() {
		t.Error("still interrupting after input drained")
	}
	iir, _ = m.Bus.Read8(UARTBase + UARTRegIIR)
	if iir != 0x01 {
		t.Errorf("iir: expected none-pending (0x01), got 0x%02x", iir)
	}

	m.Bus.Write8(UARTBase+UARTRegIER, UARTIERTHREmpty)
	iir, _ = m.Bus.Read8(UARTBase + UARTRegIIR)
	if iir != 0x02 {
		t.Errorf("iir: expected thr-empty (0x02), got 0x%02x", iir)
	}
}

func TestUARTDivisorLatch(t *testing.T) {
	output := &bytes.Buffer{}
	m := NewMachine(1024*1024, output)

	// With DLAB set, offsets 0 and 1 address the divisor latch instead
	// of the data and interrupt registers.
	m.Bus.Write8(UARTBase+UARTRegLCR, 0x80)
	m.Bus.Write8(UARTBase+UARTRegRBR, 0x0d)
	m.Bus.Write8(UARTBase+UARTRegIER, 0x01)

	if output.Len() != 0 {
		t.Errorf("divisor write leaked to output: %q", output.String())
	}

	dll, _ := m.Bus.Read8(UARTBase + UARTRegRBR)
	dlh, _ := m.Bus.Read8(UARTBase + UARTRegIER)
	if dll != 0x0d || dlh != 0x01 {
		t.Errorf("divisor: expected 0x0d/0x01, got 0x%02x/0x%02x", dll, dlh)
	}

	// Dropping DLAB restores normal register access.
	m.Bus.Write8(UARTBase+UARTRegLCR, 0x03)
	if ier, _ := m.Bus.Read8(UARTBase + UARTRegIER); ier != 0 {
		t.Errorf("ier: expected 0, got 0x%02x", ier)
	}
	m.Bus.Write8(UARTBase+UARTRegTHR, '!')
	if output.String() != "!" {
		t.Errorf("thr after dlab: expected %q, got %q", "!", output.String())
	}
}

func TestUARTFIFOClear(t *testing.T) {
	m := NewMachine(1024*1024, &bytes.Buffer{})

	m.UART.EnqueueInput([]byte("stale"))
	m.Bus.Write8(UARTBase+UARTRegFCR, 0x02)

	lsr, _ := m.Bus.Read8(UARTBase + UARTRegLSR)
	if lsr&UARTLSRDataReady != 0 {
		t.Error("fifo clear left data ready set")
	}
}

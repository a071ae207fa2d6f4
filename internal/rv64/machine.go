package rv64

import (
	"errors"
	"io"
)

// InterruptSource is a device that can assert a PLIC interrupt line.
type InterruptSource interface {
	IsInterrupting() bool
}

type irqLine struct {
	line uint32
	src  InterruptSource
}

// Machine wires a hart to RAM and the platform devices. It has no run
// loop of its own: callers drive it with PendingInterrupt, TimerTick and
// Tick.
type Machine struct {
	CPU   *CPU
	Bus   *Bus
	CLINT *CLINT
	PLIC  *PLIC
	UART  *UART

	irqLines []irqLine
}

// NewMachine creates a machine with the given RAM size. Guest console
// output is written to consoleOut.
func NewMachine(ramSize uint64, consoleOut io.Writer) *Machine {
	bus := NewBus(ramSize)

	cpu := NewCPU(bus)
	clint := NewCLINT(cpu)
	plic := NewPLIC(cpu)
	uart := NewUART(consoleOut)

	bus.AddDevice(CLINTBase, clint)
	bus.AddDevice(PLICBase, plic)
	bus.AddDevice(UARTBase, uart)

	m := &Machine{
		CPU:   cpu,
		Bus:   bus,
		CLINT: clint,
		PLIC:  plic,
		UART:  uart,
	}
	m.WireIRQ(UARTIRQ, uart)

	return m
}

// Reset returns the machine to its power-on state. Device state is left
// alone; the guest reprograms devices as it boots.
func (m *Machine) Reset() {
	m.CPU.Reset()
}

// SetPC sets the program counter
func (m *Machine) SetPC(pc uint64) {
	m.CPU.PC = pc
}

// GetPC gets the program counter
func (m *Machine) GetPC() uint64 {
	return m.CPU.PC
}

// LoadBytes loads data into memory at the given physical address
func (m *Machine) LoadBytes(addr uint64, data []byte) error {
	return m.Bus.LoadBytes(addr, data)
}

// MemoryBase returns the base address of RAM
func (m *Machine) MemoryBase() uint64 {
	return m.Bus.RAMBase
}

// MemorySize returns the size of RAM
func (m *Machine) MemorySize() uint64 {
	return m.Bus.RAM.Size()
}

// AddDevice adds a device to the bus
func (m *Machine) AddDevice(base uint64, dev Device) {
	m.Bus.AddDevice(base, dev)
}

// WireIRQ connects a device to a PLIC interrupt line. The device is
// polled before each interrupt check.
func (m *Machine) WireIRQ(line uint32, src InterruptSource) {
	m.irqLines = append(m.irqLines, irqLine{line: line, src: src})
}

// PendingInterrupt polls the wired devices, latches their interrupt
// lines and returns the highest-priority deliverable interrupt cause.
// A pending enabled interrupt also ends any wait-for-interrupt state,
// whether or not it is deliverable right now.
func (m *Machine) PendingInterrupt() (uint64, bool) {
	for _, l := range m.irqLines {
		if l.src.IsInterrupting() {
			m.PLIC.SetPending(l.line)
		}
	}

	if m.CPU.WFI && m.CPU.Mip&m.CPU.Mie != 0 {
		m.CPU.WFI = false
	}

	return m.CPU.CheckInterrupt()
}

// TakeTrap delivers a trap and reports how the caller should treat it.
func (m *Machine) TakeTrap(cause, tval uint64) Trap {
	return m.CPU.TakeTrap(cause, tval)
}

// TimerTick advances the machine timer.
func (m *Machine) TimerTick() {
	m.CLINT.Tick()
}

// Tick fetches, decodes and executes one instruction. It returns the
// instruction word as fetched (16 bits for a compressed instruction)
// for tracing. A synchronous exception comes back as an ExceptionError
// for the caller to deliver; other errors mean the machine cannot
// continue. While the hart is waiting for an interrupt Tick does
// nothing.
func (m *Machine) Tick() (uint32, error) {
	if m.CPU.WFI {
		return 0, nil
	}

	pc := m.CPU.PC

	raw, insn, size, err := m.fetch(pc)
	if err != nil {
		return 0, err
	}

	if err := m.CPU.Execute(insn, size); err != nil {
		// Leave the PC on the faulting instruction so the trap saves
		// the right epc.
		m.CPU.PC = pc
		return raw, err
	}

	// If the PC wasn't changed by a jump, advance it
	if m.CPU.PC == pc {
		m.CPU.PC += size
	}

	m.CPU.Cycle++
	m.CPU.Instret++

	return raw, nil
}

// fetch reads and decodes the instruction at pc. It returns the raw
// fetched word and the executable 32-bit form (expanded when the raw
// word is compressed).
func (m *Machine) fetch(pc uint64) (raw uint32, insn uint32, size uint64, err error) {
	paddr, err := m.CPU.translate(pc, accessFetch)
	if err != nil {
		return 0, 0, 0, err
	}

	lo, err := m.fetch16(paddr, pc)
	if err != nil {
		return 0, 0, 0, err
	}

	if lo&0x3 != 0x3 {
		expanded, err := expandCompressed(lo)
		if err != nil {
			return 0, 0, 0, err
		}
		return uint32(lo), expanded, 2, nil
	}

	// The upper half of a 32-bit instruction may sit on the next page.
	hiAddr := paddr + 2
	if pc&(PageSize-1) == PageSize-2 {
		hiAddr, err = m.CPU.translate(pc+2, accessFetch)
		if err != nil {
			return 0, 0, 0, err
		}
	}

	hi, err := m.fetch16(hiAddr, pc)
	if err != nil {
		return 0, 0, 0, err
	}

	word := uint32(lo) | uint32(hi)<<16
	return word, word, 4, nil
}

// fetch16 reads one instruction parcel from physical memory.
func (m *Machine) fetch16(paddr, pc uint64) (uint16, error) {
	lo, err := m.Bus.Read16(paddr)
	if err != nil {
		if errors.Is(err, ErrBusFault) {
			return 0, Exception(CauseInsnAccessFault, pc)
		}
		return 0, err
	}
	return lo, nil
}

// ReadAt reads from guest physical memory, implementing io.ReaderAt for
// RAM snapshots.
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	if addr >= m.Bus.RAMBase {
		return m.Bus.RAM.ReadAt(p, int64(addr-m.Bus.RAMBase))
	}
	for i := range p {
		val, err := m.Bus.Read8(addr + uint64(i))
		if err != nil {
			return i, err
		}
		p[i] = val
	}
	return len(p), nil
}

// WriteAt writes to guest physical memory.
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for i, b := range p {
		if err := m.Bus.Write8(addr+uint64(i), b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

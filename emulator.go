package rvsim

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/rvsim/internal/devices/virtio"
	"github.com/tinyrange/rvsim/internal/rv64"
)

// Emulator is a complete virtual machine: the processor and platform
// devices plus the virtio block device, driven by a synchronous
// execution loop. It is not safe for concurrent use; the console
// input queue is the only entry point other goroutines may touch.
type Emulator struct {
	machine *rv64.Machine
	blk     *virtio.Blk

	logger     *slog.Logger
	consoleOut io.Writer
	debug      bool
	test       bool
}

// New builds an emulator with memorySize bytes of guest RAM. The
// block device starts out with an empty disk; LoadDisk gives it an
// image.
func New(memorySize uint64, opts ...Option) *Emulator {
	e := &Emulator{
		logger:     slog.Default(),
		consoleOut: io.Discard,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.machine = rv64.NewMachine(memorySize, e.consoleOut)
	e.blk = virtio.NewBlk(e.machine.Bus, virtio.NewDisk(nil))
	e.machine.AddDevice(rv64.VirtIOBase, e.blk)
	e.machine.WireIRQ(rv64.VirtIOIRQ, e.blk)

	return e
}

// LoadMemory copies data into guest memory at addr, normally a kernel
// image at MemoryBase.
func (e *Emulator) LoadMemory(addr uint64, data []byte) error {
	return e.machine.LoadBytes(addr, data)
}

// LoadDisk replaces the block device's backing store with image.
func (e *Emulator) LoadDisk(image []byte) {
	e.blk.SetDisk(virtio.NewDisk(image))
}

// SetPC sets the program counter, normally to the kernel entry point.
func (e *Emulator) SetPC(pc uint64) {
	e.machine.SetPC(pc)
}

// MemoryBase returns the guest-physical address where RAM starts.
func (e *Emulator) MemoryBase() uint64 {
	return e.machine.MemoryBase()
}

// Machine exposes the underlying machine for direct device and
// register access.
func (e *Emulator) Machine() *rv64.Machine {
	return e.machine
}

// WriteConsoleInput queues bytes as UART input for the guest. It may
// be called from another goroutine.
func (e *Emulator) WriteConsoleInput(p []byte) {
	e.machine.UART.EnqueueInput(p)
}

// Run executes the guest until it stops.
//
// Interrupts are polled and delivered between instructions and the
// platform timer advances one unit per cycle. A fatal trap (access
// fault, misaligned access, illegal instruction) logs the faulting
// program counter and returns ErrHalt. Errors that are not processor
// exceptions, like a disk access out of range, stop the machine and
// are returned as they are. Page faults, environment calls and
// interrupts are delivered to the guest and the loop continues.
func (e *Emulator) Run() error {
	count := 0

	for {
		count++
		if e.test && count < 10000 {
			return nil
		}

		if cause, ok := e.machine.PendingInterrupt(); ok {
			e.machine.TakeTrap(cause, 0)
		}

		e.machine.TimerTick()

		pc := e.machine.GetPC()
		inst, err := e.machine.Tick()
		if err != nil {
			var exc rv64.ExceptionError
			if !errors.As(err, &exc) {
				e.logger.Error("machine stopped",
					slog.String("pc", fmt.Sprintf("0x%x", pc)),
					slog.String("err", err.Error()))
				return err
			}

			if trap := e.machine.TakeTrap(exc.Cause, exc.Tval); trap == rv64.TrapFatal {
				e.logger.Error("fatal trap",
					slog.String("pc", fmt.Sprintf("0x%x", pc)),
					slog.String("cause", rv64.CauseName(exc.Cause)),
					slog.String("tval", fmt.Sprintf("0x%x", exc.Tval)))
				return ErrHalt
			}
			continue
		}

		// A zero word means the hart is idling in WFI
		if e.debug && inst != 0 {
			e.trace(pc, inst)
		}
	}
}

// trace logs one executed instruction at debug level.
func (e *Emulator) trace(pc uint64, inst uint32) {
	attrs := []any{
		slog.String("pc", fmt.Sprintf("0x%016x", pc)),
		slog.String("inst", fmt.Sprintf("0x%08x", inst)),
		slog.Bool("compressed", inst&0xffff_0000 == 0),
	}
	if asm := disassemble(inst); asm != "" {
		attrs = append(attrs, slog.String("asm", asm))
	}
	e.logger.Debug("trace", attrs...)
}

package rvsim

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/tinyrange/rvsim/internal/devices/virtio"
	"github.com/tinyrange/rvsim/internal/rv64"
)

// quietLogger keeps expected halt diagnostics out of the test output.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// loadProgram writes a machine-code listing at the memory base and
// points the program counter at it.
func loadProgram(t *testing.T, e *Emulator, code []uint32) {
	t.Helper()

	m := e.Machine()
	for i, insn := range code {
		addr := m.MemoryBase() + uint64(i*4)
		if err := m.Bus.Write32(addr, insn); err != nil {
			t.Fatalf("load instruction %d: %v", i, err)
		}
	}
	e.SetPC(m.MemoryBase())
}

func TestBasicExecution(t *testing.T) {
	output := &bytes.Buffer{}
	e := New(1024*1024, WithConsoleOutput(output), WithLogger(quietLogger()))

	// Write "Hi" to the UART, then store to address zero: nothing is
	// mapped there, so the access fault halts the machine.
	// lui a0, 0x10000    # UART base
	// li a1, 'H'
	// sb a1, 0(a0)
	// li a1, 'i'
	// sb a1, 0(a0)
	// li a1, '\n'
	// sb a1, 0(a0)
	// li a0, 0
	// sw zero, 0(a0)

	code := []uint32{
		0x10000537, // lui a0, 0x10000
		0x04800593, // li a1, 'H' (addi a1, zero, 0x48)
		0x00b50023, // sb a1, 0(a0)
		0x06900593, // li a1, 'i' (addi a1, zero, 0x69)
		0x00b50023, // sb a1, 0(a0)
		0x00a00593, // li a1, '\n' (addi a1, zero, 0x0a)
		0x00b50023, // sb a1, 0(a0)
		0x00000513, // li a0, 0
		0x00052023, // sw zero, 0(a0)
	}

	loadProgram(t, e, code)

	if err := e.Run(); !errors.Is(err, ErrHalt) {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	expected := "Hi\n"
	if output.String() != expected {
		t.Fatalf("expected output %q, got %q", expected, output.String())
	}
}

func TestFatalTrapHalts(t *testing.T) {
	e := New(1024*1024, WithLogger(quietLogger()))

	// li a0, 5
	// li t0, 0
	// sw zero, 0(t0)    # store access fault, no handler installed

	code := []uint32{
		0x00500513, // li a0, 5
		0x00000293, // li t0, 0
		0x0002a023, // sw zero, 0(t0)
	}

	loadProgram(t, e, code)

	if err := e.Run(); !errors.Is(err, ErrHalt) {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	cpu := e.Machine().CPU
	if cpu.X[10] != 5 {
		t.Errorf("a0: expected 5, got %d", cpu.X[10])
	}
	if cpu.Mcause != rv64.CauseStoreAccessFault {
		t.Errorf("mcause: expected store access fault, got %d", cpu.Mcause)
	}
	if cpu.Mtval != 0 {
		t.Errorf("mtval: expected 0, got 0x%x", cpu.Mtval)
	}
	if want := e.MemoryBase() + 8; cpu.Mepc != want {
		t.Errorf("mepc: expected 0x%x, got 0x%x", want, cpu.Mepc)
	}

	// The halt is strict: the two successful instructions are the
	// only ones retired.
	if cpu.Instret != 2 {
		t.Errorf("instret: expected 2, got %d", cpu.Instret)
	}
}

func TestModeBoundsRun(t *testing.T) {
	e := New(1024*1024, WithTestMode(true))

	code := []uint32{
		0x00500513, // li a0, 5
	}

	loadProgram(t, e, code)

	if err := e.Run(); err != nil {
		t.Fatalf("bounded run failed: %v", err)
	}

	cpu := e.Machine().CPU
	if cpu.X[10] != 0 {
		t.Errorf("a0 changed in bounded run: got %d", cpu.X[10])
	}
	if cpu.Instret != 0 {
		t.Errorf("instret: expected 0, got %d", cpu.Instret)
	}
	if e.Machine().GetPC() != e.MemoryBase() {
		t.Errorf("pc moved in bounded run: 0x%x", e.Machine().GetPC())
	}
}

func TestDebugTrace(t *testing.T) {
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	e := New(1024*1024, WithLogger(logger), WithDebug(true))

	code := []uint32{
		0x00100513, // li a0, 1
		0x00000293, // li t0, 0
		0x0002a023, // sw zero, 0(t0)
	}

	loadProgram(t, e, code)

	if err := e.Run(); !errors.Is(err, ErrHalt) {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	trace := logs.String()
	if !strings.Contains(trace, "msg=trace") {
		t.Fatalf("no trace records in log output:\n%s", trace)
	}
	if !strings.Contains(trace, "pc=0x0000000080000000") {
		t.Errorf("trace does not show the first pc:\n%s", trace)
	}
	if !strings.Contains(trace, "inst=0x00100513") {
		t.Errorf("trace does not show the first instruction:\n%s", trace)
	}
	if !strings.Contains(trace, "fatal trap") {
		t.Errorf("halt was not logged:\n%s", trace)
	}
}

func TestVirtioDiskTransfer(t *testing.T) {
	e := New(4 * 1024 * 1024)
	m := e.Machine()

	// Seed sector 2 of the disk image with a recognizable pattern
	image := make([]byte, 64*virtio.SectorSize)
	for i := 0; i < virtio.SectorSize; i++ {
		image[2*virtio.SectorSize+i] = byte(i*7 + 1)
	}
	e.LoadDisk(image)

	// Queue page one page into RAM: descriptor table at the base,
	// avail ring 0x40 in, used ring one 4096-byte page in.
	ramBase := e.MemoryBase()
	ring := ramBase + 0x1000
	used := ring + 4096
	hdr := ramBase + 0x3000
	buf := ramBase + 0x3200

	dev := uint64(rv64.VirtIOBase)
	if err := m.Bus.Write32(dev+virtio.RegGuestPageSize, 4096); err != nil {
		t.Fatal(err)
	}
	if err := m.Bus.Write32(dev+virtio.RegQueuePFN, uint32(ring/4096)); err != nil {
		t.Fatal(err)
	}

	// Descriptor 0: request header, chained to descriptor 1
	m.Bus.Write64(ring, hdr)
	m.Bus.Write32(ring+8, 16)
	m.Bus.Write16(ring+12, 1)
	m.Bus.Write16(ring+14, 1)

	// Descriptor 1: device-writable data buffer
	m.Bus.Write64(ring+16, buf)
	m.Bus.Write32(ring+24, virtio.SectorSize)
	m.Bus.Write16(ring+28, 2)

	// Request header: read sector 2. The avail ring header is still
	// zero, which selects descriptor 0.
	m.Bus.Write64(hdr+8, 2)

	// The notify runs the transfer before the write returns
	if err := m.Bus.Write32(dev+virtio.RegQueueNotify, 0); err != nil {
		t.Fatalf("notify failed: %v", err)
	}

	got := make([]byte, virtio.SectorSize)
	if _, err := m.ReadAt(got, int64(buf)); err != nil {
		t.Fatalf("read back guest buffer: %v", err)
	}
	if !bytes.Equal(got, image[2*virtio.SectorSize:3*virtio.SectorSize]) {
		t.Error("guest buffer does not match disk sector")
	}

	if idx, err := m.Bus.Read16(used + 2); err != nil || idx != 1 {
		t.Errorf("used index = %d (err %v), want 1", idx, err)
	}

	// Polling latches the device's interrupt into the PLIC
	m.PendingInterrupt()
	pending, err := m.Bus.Read32(rv64.PLICBase + 0x1000)
	if err != nil {
		t.Fatalf("read plic pending: %v", err)
	}
	if pending&(1<<rv64.VirtIOIRQ) == 0 {
		t.Errorf("virtio interrupt not pending in plic: 0x%x", pending)
	}
}

func TestDiskRangeStopsRun(t *testing.T) {
	e := New(1024*1024, WithLogger(quietLogger()))
	e.LoadDisk(make([]byte, 4*virtio.SectorSize))
	m := e.Machine()

	ramBase := e.MemoryBase()
	ring := ramBase + 0x1000
	hdr := ramBase + 0x3000
	buf := ramBase + 0x3200

	dev := uint64(rv64.VirtIOBase)
	m.Bus.Write32(dev+virtio.RegGuestPageSize, 4096)
	m.Bus.Write32(dev+virtio.RegQueuePFN, uint32(ring/4096))

	m.Bus.Write64(ring, hdr)
	m.Bus.Write32(ring+8, 16)
	m.Bus.Write16(ring+12, 1)
	m.Bus.Write16(ring+14, 1)
	m.Bus.Write64(ring+16, buf)
	m.Bus.Write32(ring+24, virtio.SectorSize)
	m.Bus.Write16(ring+28, 2)

	// Sector 1000 is far past the 4-sector image
	m.Bus.Write64(hdr+8, 1000)

	// The guest triggers the notify itself, so the failure surfaces
	// through the execution loop rather than the bus helper.
	// lui a0, 0x10001    # virtio base
	// sw zero, 0x50(a0)  # queue notify

	code := []uint32{
		0x10001537, // lui a0, 0x10001
		0x04052823, // sw zero, 0x50(a0)
	}

	loadProgram(t, e, code)

	err := e.Run()
	var diskErr virtio.DiskRangeError
	if !errors.As(err, &diskErr) {
		t.Fatalf("run error = %v, want DiskRangeError", err)
	}
	if errors.Is(err, ErrHalt) {
		t.Error("disk range failure must not report as a plain halt")
	}
}

package rv64

import (
	"bytes"
	"errors"
	"testing"
)

func TestEcallRoundtrip(t *testing.T) {
	m := NewMachine(1024*1024, &bytes.Buffer{})

	// Install a machine-mode handler, ecall into it, return past the
	// ecall with mret.
	// auipc t0, 0
	// addi t0, t0, 0x40
	// csrw mtvec, t0
	// ecall
	// li a1, 7           # execution resumes here
	// li t0, 0
	// sw zero, 0(t0)
	// handler:
	// li a0, 42
	// csrr t1, mepc
	// addi t1, t1, 4
	// csrw mepc, t1
	// mret

	main := []uint32{
		0x00000297, // auipc t0, 0
		0x04028293, // addi t0, t0, 0x40
		0x30529073, // csrw mtvec, t0
		0x00000073, // ecall
		0x00700593, // li a1, 7
		0x00000293, // li t0, 0
		0x0002a023, // sw zero, 0(t0)
	}
	handler := []uint32{
		0x02a00513, // li a0, 42
		0x34102373, // csrr t1, mepc
		0x00430313, // addi t1, t1, 4
		0x34131073, // csrw mepc, t1
		0x30200073, // mret
	}

	for i, insn := range main {
		m.Bus.Write32(RAMBase+uint64(i*4), insn)
	}
	for i, insn := range handler {
		m.Bus.Write32(RAMBase+0x40+uint64(i*4), insn)
	}

	m.SetPC(RAMBase)
	runUntilFatal(t, m, 100)

	if m.CPU.X[10] != 42 {
		t.Errorf("a0: handler did not run, got %d", m.CPU.X[10])
	}
	if m.CPU.X[11] != 7 {
		t.Errorf("a1: execution did not resume after ecall, got %d", m.CPU.X[11])
	}
}

func TestTrapDelegation(t *testing.T) {
	m := NewMachine(1024*1024, &bytes.Buffer{})
	cpu := m.CPU

	cpu.Medeleg = 1 << CauseEcallFromU
	cpu.Stvec = RAMBase + 0x1000
	cpu.Mtvec = RAMBase + 0x2000
	cpu.Mstatus |= MstatusSIE
	cpu.Priv = PrivUser
	cpu.PC = RAMBase + 0x500

	trap := cpu.TakeTrap(CauseEcallFromU, 0)

	if trap != TrapRequested {
		t.Errorf("trap class: expected requested, got %v", trap)
	}
	if cpu.Priv != PrivSupervisor {
		t.Errorf("priv: expected supervisor, got %d", cpu.Priv)
	}
	if want := RAMBase + 0x500; cpu.Sepc != want {
		t.Errorf("sepc: expected 0x%x, got 0x%x", want, cpu.Sepc)
	}
	if cpu.Scause != CauseEcallFromU {
		t.Errorf("scause: expected %d, got %d", CauseEcallFromU, cpu.Scause)
	}
	if cpu.PC != RAMBase+0x1000 {
		t.Errorf("pc: expected stvec, got 0x%x", cpu.PC)
	}
	if cpu.Mstatus&MstatusSPIE == 0 {
		t.Error("spie: previous sie not saved")
	}
	if cpu.Mstatus&MstatusSIE != 0 {
		t.Error("sie: not cleared on trap entry")
	}
	if cpu.Mstatus&MstatusSPP != 0 {
		t.Error("spp: expected user mode")
	}

	// The machine-mode CSRs must be untouched by a delegated trap.
	if cpu.Mepc != 0 || cpu.Mcause != 0 {
		t.Errorf("machine trap csrs written: mepc=0x%x mcause=%d", cpu.Mepc, cpu.Mcause)
	}
}

func TestTrapFromMachineIgnoresDelegation(t *testing.T) {
	m := NewMachine(1024*1024, &bytes.Buffer{})
	cpu := m.CPU

	cpu.Medeleg = 1 << CauseBreakpoint
	cpu.Stvec = RAMBase + 0x1000
	cpu.Mtvec = RAMBase + 0x2000
	cpu.PC = RAMBase + 0x800

	// Already in machine mode: delegation does not apply.
	cpu.TakeTrap(CauseBreakpoint, cpu.PC)

	if cpu.Priv != PrivMachine {
		t.Errorf("priv: expected machine, got %d", cpu.Priv)
	}
	if want := RAMBase + 0x800; cpu.Mepc != want {
		t.Errorf("mepc: expected 0x%x, got 0x%x", want, cpu.Mepc)
	}
	if cpu.PC != RAMBase+0x2000 {
		t.Errorf("pc: expected mtvec, got 0x%x", cpu.PC)
	}
}

func TestVectoredInterrupt(t *testing.T) {
	m := NewMachine(1024*1024, &bytes.Buffer{})
	cpu := m.CPU

	cpu.Mideleg = MipSTIP
	cpu.Stvec = (RAMBase + 0x1000) | 1 // vectored mode
	cpu.Priv = PrivSupervisor
	cpu.PC = RAMBase + 0x500

	trap := cpu.TakeTrap(CauseSTimerInt, 0)

	if trap != TrapInvisible {
		t.Errorf("trap class: expected invisible, got %v", trap)
	}
	if want := RAMBase + 0x1000 + 4*5; cpu.PC != want {
		t.Errorf("pc: expected vectored handler 0x%x, got 0x%x", want, cpu.PC)
	}
}

func TestSretReturnsToUser(t *testing.T) {
	m := NewMachine(1024*1024, &bytes.Buffer{})
	cpu := m.CPU

	cpu.Priv = PrivSupervisor
	cpu.Mstatus |= MstatusSPIE | MstatusMPRV
	cpu.Mstatus &^= MstatusSPP // previous privilege: user
	cpu.Sepc = RAMBase + 0x124

	if err := cpu.handleSret(); err != nil {
		t.Fatalf("sret failed: %v", err)
	}

	if cpu.Priv != PrivUser {
		t.Errorf("priv: expected user, got %d", cpu.Priv)
	}
	if cpu.PC != RAMBase+0x124 {
		t.Errorf("pc: expected sepc, got 0x%x", cpu.PC)
	}
	if cpu.Mstatus&MstatusSIE == 0 {
		t.Error("sie: not restored from spie")
	}
	if cpu.Mstatus&MstatusMPRV != 0 {
		t.Error("mprv: not cleared on sret")
	}
}

func TestCSRPrivilegeChecks(t *testing.T) {
	m := NewMachine(1024*1024, &bytes.Buffer{})
	cpu := m.CPU

	t.Run("UserReadingMachineCSR", func(t *testing.T) {
		cpu.Priv = PrivUser
		defer func() { cpu.Priv = PrivMachine }()

		_, err := cpu.csrRead(CSRMstatus)
		var exc ExceptionError
		if !errors.As(err, &exc) || exc.Cause != CauseIllegalInsn {
			t.Errorf("expected illegal instruction, got %v", err)
		}
	})

	t.Run("WritingReadOnlyCSR", func(t *testing.T) {
		for _, csr := range []uint16{CSRMhartid, CSRCycle, CSRInstret} {
			err := cpu.csrWrite(csr, 1)
			var exc ExceptionError
			if !errors.As(err, &exc) || exc.Cause != CauseIllegalInsn {
				t.Errorf("csr 0x%x: expected illegal instruction, got %v", csr, err)
			}
		}
	})

	t.Run("EcallFromMNotDelegatable", func(t *testing.T) {
		if err := cpu.csrWrite(CSRMedeleg, 1<<CauseEcallFromM); err != nil {
			t.Fatal(err)
		}
		if cpu.Medeleg&(1<<CauseEcallFromM) != 0 {
			t.Error("medeleg accepted the ecall-from-M bit")
		}
	})

	t.Run("SstatusIsMaskedView", func(t *testing.T) {
		cpu.Mstatus = 0
		if err := cpu.csrWrite(CSRSstatus, ^uint64(0)); err != nil {
			t.Fatal(err)
		}
		if cpu.Mstatus&MstatusMIE != 0 {
			t.Error("sstatus write leaked into machine-only bits")
		}
		if cpu.Mstatus&MstatusSIE == 0 {
			t.Error("sstatus write did not set sie")
		}
	})

	t.Run("SieMaskedByMideleg", func(t *testing.T) {
		cpu.Mideleg = MipSSIP
		cpu.Mie = 0
		if err := cpu.csrWrite(CSRSie, ^uint64(0)); err != nil {
			t.Fatal(err)
		}
		if cpu.Mie != MipSSIP {
			t.Errorf("sie write: expected only delegated bits, got 0x%x", cpu.Mie)
		}
	})
}

func TestInterruptPriority(t *testing.T) {
	m := NewMachine(1024*1024, &bytes.Buffer{})
	cpu := m.CPU

	cpu.Mstatus |= MstatusMIE
	cpu.Mie = mInterruptMask
	cpu.Mip = MipMEIP | MipMTIP | MipSSIP

	want := []uint64{CauseMExternalInt, CauseMTimerInt, CauseSSoftwareInt}
	clear := []uint64{MipMEIP, MipMTIP, MipSSIP}

	for i, cause := range want {
		got, ok := cpu.CheckInterrupt()
		if !ok || got != cause {
			t.Fatalf("step %d: expected cause 0x%x, got 0x%x (ok=%v)", i, cause, got, ok)
		}
		cpu.Mip &^= clear[i]
	}

	if _, ok := cpu.CheckInterrupt(); ok {
		t.Error("interrupt reported with empty mip")
	}
}

func TestInterruptGating(t *testing.T) {
	m := NewMachine(1024*1024, &bytes.Buffer{})
	cpu := m.CPU

	cpu.Mie = mInterruptMask
	cpu.Mip = MipMTIP

	// Machine mode with MIE clear: masked.
	if _, ok := cpu.CheckInterrupt(); ok {
		t.Error("machine interrupt delivered with mstatus.mie clear")
	}

	// Supervisor mode: machine interrupts are always deliverable.
	cpu.Priv = PrivSupervisor
	if cause, ok := cpu.CheckInterrupt(); !ok || cause != CauseMTimerInt {
		t.Errorf("machine timer not delivered in S-mode: cause=0x%x ok=%v", cause, ok)
	}

	// Delegated supervisor interrupt needs sstatus.sie in S-mode.
	cpu.Mideleg = MipSSIP
	cpu.Mip = MipSSIP
	if _, ok := cpu.CheckInterrupt(); ok {
		t.Error("delegated interrupt delivered with sstatus.sie clear")
	}
	cpu.Mstatus |= MstatusSIE
	if cause, ok := cpu.CheckInterrupt(); !ok || cause != CauseSSoftwareInt {
		t.Errorf("delegated interrupt not delivered: cause=0x%x ok=%v", cause, ok)
	}
}

func TestWFIWakesWithoutDelivery(t *testing.T) {
	m := NewMachine(1024*1024, &bytes.Buffer{})
	cpu := m.CPU

	// An interrupt that is pending but masked still wakes the hart.
	cpu.WFI = true
	cpu.Mie = MipMTIP
	cpu.Mip = MipMTIP
	cpu.Mstatus &^= MstatusMIE

	if _, ok := m.PendingInterrupt(); ok {
		t.Error("masked interrupt should not be deliverable")
	}
	if cpu.WFI {
		t.Error("pending interrupt did not wake the hart")
	}
}

func TestTrapClassification(t *testing.T) {
	tests := []struct {
		cause uint64
		want  Trap
	}{
		{CauseInsnPageFault, TrapContained},
		{CauseLoadPageFault, TrapContained},
		{CauseStorePageFault, TrapContained},
		{CauseEcallFromU, TrapRequested},
		{CauseEcallFromS, TrapRequested},
		{CauseEcallFromM, TrapRequested},
		{CauseBreakpoint, TrapRequested},
		{CauseMTimerInt, TrapInvisible},
		{CauseSExternalInt, TrapInvisible},
		{CauseIllegalInsn, TrapFatal},
		{CauseLoadAccessFault, TrapFatal},
		{CauseStoreAccessFault, TrapFatal},
		{CauseInsnAddrMisaligned, TrapFatal},
	}

	for _, tt := range tests {
		if got := classifyTrap(tt.cause); got != tt.want {
			t.Errorf("%s: expected %v, got %v", CauseName(tt.cause), tt.want, got)
		}
	}
}

package rv64

// Trap classifies the outcome of delivering a trap to the hart.
type Trap int

const (
	// TrapContained is a synchronous exception the guest kernel is
	// expected to recover from, such as a page fault.
	TrapContained Trap = iota

	// TrapRequested is a deliberate trap: an environment call or a
	// breakpoint.
	TrapRequested

	// TrapInvisible is an asynchronous interrupt; execution resumes at
	// the handler with no instruction at fault.
	TrapInvisible

	// TrapFatal is an exception that indicates the guest has gone off
	// the rails: an access fault, a misaligned access or an illegal
	// instruction.
	TrapFatal
)

func (t Trap) String() string {
	switch t {
	case TrapContained:
		return "contained"
	case TrapRequested:
		return "requested"
	case TrapInvisible:
		return "invisible"
	case TrapFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// classifyTrap maps a cause value onto a Trap outcome.
func classifyTrap(cause uint64) Trap {
	if cause&(1<<63) != 0 {
		return TrapInvisible
	}
	switch cause {
	case CauseInsnPageFault, CauseLoadPageFault, CauseStorePageFault:
		return TrapContained
	case CauseEcallFromU, CauseEcallFromS, CauseEcallFromM, CauseBreakpoint:
		return TrapRequested
	default:
		return TrapFatal
	}
}

// CauseName returns a human-readable name for a trap cause.
func CauseName(cause uint64) string {
	if cause&(1<<63) != 0 {
		switch cause {
		case CauseSSoftwareInt:
			return "supervisor software interrupt"
		case CauseMSoftwareInt:
			return "machine software interrupt"
		case CauseSTimerInt:
			return "supervisor timer interrupt"
		case CauseMTimerInt:
			return "machine timer interrupt"
		case CauseSExternalInt:
			return "supervisor external interrupt"
		case CauseMExternalInt:
			return "machine external interrupt"
		default:
			return "unknown interrupt"
		}
	}
	switch cause {
	case CauseInsnAddrMisaligned:
		return "instruction address misaligned"
	case CauseInsnAccessFault:
		return "instruction access fault"
	case CauseIllegalInsn:
		return "illegal instruction"
	case CauseBreakpoint:
		return "breakpoint"
	case CauseLoadAddrMisaligned:
		return "load address misaligned"
	case CauseLoadAccessFault:
		return "load access fault"
	case CauseStoreAddrMisaligned:
		return "store address misaligned"
	case CauseStoreAccessFault:
		return "store access fault"
	case CauseEcallFromU:
		return "ecall from U-mode"
	case CauseEcallFromS:
		return "ecall from S-mode"
	case CauseEcallFromM:
		return "ecall from M-mode"
	case CauseInsnPageFault:
		return "instruction page fault"
	case CauseLoadPageFault:
		return "load page fault"
	case CauseStorePageFault:
		return "store page fault"
	default:
		return "unknown exception"
	}
}

// TakeTrap delivers a trap to the hart: it saves the interrupted state
// into the epc/cause/tval CSRs of the target mode, adjusts the status
// stack and redirects the PC to the trap vector. The returned Trap tells
// the caller how to treat the event.
func (cpu *CPU) TakeTrap(cause uint64, tval uint64) Trap {
	isInterrupt := cause&(1<<63) != 0
	code := cause &^ (1 << 63)

	cpu.WFI = false

	// Traps from U or S mode may be delegated to supervisor mode.
	delegated := false
	if cpu.Priv <= PrivSupervisor {
		if isInterrupt {
			delegated = cpu.Mideleg&(1<<code) != 0
		} else {
			delegated = cpu.Medeleg&(1<<code) != 0
		}
	}

	if delegated {
		cpu.Sepc = cpu.PC
		cpu.Scause = cause
		cpu.Stval = tval

		// Push the interrupt-enable stack: SPIE <- SIE, SIE <- 0.
		if cpu.Mstatus&MstatusSIE != 0 {
			cpu.Mstatus |= MstatusSPIE
		} else {
			cpu.Mstatus &^= MstatusSPIE
		}
		cpu.Mstatus &^= MstatusSIE

		// Record the previous privilege in SPP.
		if cpu.Priv == PrivUser {
			cpu.Mstatus &^= MstatusSPP
		} else {
			cpu.Mstatus |= MstatusSPP
		}

		cpu.Priv = PrivSupervisor
		cpu.PC = trapVector(cpu.Stvec, isInterrupt, code)
	} else {
		cpu.Mepc = cpu.PC
		cpu.Mcause = cause
		cpu.Mtval = tval

		if cpu.Mstatus&MstatusMIE != 0 {
			cpu.Mstatus |= MstatusMPIE
		} else {
			cpu.Mstatus &^= MstatusMPIE
		}
		cpu.Mstatus &^= MstatusMIE

		cpu.Mstatus = (cpu.Mstatus &^ MstatusMPP) |
			(uint64(cpu.Priv) << MstatusMPPShift)

		cpu.Priv = PrivMachine
		cpu.PC = trapVector(cpu.Mtvec, isInterrupt, code)
	}

	return classifyTrap(cause)
}

// trapVector computes the handler address from a tvec CSR. In vectored
// mode interrupts branch to base + 4*cause.
func trapVector(tvec uint64, isInterrupt bool, code uint64) uint64 {
	base := tvec &^ 3
	if tvec&1 != 0 && isInterrupt {
		return base + 4*code
	}
	return base
}

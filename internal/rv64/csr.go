package rv64

// sstatus exposes only the supervisor-visible mstatus bits.
const sstatusMask = MstatusSIE | MstatusSPIE | MstatusSPP |
	MstatusSUM | MstatusMXR

// Interrupts a machine may delegate to supervisor mode.
const sInterruptMask = MipSSIP | MipSTIP | MipSEIP

// All interrupt bits the hart implements.
const mInterruptMask = MipSSIP | MipMSIP | MipSTIP | MipMTIP |
	MipSEIP | MipMEIP

// Exceptions that can be delegated via medeleg. Ecall-from-M (bit 11)
// always traps to machine mode.
const medelegMask uint64 = 0xb3ff

// csrRead reads a CSR, checking the privilege encoded in the address.
func (cpu *CPU) csrRead(csr uint16) (uint64, error) {
	// Bits 9:8 of the address give the minimum privilege.
	if uint8((csr>>8)&3) > cpu.Priv {
		return 0, Exception(CauseIllegalInsn, uint64(csr))
	}

	switch csr {
	case CSRCycle:
		return cpu.Cycle, nil
	case CSRTime:
		return cpu.Cycle, nil
	case CSRInstret:
		return cpu.Instret, nil
	case CSRSstatus:
		return cpu.Mstatus & sstatusMask, nil
	case CSRSie:
		return cpu.Mie & cpu.Mideleg, nil
	case CSRStvec:
		return cpu.Stvec, nil
	case CSRScounteren:
		return cpu.Scounteren, nil
	case CSRSscratch:
		return cpu.Sscratch, nil
	case CSRSepc:
		return cpu.Sepc, nil
	case CSRScause:
		return cpu.Scause, nil
	case CSRStval:
		return cpu.Stval, nil
	case CSRSip:
		return cpu.Mip & cpu.Mideleg, nil
	case CSRSatp:
		return cpu.Satp, nil
	case CSRMstatus:
		return cpu.Mstatus, nil
	case CSRMisa:
		return cpu.Misa, nil
	case CSRMedeleg:
		return cpu.Medeleg, nil
	case CSRMideleg:
		return cpu.Mideleg, nil
	case CSRMie:
		return cpu.Mie, nil
	case CSRMtvec:
		return cpu.Mtvec, nil
	case CSRMcounteren:
		return cpu.Mcounteren, nil
	case CSRMscratch:
		return cpu.Mscratch, nil
	case CSRMepc:
		return cpu.Mepc, nil
	case CSRMcause:
		return cpu.Mcause, nil
	case CSRMtval:
		return cpu.Mtval, nil
	case CSRMip:
		return cpu.Mip, nil
	case CSRMhartid:
		return cpu.Mhartid, nil
	default:
		// Unimplemented CSRs read as zero.
		return 0, nil
	}
}

// csrWrite writes a CSR, checking privilege and read-only encoding.
func (cpu *CPU) csrWrite(csr uint16, value uint64) error {
	if uint8((csr>>8)&3) > cpu.Priv {
		return Exception(CauseIllegalInsn, uint64(csr))
	}

	// Bits 11:10 == 11 marks the CSR read-only.
	if (csr >> 10) == 3 {
		return Exception(CauseIllegalInsn, uint64(csr))
	}

	switch csr {
	case CSRSstatus:
		cpu.Mstatus = (cpu.Mstatus &^ sstatusMask) | (value & sstatusMask)
	case CSRSie:
		cpu.Mie = (cpu.Mie &^ cpu.Mideleg) | (value & cpu.Mideleg)
	case CSRStvec:
		cpu.Stvec = value
	case CSRScounteren:
		cpu.Scounteren = value
	case CSRSscratch:
		cpu.Sscratch = value
	case CSRSepc:
		cpu.Sepc = value &^ 1
	case CSRScause:
		cpu.Scause = value
	case CSRStval:
		cpu.Stval = value
	case CSRSip:
		// Only the software interrupt bit is writable from S-mode.
		cpu.Mip = (cpu.Mip &^ MipSSIP) | (value & MipSSIP)
	case CSRSatp:
		cpu.Satp = value
	case CSRMstatus:
		cpu.Mstatus = value
	case CSRMisa:
		// misa is WARL; we do not support turning extensions off.
	case CSRMedeleg:
		cpu.Medeleg = value & medelegMask
	case CSRMideleg:
		cpu.Mideleg = value & sInterruptMask
	case CSRMie:
		cpu.Mie = value & mInterruptMask
	case CSRMtvec:
		cpu.Mtvec = value
	case CSRMcounteren:
		cpu.Mcounteren = value
	case CSRMscratch:
		cpu.Mscratch = value
	case CSRMepc:
		cpu.Mepc = value &^ 1
	case CSRMcause:
		cpu.Mcause = value
	case CSRMtval:
		cpu.Mtval = value
	case CSRMip:
		// MSIP/MTIP/MEIP are wired to the interrupt controllers.
		cpu.Mip = (cpu.Mip &^ sInterruptMask) | (value & sInterruptMask)
	default:
		// Unimplemented CSRs ignore writes.
	}

	return nil
}

// CheckInterrupt returns the highest-priority interrupt cause that can be
// taken at the current privilege level, or false if none is deliverable.
func (cpu *CPU) CheckInterrupt() (uint64, bool) {
	pending := cpu.Mip & cpu.Mie
	if pending == 0 {
		return 0, false
	}

	// Work out which pending bits are actually deliverable: machine
	// interrupts need mstatus.MIE unless we are below M-mode, delegated
	// supervisor interrupts need sstatus.SIE unless we are below S-mode.
	var deliverable uint64
	switch cpu.Priv {
	case PrivMachine:
		if cpu.Mstatus&MstatusMIE != 0 {
			deliverable = pending &^ cpu.Mideleg
		}
	case PrivSupervisor:
		deliverable = pending &^ cpu.Mideleg
		if cpu.Mstatus&MstatusSIE != 0 {
			deliverable |= pending & cpu.Mideleg
		}
	default:
		deliverable = pending
	}

	if deliverable == 0 {
		return 0, false
	}

	// Architectural priority order: MEI, MSI, MTI, SEI, SSI, STI.
	switch {
	case deliverable&MipMEIP != 0:
		return CauseMExternalInt, true
	case deliverable&MipMSIP != 0:
		return CauseMSoftwareInt, true
	case deliverable&MipMTIP != 0:
		return CauseMTimerInt, true
	case deliverable&MipSEIP != 0:
		return CauseSExternalInt, true
	case deliverable&MipSSIP != 0:
		return CauseSSoftwareInt, true
	case deliverable&MipSTIP != 0:
		return CauseSTimerInt, true
	}

	return 0, false
}

// Package rv64 implements a single-hart RV64IMAC interpreter with Sv39
// translation and the platform devices of the virt machine layout.
package rv64

import (
	"encoding/binary"
	"fmt"
)

// Guest-physical memory layout
const (
	RAMBase    uint64 = 0x8000_0000 // RAM starts at 2GB
	CLINTBase  uint64 = 0x0200_0000 // Core Local Interruptor
	CLINTSize  uint64 = 0x0001_0000
	PLICBase   uint64 = 0x0c00_0000 // Platform Level Interrupt Controller
	PLICSize   uint64 = 0x0400_0000
	UARTBase   uint64 = 0x1000_0000 // 16550 console
	UARTSize   uint64 = 0x0000_0100
	VirtIOBase uint64 = 0x1000_1000 // legacy virtio-mmio block device
	VirtIOSize uint64 = 0x0000_1000
)

// Interrupt lines on the PLIC
const (
	VirtIOIRQ uint32 = 1
	UARTIRQ   uint32 = 10
)

// Privilege levels
const (
	PrivUser       uint8 = 0
	PrivSupervisor uint8 = 1
	PrivMachine    uint8 = 3
)

// ISA extension bits for misa
const (
	MisaA uint64 = 1 << 0  // Atomic
	MisaC uint64 = 1 << 2  // Compressed
	MisaI uint64 = 1 << 8  // RV64I base
	MisaM uint64 = 1 << 12 // Multiply/Divide
	MisaS uint64 = 1 << 18 // Supervisor mode
	MisaU uint64 = 1 << 20 // User mode
)

// MXL value for misa (64-bit)
const MXL64 uint64 = 2

// mstatus bits
const (
	MstatusSIE  uint64 = 1 << 1
	MstatusMIE  uint64 = 1 << 3
	MstatusSPIE uint64 = 1 << 5
	MstatusMPIE uint64 = 1 << 7
	MstatusSPP  uint64 = 1 << 8
	MstatusMPP  uint64 = 3 << 11
	MstatusMPRV uint64 = 1 << 17
	MstatusSUM  uint64 = 1 << 18
	MstatusMXR  uint64 = 1 << 19
	MstatusTVM  uint64 = 1 << 20
	MstatusTW   uint64 = 1 << 21
	MstatusTSR  uint64 = 1 << 22
)

// mstatus bit positions
const (
	MstatusSPPShift = 8
	MstatusMPPShift = 11
)

// mip/mie bits
const (
	MipSSIP uint64 = 1 << 1  // Supervisor software interrupt pending
	MipMSIP uint64 = 1 << 3  // Machine software interrupt pending
	MipSTIP uint64 = 1 << 5  // Supervisor timer interrupt pending
	MipMTIP uint64 = 1 << 7  // Machine timer interrupt pending
	MipSEIP uint64 = 1 << 9  // Supervisor external interrupt pending
	MipMEIP uint64 = 1 << 11 // Machine external interrupt pending
)

// Exception causes
const (
	CauseInsnAddrMisaligned  uint64 = 0
	CauseInsnAccessFault     uint64 = 1
	CauseIllegalInsn         uint64 = 2
	CauseBreakpoint          uint64 = 3
	CauseLoadAddrMisaligned  uint64 = 4
	CauseLoadAccessFault     uint64 = 5
	CauseStoreAddrMisaligned uint64 = 6
	CauseStoreAccessFault    uint64 = 7
	CauseEcallFromU          uint64 = 8
	CauseEcallFromS          uint64 = 9
	CauseEcallFromM          uint64 = 11
	CauseInsnPageFault       uint64 = 12
	CauseLoadPageFault       uint64 = 13
	CauseStorePageFault      uint64 = 15
)

// Interrupt causes (bit 63 set)
const (
	CauseSSoftwareInt uint64 = (1 << 63) | 1
	CauseMSoftwareInt uint64 = (1 << 63) | 3
	CauseSTimerInt    uint64 = (1 << 63) | 5
	CauseMTimerInt    uint64 = (1 << 63) | 7
	CauseSExternalInt uint64 = (1 << 63) | 9
	CauseMExternalInt uint64 = (1 << 63) | 11
)

// CSR addresses
const (
	CSRCycle      uint16 = 0xc00
	CSRTime       uint16 = 0xc01
	CSRInstret    uint16 = 0xc02
	CSRSstatus    uint16 = 0x100
	CSRSie        uint16 = 0x104
	CSRStvec      uint16 = 0x105
	CSRScounteren uint16 = 0x106
	CSRSscratch   uint16 = 0x140
	CSRSepc       uint16 = 0x141
	CSRScause     uint16 = 0x142
	CSRStval      uint16 = 0x143
	CSRSip        uint16 = 0x144
	CSRSatp       uint16 = 0x180
	CSRMstatus    uint16 = 0x300
	CSRMisa       uint16 = 0x301
	CSRMedeleg    uint16 = 0x302
	CSRMideleg    uint16 = 0x303
	CSRMie        uint16 = 0x304
	CSRMtvec      uint16 = 0x305
	CSRMcounteren uint16 = 0x306
	CSRMscratch   uint16 = 0x340
	CSRMepc       uint16 = 0x341
	CSRMcause     uint16 = 0x342
	CSRMtval      uint16 = 0x343
	CSRMip        uint16 = 0x344
	CSRMhartid    uint16 = 0xf14
)

// CPU is the architectural state of the hart.
type CPU struct {
	// Integer registers x0-x31
	X [32]uint64

	// Program counter
	PC uint64

	// Current privilege level
	Priv uint8

	// Counters
	Cycle   uint64
	Instret uint64

	// Machine-mode CSRs
	Mstatus    uint64
	Misa       uint64
	Medeleg    uint64
	Mideleg    uint64
	Mie        uint64
	Mtvec      uint64
	Mcounteren uint64
	Mscratch   uint64
	Mepc       uint64
	Mcause     uint64
	Mtval      uint64
	Mip        uint64
	Mhartid    uint64

	// Supervisor-mode CSRs (sstatus/sie/sip are views of the m* registers)
	Stvec      uint64
	Scounteren uint64
	Sscratch   uint64
	Sepc       uint64
	Scause     uint64
	Stval      uint64
	Satp       uint64

	// LR/SC reservation
	Reservation      uint64
	ReservationValid bool

	// Bus for all memory and device access
	Bus BusInterface

	// Set by WFI, cleared when an interrupt becomes pending
	WFI bool
}

// NewCPU creates a CPU in machine mode with the PC at the start of RAM.
func NewCPU(bus BusInterface) *CPU {
	return &CPU{
		Bus:  bus,
		Priv: PrivMachine,
		Misa: (MXL64 << 62) | MisaI | MisaM | MisaA | MisaC | MisaS | MisaU,
		PC:   RAMBase,
	}
}

// Reset returns the CPU to its power-on state.
func (cpu *CPU) Reset() {
	for i := range cpu.X {
		cpu.X[i] = 0
	}
	cpu.PC = RAMBase
	cpu.Priv = PrivMachine
	cpu.Cycle = 0
	cpu.Instret = 0
	cpu.Mstatus = 0
	cpu.Medeleg = 0
	cpu.Mideleg = 0
	cpu.Mie = 0
	cpu.Mtvec = 0
	cpu.Mscratch = 0
	cpu.Mepc = 0
	cpu.Mcause = 0
	cpu.Mtval = 0
	cpu.Mip = 0
	cpu.Stvec = 0
	cpu.Sscratch = 0
	cpu.Sepc = 0
	cpu.Scause = 0
	cpu.Stval = 0
	cpu.Satp = 0
	cpu.ReservationValid = false
	cpu.WFI = false
}

// ReadReg reads an integer register (x0 always reads 0).
func (cpu *CPU) ReadReg(reg uint32) uint64 {
	if reg == 0 {
		return 0
	}
	return cpu.X[reg]
}

// WriteReg writes an integer register (writes to x0 are discarded).
func (cpu *CPU) WriteReg(reg uint32, val uint64) {
	if reg != 0 {
		cpu.X[reg] = val
	}
}

// Guest memory is little-endian.
var cpuEndian = binary.LittleEndian

// signExtend sign-extends the low 'bits' bits of val to 64 bits.
func signExtend(val uint64, bits int) int64 {
	shift := 64 - bits
	return int64(val<<shift) >> shift
}

// ExceptionError is a synchronous exception raised by the hart. It travels
// as an ordinary error until the run loop converts it into a trap.
type ExceptionError struct {
	Cause uint64
	Tval  uint64
}

func (e ExceptionError) Error() string {
	return fmt.Sprintf("exception: %s tval=0x%x", CauseName(e.Cause), e.Tval)
}

// Exception creates an exception error with the given cause and tval.
func Exception(cause uint64, tval uint64) error {
	return ExceptionError{Cause: cause, Tval: tval}
}

var _ error = ExceptionError{}

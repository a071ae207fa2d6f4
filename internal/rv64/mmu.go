package rv64

// satp translation modes
const (
	SatpModeOff  = 0
	SatpModeSv39 = 8
	SatpModeSv48 = 9
)

// Page table entry flags
const (
	PteV = 1 << 0 // Valid
	PteR = 1 << 1 // Readable
	PteW = 1 << 2 // Writable
	PteX = 1 << 3 // Executable
	PteU = 1 << 4 // User accessible
	PteG = 1 << 5 // Global
	PteA = 1 << 6 // Accessed
	PteD = 1 << 7 // Dirty
)

const (
	PageSize  = 4096
	PageShift = 12
	VpnBits   = 9
	PpnBits   = 44
)

// Memory access types for translation
const (
	accessRead  = 0
	accessWrite = 1
	accessFetch = 2
)

// translate translates a virtual address to a physical address by walking
// the page tables. There is no TLB: every access walks, which keeps DMA
// writes to page tables coherent for free.
func (cpu *CPU) translate(vaddr uint64, access int) (uint64, error) {
	mode := (cpu.Satp >> 60) & 0xf

	if mode == SatpModeOff {
		return vaddr, nil
	}

	priv := cpu.Priv

	// With MPRV set, M-mode loads and stores use the privilege in MPP.
	// Instruction fetches always use the real privilege.
	if priv == PrivMachine && access != accessFetch && (cpu.Mstatus&MstatusMPRV) != 0 {
		priv = uint8((cpu.Mstatus >> MstatusMPPShift) & 3)
	}

	if priv == PrivMachine {
		return vaddr, nil
	}

	var levels int
	var addrBits int

	switch mode {
	case SatpModeSv39:
		levels = 3
		addrBits = 39
	case SatpModeSv48:
		levels = 4
		addrBits = 48
	default:
		return 0, pageFault(access, vaddr)
	}

	// Virtual addresses must be sign-extended from the top implemented bit.
	if uint64(signExtend(vaddr, addrBits)) != vaddr {
		return 0, pageFault(access, vaddr)
	}

	// Root page table from satp
	ppn := cpu.Satp & ((1 << PpnBits) - 1)
	pteAddr := ppn << PageShift

	for level := levels - 1; level >= 0; level-- {
		vpnShift := PageShift + level*VpnBits
		vpn := (vaddr >> vpnShift) & 0x1ff

		pteAddr += vpn * 8
		pte, err := cpu.Bus.Read64(pteAddr)
		if err != nil {
			return 0, pageFault(access, vaddr)
		}

		if pte&PteV == 0 {
			return 0, pageFault(access, vaddr)
		}

		// Writable-but-not-readable is reserved.
		if pte&PteR == 0 && pte&PteW != 0 {
			return 0, pageFault(access, vaddr)
		}

		if pte&PteR != 0 || pte&PteX != 0 {
			// Leaf PTE
			pageSize := uint64(PageSize)
			if level > 0 {
				// Superpages must be aligned to their size.
				mask := uint64(1<<(level*VpnBits)) - 1
				if (pte>>10)&mask != 0 {
					return 0, pageFault(access, vaddr)
				}
				pageSize = 1 << (PageShift + level*VpnBits)
			}

			if err := cpu.checkPermissions(pte, access, priv, vaddr); err != nil {
				return 0, err
			}

			// Hardware A/D update: set the accessed bit, and the dirty
			// bit for writes, by storing the PTE back.
			if pte&PteA == 0 || (access == accessWrite && pte&PteD == 0) {
				newPte := pte | PteA
				if access == accessWrite {
					newPte |= PteD
				}
				if err := cpu.Bus.Write64(pteAddr, newPte); err != nil {
					return 0, pageFault(access, vaddr)
				}
				pte = newPte
			}

			ppn := (pte >> 10) & ((1 << PpnBits) - 1)

			// Superpages take their low PPN bits from the virtual address.
			if level > 0 {
				mask := uint64(1<<(level*VpnBits)) - 1
				ppn = (ppn &^ mask) | ((vaddr >> PageShift) & mask)
			}

			return (ppn << PageShift) | (vaddr & (pageSize - 1)), nil
		}

		// Non-leaf: descend
		pteAddr = ((pte >> 10) & ((1 << PpnBits) - 1)) << PageShift
	}

	return 0, pageFault(access, vaddr)
}

// checkPermissions checks a leaf PTE against the access type and privilege.
func (cpu *CPU) checkPermissions(pte uint64, access int, priv uint8, vaddr uint64) error {
	if priv == PrivUser {
		if pte&PteU == 0 {
			return pageFault(access, vaddr)
		}
	} else {
		// Supervisor access to a user page requires sstatus.SUM.
		if pte&PteU != 0 && cpu.Mstatus&MstatusSUM == 0 {
			return pageFault(access, vaddr)
		}
	}

	switch access {
	case accessRead:
		if pte&PteR == 0 {
			// MXR allows reads of execute-only pages.
			if cpu.Mstatus&MstatusMXR != 0 && pte&PteX != 0 {
				return nil
			}
			return pageFault(access, vaddr)
		}
	case accessWrite:
		if pte&PteW == 0 {
			return pageFault(access, vaddr)
		}
	case accessFetch:
		if pte&PteX == 0 {
			return pageFault(access, vaddr)
		}
	}

	return nil
}

// pageFault returns the page fault exception matching the access type.
func pageFault(access int, vaddr uint64) error {
	switch access {
	case accessWrite:
		return Exception(CauseStorePageFault, vaddr)
	case accessFetch:
		return Exception(CauseInsnPageFault, vaddr)
	default:
		return Exception(CauseLoadPageFault, vaddr)
	}
}

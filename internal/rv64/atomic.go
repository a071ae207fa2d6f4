package rv64

// execAMO executes atomic memory operations
func (cpu *CPU) execAMO(insn uint32) error {
	f3 := funct3(insn)
	f5 := funct7(insn) >> 2 // Top 5 bits of funct7

	addr := cpu.ReadReg(rs1(insn))
	rs2Val := cpu.ReadReg(rs2(insn))

	// Check alignment
	switch f3 {
	case 0b010: // 32-bit
		if addr&3 != 0 {
			return Exception(CauseStoreAddrMisaligned, addr)
		}
		return cpu.execAMO32(insn, addr, rs2Val, f5)
	case 0b011: // 64-bit
		if addr&7 != 0 {
			return Exception(CauseStoreAddrMisaligned, addr)
		}
		return cpu.execAMO64(insn, addr, rs2Val, f5)
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}
}

// execAMO32 executes 32-bit atomic operations
func (cpu *CPU) execAMO32(insn uint32, addr uint64, rs2Val uint64, f5 uint32) error {
	rdReg := rd(insn)

	switch f5 {
	case 0b00010: // LR.W
		paddr, err := cpu.translate(addr, accessRead)
		if err != nil {
			return err
		}
		val, err := cpu.readPhys(paddr, addr, 4)
		if err != nil {
			return err
		}
		cpu.WriteReg(rdReg, uint64(int32(val)))
		cpu.Reservation = addr
		cpu.ReservationValid = true
		return nil

	case 0b00011: // SC.W
		paddr, err := cpu.translate(addr, accessWrite)
		if err != nil {
			return err
		}
		if !cpu.ReservationValid || cpu.Reservation != addr {
			cpu.WriteReg(rdReg, 1) // Failure
			return nil
		}
		if err := cpu.writePhys(paddr, addr, 4, rs2Val); err != nil {
			return err
		}
		cpu.WriteReg(rdReg, 0) // Success
		cpu.ReservationValid = false
		return nil

	default:
		// Read-modify-write forms need store permission on the page.
		paddr, err := cpu.translate(addr, accessWrite)
		if err != nil {
			return err
		}
		old, err := cpu.readPhys(paddr, addr, 4)
		if err != nil {
			return err
		}
		oldVal := uint32(old)

		var newVal uint32
		switch f5 {
		case 0b00001: // AMOSWAP.W
			newVal = uint32(rs2Val)
		case 0b00000: // AMOADD.W
			newVal = oldVal + uint32(rs2Val)
		case 0b00100: // AMOXOR.W
			newVal = oldVal ^ uint32(rs2Val)
		case 0b01100: // AMOAND.W
			newVal = oldVal & uint32(rs2Val)
		case 0b01000: // AMOOR.W
			newVal = oldVal | uint32(rs2Val)
		case 0b10000: // AMOMIN.W
			if int32(oldVal) < int32(rs2Val) {
				newVal = oldVal
			} else {
				newVal = uint32(rs2Val)
			}
		case 0b10100: // AMOMAX.W
			if int32(oldVal) > int32(rs2Val) {
				newVal = oldVal
			} else {
				newVal = uint32(rs2Val)
			}
		case 0b11000: // AMOMINU.W
			if oldVal < uint32(rs2Val) {
				newVal = oldVal
			} else {
				newVal = uint32(rs2Val)
			}
		case 0b11100: // AMOMAXU.W
			if oldVal > uint32(rs2Val) {
				newVal = oldVal
			} else {
				newVal = uint32(rs2Val)
			}
		default:
			return Exception(CauseIllegalInsn, uint64(insn))
		}

		if err := cpu.writePhys(paddr, addr, 4, uint64(newVal)); err != nil {
			return err
		}
		cpu.WriteReg(rdReg, uint64(int32(oldVal)))
		return nil
	}
}

// execAMO64 executes 64-bit atomic operations
func (cpu *CPU) execAMO64(insn uint32, addr uint64, rs2Val uint64, f5 uint32) error {
	rdReg := rd(insn)

	switch f5 {
	case 0b00010: // LR.D
		paddr, err := cpu.translate(addr, accessRead)
		if err != nil {
			return err
		}
		val, err := cpu.readPhys(paddr, addr, 8)
		if err != nil {
			return err
		}
		cpu.WriteReg(rdReg, val)
		cpu.Reservation = addr
		cpu.ReservationValid = true
		return nil

	case 0b00011: // SC.D
		paddr, err := cpu.translate(addr, accessWrite)
		if err != nil {
			return err
		}
		if !cpu.ReservationValid || cpu.Reservation != addr {
			cpu.WriteReg(rdReg, 1) // Failure
			return nil
		}
		if err := cpu.writePhys(paddr, addr, 8, rs2Val); err != nil {
			return err
		}
		cpu.WriteReg(rdReg, 0) // Success
		cpu.ReservationValid = false
		return nil

	default:
		paddr, err := cpu.translate(addr, accessWrite)
		if err != nil {
			return err
		}
		oldVal, err := cpu.readPhys(paddr, addr, 8)
		if err != nil {
			return err
		}

		var newVal uint64
		switch f5 {
		case 0b00001: // AMOSWAP.D
			newVal = rs2Val
		case 0b00000: // AMOADD.D
			newVal = oldVal + rs2Val
		case 0b00100: // AMOXOR.D
			newVal = oldVal ^ rs2Val
		case 0b01100: // AMOAND.D
			newVal = oldVal & rs2Val
		case 0b01000: // AMOOR.D
			newVal = oldVal | rs2Val
		case 0b10000: // AMOMIN.D
			if int64(oldVal) < int64(rs2Val) {
				newVal = oldVal
			} else {
				newVal = rs2Val
			}
		case 0b10100: // AMOMAX.D
			if int64(oldVal) > int64(rs2Val) {
				newVal = oldVal
			} else {
				newVal = rs2Val
			}
		case 0b11000: // AMOMINU.D
			if oldVal < rs2Val {
				newVal = oldVal
			} else {
				newVal = rs2Val
			}
		case 0b11100: // AMOMAXU.D
			if oldVal > rs2Val {
				newVal = oldVal
			} else {
				newVal = rs2Val
			}
		default:
			return Exception(CauseIllegalInsn, uint64(insn))
		}

		if err := cpu.writePhys(paddr, addr, 8, newVal); err != nil {
			return err
		}
		cpu.WriteReg(rdReg, oldVal)
		return nil
	}
}

package rv64

// Compressed instruction field extraction
func cOp(insn uint16) uint16     { return insn & 0x3 }
func cFunct3(insn uint16) uint16 { return (insn >> 13) & 0x7 }

// 3-bit register fields, mapped to x8-x15
func cRdP(insn uint16) uint32  { return uint32(((insn >> 2) & 0x7) + 8) }
func cRs1P(insn uint16) uint32 { return uint32(((insn >> 7) & 0x7) + 8) }
func cRs2P(insn uint16) uint32 { return uint32(((insn >> 2) & 0x7) + 8) }

// Full 5-bit register fields
func cRd(insn uint16) uint32  { return uint32((insn >> 7) & 0x1f) }
func cRs2(insn uint16) uint32 { return uint32((insn >> 2) & 0x1f) }

// Instruction encoders. Immediates arrive sign-extended in 32 bits; the
// shifts drop whatever does not fit the field.
func encR(op, f3, f7, rd, rs1, rs2 uint32) uint32 {
	return (f7 << 25) | (rs2 << 20) | (rs1 << 15) | (f3 << 12) | (rd << 7) | op
}

func encI(op, f3, rd, rs1, imm uint32) uint32 {
	return (imm << 20) | (rs1 << 15) | (f3 << 12) | (rd << 7) | op
}

func encS(op, f3, rs1, rs2, imm uint32) uint32 {
	return ((imm>>5)&0x7f)<<25 | (rs2 << 20) | (rs1 << 15) | (f3 << 12) |
		(imm&0x1f)<<7 | op
}

func encB(op, f3, rs1, rs2, imm uint32) uint32 {
	enc := ((imm >> 12) & 0x1) << 31
	enc |= ((imm >> 5) & 0x3f) << 25
	enc |= ((imm >> 1) & 0xf) << 8
	enc |= ((imm >> 11) & 0x1) << 7
	return enc | (rs2 << 20) | (rs1 << 15) | (f3 << 12) | op
}

func encU(op, rd, imm uint32) uint32 {
	return (imm & 0xfffff000) | (rd << 7) | op
}

func encJ(op, rd, imm uint32) uint32 {
	enc := ((imm >> 20) & 0x1) << 31
	enc |= ((imm >> 1) & 0x3ff) << 21
	enc |= ((imm >> 11) & 0x1) << 20
	enc |= ((imm >> 12) & 0xff) << 12
	return enc | (rd << 7) | op
}

// expandCompressed expands a 16-bit compressed instruction into its
// 32-bit equivalent. Floating-point forms are illegal: the hart
// implements IMAC only.
func expandCompressed(insn uint16) (uint32, error) {
	switch cOp(insn) {
	case 0b00:
		return expandQ0(insn)
	case 0b01:
		return expandQ1(insn)
	case 0b10:
		return expandQ2(insn)
	default:
		return 0, Exception(CauseIllegalInsn, uint64(insn))
	}
}

// expandQ0 expands quadrant 0: stack-pointer arithmetic and the
// register-relative loads and stores.
func expandQ0(insn uint16) (uint32, error) {
	i := uint32(insn)

	switch cFunct3(insn) {
	case 0b000: // C.ADDI4SPN
		// nzuimm[9:6|5:4|3|2] = insn[10:7|12:11|5|6]
		imm := ((i >> 6) & 0x1) << 2
		imm |= ((i >> 5) & 0x1) << 3
		imm |= ((i >> 11) & 0x3) << 4
		imm |= ((i >> 7) & 0xf) << 6
		if imm == 0 {
			// Includes the all-zero instruction
			return 0, Exception(CauseIllegalInsn, uint64(insn))
		}
		return encI(OpOpImm, 0b000, cRdP(insn), 2, imm), nil

	case 0b010: // C.LW
		// uimm[6|5:3|2] = insn[5|12:10|6]
		imm := ((i >> 6) & 0x1) << 2
		imm |= ((i >> 10) & 0x7) << 3
		imm |= ((i >> 5) & 0x1) << 6
		return encI(OpLoad, 0b010, cRdP(insn), cRs1P(insn), imm), nil

	case 0b011: // C.LD
		// uimm[7:6|5:3] = insn[6:5|12:10]
		imm := ((i >> 10) & 0x7) << 3
		imm |= ((i >> 5) & 0x3) << 6
		return encI(OpLoad, 0b011, cRdP(insn), cRs1P(insn), imm), nil

	case 0b110: // C.SW
		imm := ((i >> 6) & 0x1) << 2
		imm |= ((i >> 10) & 0x7) << 3
		imm |= ((i >> 5) & 0x1) << 6
		return encS(OpStore, 0b010, cRs1P(insn), cRs2P(insn), imm), nil

	case 0b111: // C.SD
		imm := ((i >> 10) & 0x7) << 3
		imm |= ((i >> 5) & 0x3) << 6
		return encS(OpStore, 0b011, cRs1P(insn), cRs2P(insn), imm), nil

	default:
		// C.FLD and C.FSD land here
		return 0, Exception(CauseIllegalInsn, uint64(insn))
	}
}

// immQ1 extracts the common 6-bit immediate insn[12|6:2], sign-extended.
func immQ1(i uint32) uint32 {
	raw := (i>>2)&0x1f | ((i>>12)&0x1)<<5
	return uint32(signExtend(uint64(raw), 6))
}

// expandQ1 expands quadrant 1: immediate arithmetic, jumps and branches.
func expandQ1(insn uint16) (uint32, error) {
	i := uint32(insn)

	switch cFunct3(insn) {
	case 0b000: // C.ADDI (rd == 0 encodes C.NOP)
		rd := cRd(insn)
		return encI(OpOpImm, 0b000, rd, rd, immQ1(i)), nil

	case 0b001: // C.ADDIW
		rd := cRd(insn)
		if rd == 0 {
			return 0, Exception(CauseIllegalInsn, uint64(insn))
		}
		return encI(OpOpImm32, 0b000, rd, rd, immQ1(i)), nil

	case 0b010: // C.LI
		return encI(OpOpImm, 0b000, cRd(insn), 0, immQ1(i)), nil

	case 0b011:
		rd := cRd(insn)
		if rd == 2 {
			// C.ADDI16SP: nzimm[9|8:7|6|5|4] = insn[12|4:3|5|2|6]
			imm := ((i >> 2) & 0x1) << 5
			imm |= ((i >> 3) & 0x3) << 7
			imm |= ((i >> 5) & 0x1) << 6
			imm |= ((i >> 6) & 0x1) << 4
			imm |= ((i >> 12) & 0x1) << 9
			if imm == 0 {
				return 0, Exception(CauseIllegalInsn, uint64(insn))
			}
			imm = uint32(signExtend(uint64(imm), 10))
			return encI(OpOpImm, 0b000, 2, 2, imm), nil
		}
		// C.LUI: nzimm[17|16:12] = insn[12|6:2]
		if rd == 0 {
			return 0, Exception(CauseIllegalInsn, uint64(insn))
		}
		imm := immQ1(i) << 12
		if imm == 0 {
			return 0, Exception(CauseIllegalInsn, uint64(insn))
		}
		return encU(OpLui, rd, imm), nil

	case 0b100:
		rd := cRs1P(insn) // rd' == rs1' for this group
		shamt := (i>>2)&0x1f | ((i>>12)&0x1)<<5

		switch (insn >> 10) & 0x3 {
		case 0b00: // C.SRLI
			return encI(OpOpImm, 0b101, rd, rd, shamt), nil
		case 0b01: // C.SRAI
			return encI(OpOpImm, 0b101, rd, rd, shamt|(0b010000<<6)), nil
		case 0b10: // C.ANDI
			return encI(OpOpImm, 0b111, rd, rd, immQ1(i)), nil
		default:
			rs2 := cRs2P(insn)
			if (insn>>12)&1 == 0 {
				switch (insn >> 5) & 0x3 {
				case 0b00: // C.SUB
					return encR(OpOp, 0b000, 0b0100000, rd, rd, rs2), nil
				case 0b01: // C.XOR
					return encR(OpOp, 0b100, 0, rd, rd, rs2), nil
				case 0b10: // C.OR
					return encR(OpOp, 0b110, 0, rd, rd, rs2), nil
				default: // C.AND
					return encR(OpOp, 0b111, 0, rd, rd, rs2), nil
				}
			}
			switch (insn >> 5) & 0x3 {
			case 0b00: // C.SUBW
				return encR(OpOp32, 0b000, 0b0100000, rd, rd, rs2), nil
			case 0b01: // C.ADDW
				return encR(OpOp32, 0b000, 0, rd, rd, rs2), nil
			default:
				return 0, Exception(CauseIllegalInsn, uint64(insn))
			}
		}

	case 0b101: // C.J
		// imm[11|10|9:8|7|6|5|4|3:1] = insn[12|8|10:9|6|7|2|11|5:3]
		imm := ((i >> 2) & 0x1) << 5
		imm |= ((i >> 3) & 0x7) << 1
		imm |= ((i >> 6) & 0x1) << 7
		imm |= ((i >> 7) & 0x1) << 6
		imm |= ((i >> 8) & 0x1) << 10
		imm |= ((i >> 9) & 0x3) << 8
		imm |= ((i >> 11) & 0x1) << 4
		imm |= ((i >> 12) & 0x1) << 11
		imm = uint32(signExtend(uint64(imm), 12))
		return encJ(OpJal, 0, imm), nil

	case 0b110: // C.BEQZ
		return encB(OpBranch, 0b000, cRs1P(insn), 0, immQ1Branch(i)), nil

	case 0b111: // C.BNEZ
		return encB(OpBranch, 0b001, cRs1P(insn), 0, immQ1Branch(i)), nil
	}

	return 0, Exception(CauseIllegalInsn, uint64(insn))
}

// immQ1Branch extracts the branch offset imm[8|7:6|5|4:3|2:1] from
// insn[12|6:5|2|11:10|4:3], sign-extended.
func immQ1Branch(i uint32) uint32 {
	imm := ((i >> 2) & 0x1) << 5
	imm |= ((i >> 3) & 0x3) << 1
	imm |= ((i >> 5) & 0x3) << 6
	imm |= ((i >> 10) & 0x3) << 3
	imm |= ((i >> 12) & 0x1) << 8
	return uint32(signExtend(uint64(imm), 9))
}

// expandQ2 expands quadrant 2: stack-relative accesses and register
// jumps.
func expandQ2(insn uint16) (uint32, error) {
	i := uint32(insn)

	switch cFunct3(insn) {
	case 0b000: // C.SLLI
		rd := cRd(insn)
		if rd == 0 {
			return 0, Exception(CauseIllegalInsn, uint64(insn))
		}
		shamt := (i>>2)&0x1f | ((i>>12)&0x1)<<5
		return encI(OpOpImm, 0b001, rd, rd, shamt), nil

	case 0b010: // C.LWSP
		rd := cRd(insn)
		if rd == 0 {
			return 0, Exception(CauseIllegalInsn, uint64(insn))
		}
		// uimm[7:6|5|4:2] = insn[3:2|12|6:4]
		imm := ((i >> 2) & 0x3) << 6
		imm |= ((i >> 4) & 0x7) << 2
		imm |= ((i >> 12) & 0x1) << 5
		return encI(OpLoad, 0b010, rd, 2, imm), nil

	case 0b011: // C.LDSP
		rd := cRd(insn)
		if rd == 0 {
			return 0, Exception(CauseIllegalInsn, uint64(insn))
		}
		// uimm[8:6|5|4:3] = insn[4:2|12|6:5]
		imm := ((i >> 2) & 0x7) << 6
		imm |= ((i >> 5) & 0x3) << 3
		imm |= ((i >> 12) & 0x1) << 5
		return encI(OpLoad, 0b011, rd, 2, imm), nil

	case 0b100: // C.JR, C.MV, C.EBREAK, C.JALR, C.ADD
		rs1 := cRd(insn)
		rs2 := cRs2(insn)
		if (insn>>12)&1 == 0 {
			if rs2 == 0 {
				// C.JR
				if rs1 == 0 {
					return 0, Exception(CauseIllegalInsn, uint64(insn))
				}
				return encI(OpJalr, 0b000, 0, rs1, 0), nil
			}
			// C.MV
			return encR(OpOp, 0b000, 0, rs1, 0, rs2), nil
		}
		if rs2 == 0 {
			if rs1 == 0 {
				// C.EBREAK
				return 0x00100073, nil
			}
			// C.JALR
			return encI(OpJalr, 0b000, 1, rs1, 0), nil
		}
		// C.ADD
		return encR(OpOp, 0b000, 0, rs1, rs1, rs2), nil

	case 0b110: // C.SWSP
		// uimm[7:6|5:2] = insn[8:7|12:9]
		imm := ((i >> 7) & 0x3) << 6
		imm |= ((i >> 9) & 0xf) << 2
		return encS(OpStore, 0b010, 2, cRs2(insn), imm), nil

	case 0b111: // C.SDSP
		// uimm[8:6|5:3] = insn[9:7|12:10]
		imm := ((i >> 7) & 0x7) << 6
		imm |= ((i >> 10) & 0x7) << 3
		return encS(OpStore, 0b011, 2, cRs2(insn), imm), nil

	default:
		// C.FLDSP and C.FSDSP land here
		return 0, Exception(CauseIllegalInsn, uint64(insn))
	}
}

package rvsim

import (
	"encoding/binary"

	"golang.org/x/arch/riscv64/riscv64asm"
)

// disassemble renders a raw instruction word as GNU assembly for
// trace output. Words the decoder rejects, compressed encodings
// included, come back empty.
func disassemble(inst uint32) string {
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], inst)

	decoded, err := riscv64asm.Decode(raw[:])
	if err != nil {
		return ""
	}
	return riscv64asm.GNUSyntax(decoded)
}

package hevm

import (
	"fmt"
	"strings"
)

// Instruction is one decoded operation. A and B are register indices (or
// unused); Imm is a 64-bit immediate.
type Instruction struct {
	Op  Opcode
	A   uint8
	B   uint8
	Imm int64
}

// Ins builds an instruction. It keeps hand-written programs short.
func Ins(op Opcode, a, b uint8, imm int64) Instruction {
	return Instruction{Op: op, A: a, B: b, Imm: imm}
}

// String renders the instruction in disassembly form, e.g. "ADD r1, r2".
func (in Instruction) String() string {
	switch in.Op.shape() {
	case shapeA:
		return fmt.Sprintf("%s r%d", in.Op, in.A)
	case shapeAB:
		return fmt.Sprintf("%s r%d, r%d", in.Op, in.A, in.B)
	case shapeAImm:
		return fmt.Sprintf("%s r%d, %d", in.Op, in.A, in.Imm)
	case shapeABImm:
		return fmt.Sprintf("%s r%d, r%d, %d", in.Op, in.A, in.B, in.Imm)
	case shapeImm:
		return fmt.Sprintf("%s %d", in.Op, in.Imm)
	default:
		return in.Op.String()
	}
}

// Program is an ordered, immutable sequence of instructions indexed by the
// program counter.
type Program []Instruction

// Clone returns an independent copy of the program.
func (p Program) Clone() Program {
	out := make(Program, len(p))
	copy(out, p)
	return out
}

// Disassemble returns one line per instruction, prefixed with its address.
func (p Program) Disassemble() string {
	var sb strings.Builder
	width := len(fmt.Sprint(len(p)))
	for pc, in := range p {
		fmt.Fprintf(&sb, "%*d  %s\n", width, pc, in)
	}
	return sb.String()
}

package hevm

import (
	"fmt"
	"strings"
)

// Opcode identifies a single HeVM operation.
type Opcode uint8

// Opcodes. The numeric values are part of the image format and must not be
// reordered.
const (
	NOP Opcode = iota
	MOVE
	LOAD_VAL
	READ_1
	READ_2
	READ_4
	READ_8
	READ
	WRITE_1
	WRITE_2
	WRITE_4
	WRITE_8
	WRITE
	ADD
	SUB
	MUL
	DIV
	REM
	CALL
	CALL_EXT
	RET
	JMPR
	JMP
	JEZ
	JEO
	JEZR
	JEOR
	CL
	CLE
	CG
	CGE
	CE
	CNE
	XOR
	OR
	NEG
	AND
	PUSH
	PUSHR
	POP
	CRASH

	// numOpcodes is the size of the closed opcode set.
	numOpcodes
)

var opcodeNames = [numOpcodes]string{
	NOP:      "NOP",
	MOVE:     "MOVE",
	LOAD_VAL: "LOAD_VAL",
	READ_1:   "READ_1",
	READ_2:   "READ_2",
	READ_4:   "READ_4",
	READ_8:   "READ_8",
	READ:     "READ",
	WRITE_1:  "WRITE_1",
	WRITE_2:  "WRITE_2",
	WRITE_4:  "WRITE_4",
	WRITE_8:  "WRITE_8",
	WRITE:    "WRITE",
	ADD:      "ADD",
	SUB:      "SUB",
	MUL:      "MUL",
	DIV:      "DIV",
	REM:      "REM",
	CALL:     "CALL",
	CALL_EXT: "CALL_EXT",
	RET:      "RET",
	JMPR:     "JMPR",
	JMP:      "JMP",
	JEZ:      "JEZ",
	JEO:      "JEO",
	JEZR:     "JEZR",
	JEOR:     "JEOR",
	CL:       "CL",
	CLE:      "CLE",
	CG:       "CG",
	CGE:      "CGE",
	CE:       "CE",
	CNE:      "CNE",
	XOR:      "XOR",
	OR:       "OR",
	NEG:      "NEG",
	AND:      "AND",
	PUSH:     "PUSH",
	PUSHR:    "PUSHR",
	POP:      "POP",
	CRASH:    "CRASH",
}

var opcodesByName = func() map[string]Opcode {
	m := make(map[string]Opcode, numOpcodes)
	for i, name := range opcodeNames {
		m[name] = Opcode(i)
	}
	return m
}()

// Valid reports whether op belongs to the instruction set.
func (op Opcode) Valid() bool {
	return op < numOpcodes
}

// String returns the mnemonic, or a hex form for unknown opcodes.
func (op Opcode) String() string {
	if !op.Valid() {
		return fmt.Sprintf("OP(0x%02x)", uint8(op))
	}
	return opcodeNames[op]
}

// ParseOpcode looks up an opcode by mnemonic. Matching is case-insensitive.
func ParseOpcode(name string) (Opcode, error) {
	op, ok := opcodesByName[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("%w: unknown mnemonic %q", ErrInvalidOpcode, name)
	}
	return op, nil
}

// Opcodes returns every opcode in numeric order.
func Opcodes() []Opcode {
	ops := make([]Opcode, numOpcodes)
	for i := range ops {
		ops[i] = Opcode(i)
	}
	return ops
}

// operandShape describes which instruction fields an opcode uses. It only
// drives disassembly; execution ignores unused fields.
type operandShape uint8

const (
	shapeNone operandShape = iota
	shapeA
	shapeAB
	shapeAImm
	shapeABImm
	shapeImm
)

func (op Opcode) shape() operandShape {
	switch op {
	case MOVE, READ_1, READ_2, READ_4, READ_8, WRITE_1, WRITE_2, WRITE_4, WRITE_8,
		ADD, SUB, MUL, DIV, REM, CL, CLE, CG, CGE, CE, CNE, XOR, OR, AND:
		return shapeAB
	case READ, WRITE:
		return shapeABImm
	case LOAD_VAL, JEZ, JEO:
		return shapeAImm
	case CALL, CALL_EXT, JMPR, JEZR, JEOR, NEG, PUSHR, POP:
		return shapeA
	case JMP, PUSH:
		return shapeImm
	default:
		return shapeNone
	}
}

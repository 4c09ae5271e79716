package hevm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpcodeValues(t *testing.T) {
	// Values are part of the image format.
	assert.Equal(t, Opcode(0), NOP)
	assert.Equal(t, Opcode(19), CALL_EXT)
	assert.Equal(t, Opcode(40), CRASH)
	assert.Len(t, Opcodes(), 41)
	assert.False(t, Opcode(41).Valid())
}

func TestParseOpcode(t *testing.T) {
	for _, op := range Opcodes() {
		got, err := ParseOpcode(strings.ToLower(op.String()))
		require.NoError(t, err)
		assert.Equal(t, op, got)
	}

	_, err := ParseOpcode("HALT")
	assert.ErrorIs(t, err, ErrInvalidOpcode)
	assert.Equal(t, "OP(0xc8)", Opcode(200).String())
}

func TestInstructionString(t *testing.T) {
	tests := []struct {
		in   Instruction
		want string
	}{
		{Ins(NOP, 0, 0, 0), "NOP"},
		{Ins(ADD, 1, 2, 0), "ADD r1, r2"},
		{Ins(LOAD_VAL, 3, 0, -5), "LOAD_VAL r3, -5"},
		{Ins(READ, 4, 5, 2), "READ r4, r5, 2"},
		{Ins(CALL_EXT, 1, 0, 0), "CALL_EXT r1"},
		{Ins(PUSH, 0, 0, 5), "PUSH 5"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.in.String())
	}
}

func TestDisassemble(t *testing.T) {
	prog := Program{
		Ins(PUSH, 0, 0, 5),
		Ins(LOAD_VAL, 1, 0, 0),
		Ins(CALL_EXT, 1, 0, 0),
		Ins(JMP, 0, 0, 0),
	}
	want := "0  PUSH 5\n1  LOAD_VAL r1, 0\n2  CALL_EXT r1\n3  JMP 0\n"
	assert.Equal(t, want, prog.Disassemble())
}

func TestStack(t *testing.T) {
	s := NewStack(2)
	_, ok := s.Pop()
	assert.False(t, ok)

	assert.True(t, s.Push(1))
	assert.True(t, s.Push(2))
	assert.False(t, s.Push(3), "limit reached")

	top, ok := s.Peek()
	require.True(t, ok)
	assert.Equal(t, int64(2), top)
	assert.Equal(t, []int64{1, 2}, s.Snapshot())

	v, ok := s.Pop()
	require.True(t, ok)
	assert.Equal(t, int64(2), v)
	assert.Equal(t, 1, s.Depth())
}

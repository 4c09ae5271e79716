package hevm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArithmetic(t *testing.T) {
	tests := []struct {
		name string
		op   Opcode
		a, b int64
		want int64
	}{
		{"add", ADD, 10, 32, 42},
		{"add wraps", ADD, math.MaxInt64, 1, math.MinInt64},
		{"sub", SUB, 10, 32, -22},
		{"sub wraps", SUB, math.MinInt64, 1, math.MaxInt64},
		{"mul", MUL, -6, 7, -42},
		{"mul wraps", MUL, math.MaxInt64, 2, -2},
		{"div truncates", DIV, -7, 2, -3},
		{"div min by -1", DIV, math.MinInt64, -1, math.MinInt64},
		{"rem", REM, -7, 2, -1},
		{"rem min by -1", REM, math.MinInt64, -1, 0},
		{"xor", XOR, 0b1100, 0b1010, 0b0110},
		{"or", OR, 0b1100, 0b1010, 0b1110},
		{"and", AND, 0b1100, 0b1010, 0b1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := runToEnd(t, Program{
				Ins(LOAD_VAL, 1, 0, tt.a),
				Ins(LOAD_VAL, 2, 0, tt.b),
				Ins(tt.op, 1, 2, 0),
			}, nil, Opts{})

			require.Equal(t, StatusStopped, vm.Status(), vm.CrashReason())
			assert.Equal(t, tt.want, vm.Register(1))
			assert.Equal(t, tt.b, vm.Register(2))
		})
	}
}

func TestNegIsBitwiseComplement(t *testing.T) {
	vm := runToEnd(t, Program{
		Ins(LOAD_VAL, 7, 0, 5),
		Ins(NEG, 7, 0, 0),
	}, nil, Opts{})
	assert.Equal(t, int64(-6), vm.Register(7))
}

func TestDivisionByZeroCrashes(t *testing.T) {
	for _, op := range []Opcode{DIV, REM} {
		t.Run(op.String(), func(t *testing.T) {
			vm := runToEnd(t, Program{
				Ins(LOAD_VAL, 1, 0, 9),
				Ins(op, 1, 2, 0),
			}, nil, Opts{})

			require.Equal(t, StatusCrashed, vm.Status())
			require.ErrorIs(t, vm.Err(), ErrDivisionByZero)
			assert.Equal(t, int64(9), vm.Register(1))
		})
	}
}

func TestComparisons(t *testing.T) {
	pairs := [][2]int64{{1, 2}, {2, 1}, {5, 5}, {-3, 3}, {math.MinInt64, math.MaxInt64}}
	ops := map[Opcode]func(a, b int64) bool{
		CL:  func(a, b int64) bool { return a < b },
		CLE: func(a, b int64) bool { return a <= b },
		CG:  func(a, b int64) bool { return a > b },
		CGE: func(a, b int64) bool { return a >= b },
		CE:  func(a, b int64) bool { return a == b },
		CNE: func(a, b int64) bool { return a != b },
	}

	for op, cmp := range ops {
		for _, p := range pairs {
			vm := runToEnd(t, Program{
				Ins(LOAD_VAL, 3, 0, p[0]),
				Ins(LOAD_VAL, 4, 0, p[1]),
				Ins(op, 3, 4, 0),
			}, nil, Opts{})
			assert.Equal(t, b2i(cmp(p[0], p[1])), vm.Register(3), "%s %d,%d", op, p[0], p[1])
		}
	}
}

func TestCENEAreComplements(t *testing.T) {
	for _, p := range [][2]int64{{0, 0}, {0, 1}, {-1, -1}, {7, -7}} {
		vm := runToEnd(t, Program{
			Ins(LOAD_VAL, 1, 0, p[0]),
			Ins(LOAD_VAL, 2, 0, p[1]),
			Ins(MOVE, 3, 1, 0),
			Ins(CE, 1, 2, 0),
			Ins(CNE, 3, 2, 0),
		}, nil, Opts{})
		assert.Equal(t, int64(1), vm.Register(1)+vm.Register(3))
		assert.Equal(t, b2i(p[0] == p[1]), vm.Register(1))
	}
}

func TestMoveAndLoad(t *testing.T) {
	vm := runToEnd(t, Program{
		Ins(LOAD_VAL, 255, 0, -17),
		Ins(MOVE, 0, 255, 0),
	}, nil, Opts{})
	assert.Equal(t, int64(-17), vm.Register(0))
	assert.Equal(t, int64(-17), vm.Register(255))
}

func TestPushPop(t *testing.T) {
	vm := runToEnd(t, Program{
		Ins(PUSH, 0, 0, 1),
		Ins(PUSH, 0, 0, 42),
		Ins(POP, 3, 0, 0),
	}, nil, Opts{})

	require.Equal(t, StatusStopped, vm.Status())
	assert.Equal(t, int64(42), vm.Register(3))
	assert.Equal(t, []int64{1}, vm.Stack())
}

func TestPushR(t *testing.T) {
	vm := runToEnd(t, Program{
		Ins(LOAD_VAL, 9, 0, 77),
		Ins(PUSHR, 9, 0, 0),
	}, nil, Opts{})
	assert.Equal(t, []int64{77}, vm.Stack())
}

func TestPopEmptyStackCrashes(t *testing.T) {
	vm := runToEnd(t, Program{
		Ins(LOAD_VAL, 1, 0, 5),
		Ins(POP, 1, 0, 0),
	}, nil, Opts{})

	require.Equal(t, StatusCrashed, vm.Status())
	require.ErrorIs(t, vm.Err(), ErrStackUnderflow)
	assert.Equal(t, int64(5), vm.Register(1), "register must not receive a value")
	assert.Contains(t, vm.CrashReason(), "stack underflow")
}

func TestStackOverflow(t *testing.T) {
	vm := runToEnd(t, Program{
		Ins(PUSH, 0, 0, 1),
		Ins(JMP, 0, 0, 0),
	}, nil, Opts{MaxStackDepth: 16})

	require.ErrorIs(t, vm.Err(), ErrStackOverflow)
	assert.Len(t, vm.Stack(), 16)
}

func TestCallAndReturn(t *testing.T) {
	prog := Program{
		Ins(LOAD_VAL, 1, 0, 5), // 0
		Ins(CALL, 1, 0, 0),     // 1
		Ins(LOAD_VAL, 3, 0, 7), // 2
		Ins(JMP, 0, 0, 7),      // 3
		Ins(NOP, 0, 0, 0),      // 4
		Ins(LOAD_VAL, 2, 0, 9), // 5
		Ins(RET, 0, 0, 0),      // 6
	}
	vm := newVM(t, prog, nil, Opts{})

	stepOnce(t, vm)
	stepOnce(t, vm)
	assert.Equal(t, int64(5), vm.PC())
	assert.Equal(t, []int64{2}, vm.StackTrace(), "CALL pushes the pre-call counter plus one")

	stepOnce(t, vm)
	stepOnce(t, vm)
	assert.Equal(t, int64(2), vm.PC(), "RET restores the pushed counter")
	assert.Empty(t, vm.StackTrace())

	require.NoError(t, vm.Run())
	require.NoError(t, vm.Wait(contextWithTimeout(t)))
	assert.Equal(t, StatusStopped, vm.Status())
	assert.Equal(t, int64(9), vm.Register(2))
	assert.Equal(t, int64(7), vm.Register(3))
}

func TestRetOnEmptyCallStackCrashes(t *testing.T) {
	vm := runToEnd(t, Program{Ins(RET, 0, 0, 0)}, nil, Opts{})
	require.ErrorIs(t, vm.Err(), ErrCallStackUnderflow)
	assert.Equal(t, "call stack underflow: call stack is empty at pc 0 (RET)", vm.CrashReason())
}

func TestCallDepthLimit(t *testing.T) {
	// r0 is zero, so CALL r0 recurses into itself.
	vm := runToEnd(t, Program{Ins(CALL, 0, 0, 0)}, nil, Opts{MaxCallDepth: 8})
	require.ErrorIs(t, vm.Err(), ErrCallDepthExceeded)
	assert.Len(t, vm.StackTrace(), 8)
}

func TestConditionalJumps(t *testing.T) {
	tests := []struct {
		name  string
		op    Opcode
		value int64
		taken bool
	}{
		{"JEZ taken", JEZ, 0, true},
		{"JEZ not taken", JEZ, 3, false},
		{"JEO taken", JEO, 1, true},
		{"JEO not taken", JEO, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := runToEnd(t, Program{
				Ins(LOAD_VAL, 1, 0, tt.value),
				Ins(tt.op, 1, 0, 4),
				Ins(LOAD_VAL, 2, 0, 1),
				Ins(JMP, 0, 0, 5),
				Ins(LOAD_VAL, 2, 0, 2),
			}, nil, Opts{})

			want := int64(1)
			if tt.taken {
				want = 2
			}
			assert.Equal(t, want, vm.Register(2))
		})
	}
}

func TestJMPR(t *testing.T) {
	vm := runToEnd(t, Program{
		Ins(LOAD_VAL, 4, 0, 3),
		Ins(JMPR, 4, 0, 0),
		Ins(CRASH, 0, 0, 0),
		Ins(LOAD_VAL, 5, 0, 1),
	}, nil, Opts{})
	require.Equal(t, StatusStopped, vm.Status())
	assert.Equal(t, int64(1), vm.Register(5))
}

func TestRegisterJumpsUseOneOperand(t *testing.T) {
	// JEOR tests r1 == 1 and then jumps to r1, i.e. to address 1, which is
	// the JEOR itself. Operand B is ignored.
	vm := runToEnd(t, Program{
		Ins(LOAD_VAL, 1, 0, 1),
		Ins(JEOR, 1, 2, 0),
	}, nil, Opts{StepLimit: 10})

	require.ErrorIs(t, vm.Err(), ErrStepLimit)
	assert.Equal(t, int64(1), vm.PC())

	// JEZR with r1 == 0 jumps to 0.
	vm = runToEnd(t, Program{
		Ins(NOP, 0, 0, 0),
		Ins(JEZR, 1, 2, 0),
	}, nil, Opts{StepLimit: 10})
	require.ErrorIs(t, vm.Err(), ErrStepLimit)
	assert.Equal(t, uint64(10), vm.Steps())

	// Not taken: falls through to the end.
	vm = runToEnd(t, Program{
		Ins(LOAD_VAL, 1, 0, 7),
		Ins(JEZR, 1, 2, 0),
		Ins(JEOR, 1, 2, 0),
	}, nil, Opts{})
	assert.Equal(t, StatusStopped, vm.Status())
}

func TestJumpPastEndStops(t *testing.T) {
	for _, target := range []int64{1, 2, 100} {
		vm := runToEnd(t, Program{Ins(JMP, 0, 0, target)}, nil, Opts{})
		assert.Equal(t, StatusStopped, vm.Status(), "target %d", target)
		assert.NoError(t, vm.Err(), "target %d", target)
	}
}

func TestNegativePCCrashes(t *testing.T) {
	vm := runToEnd(t, Program{Ins(JMP, 0, 0, -1)}, nil, Opts{})
	require.ErrorIs(t, vm.Err(), ErrPCOutOfRange)
}

func TestCrashInstruction(t *testing.T) {
	vm := runToEnd(t, Program{
		Ins(NOP, 0, 0, 0),
		Ins(CRASH, 0, 0, 0),
		Ins(LOAD_VAL, 1, 0, 1),
	}, nil, Opts{})

	require.ErrorIs(t, vm.Err(), ErrCrashInstruction)
	assert.Equal(t, "CRASH instruction called at pc 1 (CRASH)", vm.CrashReason())
	assert.Equal(t, int64(0), vm.Register(1))

	var f *Fault
	require.ErrorAs(t, vm.Err(), &f)
	assert.Equal(t, int64(1), f.PC)
	assert.Equal(t, CRASH, f.Op)
}

func TestInvalidOpcodeCrashes(t *testing.T) {
	vm := runToEnd(t, Program{{Op: Opcode(200)}}, nil, Opts{})
	require.ErrorIs(t, vm.Err(), ErrInvalidOpcode)
}

func TestMemoryInstructions(t *testing.T) {
	pool := []byte("puts\x00\xff\x7f")
	vm := runToEnd(t, Program{
		Ins(LOAD_VAL, 1, 0, VaddrData+8),
		Ins(LOAD_VAL, 2, 0, -2),
		Ins(WRITE_2, 1, 2, 0),
		Ins(READ_2, 3, 1, 0), // sign-extended
		Ins(READ, 4, 1, 2),   // zero-extended
		Ins(LOAD_VAL, 5, 0, VaddrConst+5),
		Ins(READ_1, 6, 5, 0),
		Ins(READ_2, 7, 5, 0),
		Ins(LOAD_VAL, 8, 0, 0x0102030405060708),
		Ins(WRITE, 1, 8, 3),
		Ins(READ_8, 9, 1, 0),
		Ins(WRITE_8, 1, 10, 0), // zero is a legal value
		Ins(READ_4, 11, 1, 0),
	}, pool, Opts{})

	require.Equal(t, StatusStopped, vm.Status(), vm.CrashReason())
	assert.Equal(t, int64(-2), vm.Register(3))
	assert.Equal(t, int64(0xfffe), vm.Register(4))
	assert.Equal(t, int64(-1), vm.Register(6))
	assert.Equal(t, int64(0x7fff), vm.Register(7))
	assert.Equal(t, int64(0x060708), vm.Register(9))
	assert.Equal(t, int64(0), vm.Register(11))
}

func TestMemoryFaults(t *testing.T) {
	tests := []struct {
		name string
		prog Program
		kind error
	}{
		{"null read", Program{Ins(READ_8, 1, 2, 0)}, ErrNullAddress},
		{"null write", Program{Ins(WRITE_1, 2, 1, 0)}, ErrNullAddress},
		{"write to constants", Program{
			Ins(LOAD_VAL, 1, 0, VaddrConst),
			Ins(WRITE_1, 1, 1, 0),
		}, ErrInvalidMemoryAccess},
		{"read past arena", Program{
			Ins(LOAD_VAL, 1, 0, VaddrData+DataDefault-4),
			Ins(READ_8, 2, 1, 0),
		}, ErrInvalidMemoryAccess},
		{"unmapped", Program{
			Ins(LOAD_VAL, 1, 0, 0x1234),
			Ins(READ_1, 2, 1, 0),
		}, ErrInvalidMemoryAccess},
		{"bad width", Program{
			Ins(LOAD_VAL, 1, 0, VaddrData),
			Ins(READ, 2, 1, 9),
		}, ErrInvalidOperand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := runToEnd(t, tt.prog, []byte("x\x00"), Opts{})
			require.Equal(t, StatusCrashed, vm.Status())
			require.ErrorIs(t, vm.Err(), tt.kind)

			var f *Fault
			require.ErrorAs(t, vm.Err(), &f)
			assert.Equal(t, int64(len(tt.prog)-1), f.PC)
		})
	}
}

package hevm

// Load widths for the fixed-size memory instructions.
var memWidth = map[Opcode]int{
	READ_1: 1, READ_2: 2, READ_4: 4, READ_8: 8,
	WRITE_1: 1, WRITE_2: 2, WRITE_4: 4, WRITE_8: 8,
}

// exec executes in, fetched from address pc. The program counter has already
// been advanced past in. Caller holds vm.mu.
func (vm *VM) exec(pc int64, in Instruction) error {
	r := &vm.regs

	switch in.Op {
	case NOP:

	// Data movement
	case MOVE:
		r[in.A] = r[in.B]
	case LOAD_VAL:
		r[in.A] = in.Imm

	// Memory load. READ_n sign-extends, READ zero-extends.
	case READ_1, READ_2, READ_4, READ_8:
		v, err := vm.mem.Load(r[in.B], memWidth[in.Op], true)
		if err != nil {
			return err
		}
		r[in.A] = v
	case READ:
		v, err := vm.mem.Load(r[in.B], int(in.Imm), false)
		if err != nil {
			return err
		}
		r[in.A] = v

	// Memory store
	case WRITE_1, WRITE_2, WRITE_4, WRITE_8:
		if err := vm.mem.Store(r[in.A], memWidth[in.Op], r[in.B]); err != nil {
			return err
		}
	case WRITE:
		if err := vm.mem.Store(r[in.A], int(in.Imm), r[in.B]); err != nil {
			return err
		}

	// Arithmetic
	case ADD:
		r[in.A] += r[in.B]
	case SUB:
		r[in.A] -= r[in.B]
	case MUL:
		r[in.A] *= r[in.B]
	case DIV:
		if r[in.B] == 0 {
			return faultf(ErrDivisionByZero, "r%d is zero", in.B)
		}
		r[in.A] /= r[in.B]
	case REM:
		if r[in.B] == 0 {
			return faultf(ErrDivisionByZero, "r%d is zero", in.B)
		}
		r[in.A] %= r[in.B]

	// Control flow
	case CALL:
		if !vm.calls.Push(vm.pc) {
			return faultf(ErrCallDepthExceeded, "depth %d", vm.calls.Depth())
		}
		vm.pc = r[in.A]
	case CALL_EXT:
		return vm.callExternal(pc, r[in.A])
	case RET:
		ret, ok := vm.calls.Pop()
		if !ok {
			return faultf(ErrCallStackUnderflow, "call stack is empty")
		}
		vm.pc = ret
	case JMPR:
		vm.pc = r[in.A]
	case JMP:
		vm.pc = in.Imm
	case JEZ:
		if r[in.A] == 0 {
			vm.pc = in.Imm
		}
	case JEO:
		if r[in.A] == 1 {
			vm.pc = in.Imm
		}
	// JEZR and JEOR read operand A for both the condition and the target.
	case JEZR:
		if r[in.A] == 0 {
			vm.pc = r[in.A]
		}
	case JEOR:
		if r[in.A] == 1 {
			vm.pc = r[in.A]
		}

	// Comparisons (signed)
	case CL:
		r[in.A] = b2i(r[in.A] < r[in.B])
	case CLE:
		r[in.A] = b2i(r[in.A] <= r[in.B])
	case CG:
		r[in.A] = b2i(r[in.A] > r[in.B])
	case CGE:
		r[in.A] = b2i(r[in.A] >= r[in.B])
	case CE:
		r[in.A] = b2i(r[in.A] == r[in.B])
	case CNE:
		r[in.A] = b2i(r[in.A] != r[in.B])

	// Bitwise
	case XOR:
		r[in.A] ^= r[in.B]
	case OR:
		r[in.A] |= r[in.B]
	case AND:
		r[in.A] &= r[in.B]
	case NEG:
		r[in.A] = ^r[in.A]

	// Operand stack
	case PUSH:
		if !vm.stack.Push(in.Imm) {
			return faultf(ErrStackOverflow, "depth %d", vm.stack.Depth())
		}
	case PUSHR:
		if !vm.stack.Push(r[in.A]) {
			return faultf(ErrStackOverflow, "depth %d", vm.stack.Depth())
		}
	case POP:
		v, ok := vm.stack.Pop()
		if !ok {
			return faultf(ErrStackUnderflow, "stack is empty")
		}
		r[in.A] = v

	case CRASH:
		return faultf(ErrCrashInstruction, "")

	default:
		return faultf(ErrInvalidOpcode, "0x%02x", uint8(in.Op))
	}

	return nil
}

// callExternal resolves the function name at constant pool offset addr and
// invokes it. A panicking function crashes the VM.
func (vm *VM) callExternal(pc, addr int64) (err error) {
	pool := vm.mem.ro
	if addr < 0 || addr >= int64(len(pool)) {
		return faultf(ErrAddressOutOfRange, "unknown function name addr '%d'", addr)
	}
	name := cstring(pool[addr:])
	fn, ok := vm.externals[name]
	if !ok {
		return faultf(ErrUnknownFunction, "'%s'", name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = faultf(ErrExternalPanic, "%s: %v", name, rec)
		}
	}()

	fn(&Context{vm: vm, pc: pc})
	return nil
}

func b2i(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

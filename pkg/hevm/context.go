package hevm

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Context is the execution-state handle passed to external functions. It
// groups the register file, operand stack, constant pool, data memory and the
// crash capability. It is only valid for the duration of the call and must not
// be retained or shared with other goroutines.
type Context struct {
	vm *VM
	pc int64
}

// PC returns the address of the CALL_EXT instruction being serviced.
func (c *Context) PC() int64 {
	return c.pc
}

// Register returns the value of register i.
func (c *Context) Register(i uint8) int64 {
	return c.vm.regs[i]
}

// SetRegister sets register i to v.
func (c *Context) SetRegister(i uint8, v int64) {
	c.vm.regs[i] = v
}

// Registers returns the live register file.
func (c *Context) Registers() *[NumRegisters]int64 {
	return &c.vm.regs
}

// Push pushes v onto the operand stack. On overflow the VM crashes and Push
// reports false.
func (c *Context) Push(v int64) bool {
	if !c.vm.stack.Push(v) {
		c.Fail(ErrStackOverflow, "depth %d", c.vm.stack.Depth())
		return false
	}
	return true
}

// Pop pops the operand stack. On an empty stack the VM crashes and Pop
// reports false.
func (c *Context) Pop() (int64, bool) {
	v, ok := c.vm.stack.Pop()
	if !ok {
		c.Fail(ErrStackUnderflow, "external function popped an empty stack")
		return 0, false
	}
	return v, true
}

// PopN pops n values, returning them in pop order (top first). On underflow
// the VM crashes and PopN reports false.
func (c *Context) PopN(n int) ([]int64, bool) {
	if c.vm.stack.Depth() < n {
		c.Fail(ErrStackUnderflow, "external function needs %d arguments, stack has %d", n, c.vm.stack.Depth())
		return nil, false
	}
	out := make([]int64, n)
	for i := range out {
		out[i], _ = c.vm.stack.Pop()
	}
	return out, true
}

// StackDepth returns the operand stack depth.
func (c *Context) StackDepth() int {
	return c.vm.stack.Depth()
}

// CallDepth returns the call stack depth.
func (c *Context) CallDepth() int {
	return c.vm.calls.Depth()
}

// Constants returns the constant pool. The slice must be treated as
// read-only.
func (c *Context) Constants() []byte {
	return c.vm.mem.ro
}

// ConstString returns the NUL-terminated string at offset off in the
// constant pool.
func (c *Context) ConstString(off int64) (string, error) {
	pool := c.vm.mem.ro
	if off < 0 || off >= int64(len(pool)) {
		return "", faultf(ErrAddressOutOfRange, "offset %d (pool size %d)", off, len(pool))
	}
	return cstring(pool[off:]), nil
}

// Memory returns the VM's addressable memory.
func (c *Context) Memory() *Memory {
	return c.vm.mem
}

// Logger returns the VM logger.
func (c *Context) Logger() *zerolog.Logger {
	return &c.vm.log
}

// Crash aborts execution with reason, reported verbatim.
func (c *Context) Crash(reason string) {
	c.vm.crash(&Fault{Kind: ErrHostCrash, PC: c.pc, Op: CALL_EXT, Detail: reason})
}

// Fail aborts execution with a typed fault.
func (c *Context) Fail(kind error, format string, args ...any) {
	c.vm.crash(&Fault{Kind: kind, PC: c.pc, Op: CALL_EXT, Detail: fmt.Sprintf(format, args...)})
}

// Crashed reports whether the VM has crashed, e.g. after a failed Pop.
func (c *Context) Crashed() bool {
	return c.vm.Status() == StatusCrashed
}

// Fault aborts execution with err. Errors from Memory keep their fault kind.
func (c *Context) Fault(err error) {
	f := *asFault(err)
	f.PC, f.Op = c.pc, CALL_EXT
	c.vm.crash(&f)
}

// Package hevm implements the HeVM embeddable bytecode virtual machine.
//
// HeVM is a register/stack machine with 256 64-bit registers, an operand
// stack and a call stack. Programs are sequences of decoded instructions and
// may call host-provided external functions by name through CALL_EXT, the
// name being a NUL-terminated string in the constant pool.
//
// Each VM runs its fetch-decode-execute loop on a background goroutine. The
// controlling goroutine drives it through Run, Pause and Step, and observes it
// through Status, CrashReason and StackTrace. Every fault is fatal: the VM
// moves to StatusCrashed and records a *Fault describing why.
//
// Status is atomic. Registers, stacks, memory and the function table are
// guarded by a mutex that the engine holds for the duration of each
// instruction, so the inspection methods on VM are safe to call at any time.
// Pause the VM first when a consistent multi-field snapshot is required.
package hevm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// NumRegisters is the size of the register file.
const NumRegisters = 256

// Status is the execution phase of a VM.
type Status int32

// VM statuses.
const (
	StatusPaused  Status = iota // idle; initial state
	StatusStep                  // execute one instruction, then pause
	StatusRunning               // execute continuously
	StatusStopped               // terminal: the program counter ran off the program
	StatusCrashed               // terminal: a fault occurred
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPaused:
		return "paused"
	case StatusStep:
		return "step"
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	case StatusCrashed:
		return "crashed"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Terminal reports whether s is Stopped or Crashed.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusCrashed
}

// ParseStatus parses a status name as produced by String.
func ParseStatus(name string) (Status, error) {
	for s := StatusPaused; s <= StatusCrashed; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

// ExternalFunc is a host callback invoked by CALL_EXT. It runs on the engine
// goroutine with exclusive access to the execution state through ctx, and is
// responsible for its own argument and return convention over the operand
// stack and registers.
type ExternalFunc func(ctx *Context)

// Opts configures a VM.
type Opts struct {
	// DataSize is the size of the data arena in bytes (0 = DataDefault).
	DataSize int

	// StepLimit crashes the VM after this many instructions (0 = unlimited).
	StepLimit uint64

	// MaxCallDepth bounds the call stack (0 = unlimited).
	MaxCallDepth int

	// MaxStackDepth bounds the operand stack (0 = unlimited).
	MaxStackDepth int

	// Functions are bound after the built-in alloc/free stubs.
	Functions map[string]ExternalFunc

	// Logger receives status transitions and crashes. Nil disables logging.
	Logger *zerolog.Logger
}

// VM is a HeVM instance. Create one with New and release it with Close.
type VM struct {
	prog Program
	mem  *Memory
	opts Opts
	log  zerolog.Logger

	status  atomic.Int32
	steps   atomic.Uint64
	closing atomic.Bool

	wake      chan struct{} // status changed; capacity 1
	quit      chan struct{} // closed by Close
	done      chan struct{} // closed when the engine goroutine exits
	closeOnce sync.Once

	// mu guards the execution state below.
	mu        sync.Mutex
	regs      [NumRegisters]int64
	pc        int64
	stack     *Stack
	calls     *Stack
	externals map[string]ExternalFunc

	faultMu sync.Mutex
	fault   *Fault
}

// New creates a VM for prog and constants and starts its engine goroutine in
// StatusPaused. Both slices are copied. The built-in alloc and free functions
// are bound before opts.Functions.
func New(prog Program, constants []byte, opts Opts) *VM {
	pool := make([]byte, len(constants))
	copy(pool, constants)

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	vm := &VM{
		prog:      prog.Clone(),
		mem:       newMemory(pool, opts.DataSize),
		opts:      opts,
		log:       logger.With().Str("component", "hevm").Logger(),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		stack:     NewStack(opts.MaxStackDepth),
		calls:     NewStack(opts.MaxCallDepth),
		externals: make(map[string]ExternalFunc),
	}
	vm.status.Store(int32(StatusPaused))

	vm.externals["alloc"] = allocStub
	vm.externals["free"] = freeStub
	for name, fn := range opts.Functions {
		vm.externals[name] = fn
	}

	go vm.loop()
	return vm
}

// Status returns the current execution phase.
func (vm *VM) Status() Status {
	return Status(vm.status.Load())
}

// Run lets the engine execute continuously.
func (vm *VM) Run() error {
	return vm.transition(StatusRunning)
}

// Pause stops the engine before its next fetch. An instruction already in
// flight completes. Pausing a paused VM is a no-op.
func (vm *VM) Pause() error {
	return vm.transition(StatusPaused)
}

// Step executes exactly one instruction and then returns to StatusPaused.
// It does not wait for the instruction to complete.
func (vm *VM) Step() error {
	return vm.transition(StatusStep)
}

// transition moves a non-terminal VM to next.
func (vm *VM) transition(next Status) error {
	for {
		cur := vm.Status()
		if cur.Terminal() {
			return fmt.Errorf("%w: %s", ErrHalted, cur)
		}
		if cur == next {
			return nil
		}
		if vm.status.CompareAndSwap(int32(cur), int32(next)) {
			vm.log.Debug().Stringer("from", cur).Stringer("to", next).Msg("status")
			vm.signal()
			return nil
		}
	}
}

// signal wakes a paused engine without blocking.
func (vm *VM) signal() {
	select {
	case vm.wake <- struct{}{}:
	default:
	}
}

// Crash moves the VM to StatusCrashed with reason. It may be called from any
// goroutine, including from an external function. A VM that has already
// stopped or crashed is left unchanged, so only the first crash is recorded.
func (vm *VM) Crash(reason string) {
	vm.crash(&Fault{Kind: ErrHostCrash, PC: -1, Detail: reason})
}

func (vm *VM) crash(f *Fault) {
	vm.faultMu.Lock()
	defer vm.faultMu.Unlock()

	for {
		cur := vm.Status()
		if cur.Terminal() {
			return
		}
		vm.fault = f
		if vm.status.CompareAndSwap(int32(cur), int32(StatusCrashed)) {
			break
		}
		vm.fault = nil
	}
	vm.signal()

	ev := vm.log.Warn().Str("reason", f.Error())
	if f.PC >= 0 {
		ev = ev.Int64("pc", f.PC).Stringer("op", f.Op)
	}
	ev.Msg("crashed")
}

// stop moves a non-terminal VM to StatusStopped.
func (vm *VM) stop() {
	for {
		cur := vm.Status()
		if cur.Terminal() {
			return
		}
		if vm.status.CompareAndSwap(int32(cur), int32(StatusStopped)) {
			vm.log.Debug().Stringer("from", cur).Msg("stopped")
			vm.signal()
			return
		}
	}
}

// CrashReason returns the diagnostic of the recorded crash, or "" when the
// VM has not crashed.
func (vm *VM) CrashReason() string {
	vm.faultMu.Lock()
	defer vm.faultMu.Unlock()
	if vm.fault == nil {
		return ""
	}
	return vm.fault.Error()
}

// Err returns the recorded crash as a *Fault, or nil.
func (vm *VM) Err() error {
	vm.faultMu.Lock()
	defer vm.faultMu.Unlock()
	if vm.fault == nil {
		return nil
	}
	return vm.fault
}

// StackTrace returns a copy of the call stack, bottom first, when the VM is
// Crashed or Paused. In any other status it returns nil.
func (vm *VM) StackTrace() []int64 {
	switch vm.Status() {
	case StatusCrashed, StatusPaused:
	default:
		return nil
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.calls.Snapshot()
}

// Bind registers fn under name, replacing any existing entry.
func (vm *VM) Bind(name string, fn ExternalFunc) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.externals[name] = fn
}

// Functions returns the bound function names, sorted.
func (vm *VM) Functions() []string {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	names := make([]string, 0, len(vm.externals))
	for name := range vm.externals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registers returns a copy of the register file.
func (vm *VM) Registers() [NumRegisters]int64 {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.regs
}

// Register returns the value of register i.
func (vm *VM) Register(i uint8) int64 {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.regs[i]
}

// SetRegister sets register i to v.
func (vm *VM) SetRegister(i uint8, v int64) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.regs[i] = v
}

// Stack returns a copy of the operand stack, bottom first.
func (vm *VM) Stack() []int64 {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.stack.Snapshot()
}

// Push pushes v onto the operand stack.
func (vm *VM) Push(v int64) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if !vm.stack.Push(v) {
		return fmt.Errorf("%w: depth %d", ErrStackOverflow, vm.stack.Depth())
	}
	return nil
}

// PC returns the program counter.
func (vm *VM) PC() int64 {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.pc
}

// SetPC sets the program counter.
func (vm *VM) SetPC(pc int64) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.pc = pc
}

// Program returns a copy of the loaded program.
func (vm *VM) Program() Program {
	return vm.prog.Clone()
}

// Constants returns a copy of the constant pool.
func (vm *VM) Constants() []byte {
	out := make([]byte, len(vm.mem.ro))
	copy(out, vm.mem.ro)
	return out
}

// ReadMemory reads n bytes at virtual address addr.
func (vm *VM) ReadMemory(addr int64, n int) ([]byte, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	p := make([]byte, n)
	if err := vm.mem.Read(addr, p); err != nil {
		return nil, err
	}
	return p, nil
}

// WriteMemory writes p at virtual address addr.
func (vm *VM) WriteMemory(addr int64, p []byte) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.mem.Write(addr, p)
}

// Steps returns the number of instructions executed so far.
func (vm *VM) Steps() uint64 {
	return vm.steps.Load()
}

// Done is closed once the engine goroutine has exited.
func (vm *VM) Done() <-chan struct{} {
	return vm.done
}

// Wait blocks until the engine exits or ctx is done. It returns ctx.Err() on
// cancellation, otherwise the crash fault (nil after a normal stop).
func (vm *VM) Wait(ctx context.Context) error {
	select {
	case <-vm.done:
		return vm.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the engine down and waits for it to exit, whatever its status.
// A VM that had not reached a terminal status is left Stopped. Close is
// idempotent.
func (vm *VM) Close() error {
	vm.closeOnce.Do(func() {
		vm.closing.Store(true)
		close(vm.quit)
	})
	<-vm.done
	return nil
}

// loop is the engine goroutine.
func (vm *VM) loop() {
	defer close(vm.done)
	defer vm.stop()

	for !vm.closing.Load() {
		switch vm.Status() {
		case StatusCrashed, StatusStopped:
			return

		case StatusPaused:
			select {
			case <-vm.wake:
			case <-vm.quit:
			}

		case StatusStep:
			vm.cycle()
			if vm.status.CompareAndSwap(int32(StatusStep), int32(StatusPaused)) {
				vm.log.Debug().Int64("pc", vm.PC()).Msg("stepped")
			}

		default:
			vm.cycle()
		}
	}
}

// cycle fetches and executes one instruction.
func (vm *VM) cycle() {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	pc := vm.pc
	if pc < 0 {
		vm.crash(&Fault{Kind: ErrPCOutOfRange, PC: -1, Detail: fmt.Sprintf("pc %d", pc)})
		return
	}
	if pc >= int64(len(vm.prog)) {
		vm.stop()
		return
	}
	if limit := vm.opts.StepLimit; limit > 0 && vm.steps.Load() >= limit {
		vm.crash(&Fault{Kind: ErrStepLimit, PC: pc, Op: vm.prog[pc].Op, Detail: fmt.Sprintf("limit %d", limit)})
		return
	}

	in := vm.prog[pc]
	vm.pc++
	vm.steps.Add(1)

	if err := vm.exec(pc, in); err != nil {
		f := asFault(err)
		if f.PC < 0 {
			f.PC = pc
			f.Op = in.Op
		}
		vm.crash(f)
	}
}

// allocStub is a placeholder for a host-supplied allocator. It only checks
// that an argument is present.
func allocStub(ctx *Context) {
	if ctx.StackDepth() == 0 {
		ctx.Fail(ErrStackUnderflow, "alloc: invalid arguments, stack is empty")
	}
}

// freeStub is a placeholder for a host-supplied allocator.
func freeStub(*Context) {}

package hevm

import (
	"errors"
	"fmt"
)

// Fault kinds. Every fault is fatal: the VM moves to Crashed and the fault is
// available through VM.Err and VM.CrashReason.
var (
	ErrStackUnderflow      = errors.New("stack underflow")
	ErrStackOverflow       = errors.New("stack overflow")
	ErrCallStackUnderflow  = errors.New("call stack underflow")
	ErrCallDepthExceeded   = errors.New("call depth exceeded")
	ErrUnknownFunction     = errors.New("unknown function")
	ErrAddressOutOfRange   = errors.New("constant pool address out of range")
	ErrInvalidOpcode       = errors.New("invalid opcode")
	ErrInvalidOperand      = errors.New("invalid operand")
	ErrCrashInstruction    = errors.New("CRASH instruction called")
	ErrHostCrash           = errors.New("crashed by host")
	ErrDivisionByZero      = errors.New("division by zero")
	ErrNullAddress         = errors.New("null address")
	ErrInvalidMemoryAccess = errors.New("invalid memory access")
	ErrPCOutOfRange        = errors.New("program counter out of range")
	ErrStepLimit           = errors.New("step limit exceeded")
	ErrExternalPanic       = errors.New("external function panicked")
)

// Control errors. These are returned to the caller and never crash the VM.
var (
	// ErrHalted is returned by Run, Pause and Step once the VM has reached
	// Stopped or Crashed.
	ErrHalted = errors.New("vm halted")
)

// Fault describes why a VM crashed.
type Fault struct {
	// Kind is one of the Err* fault sentinels.
	Kind error

	// PC is the address of the faulting instruction, or -1 when the crash
	// did not originate from an instruction (e.g. VM.Crash from the host).
	PC int64

	// Op is the faulting opcode. Only meaningful when PC >= 0.
	Op Opcode

	// Detail is free-form diagnostic text.
	Detail string
}

// Error renders the fault as the crash reason string.
func (f *Fault) Error() string {
	if f.Kind == ErrHostCrash {
		// Host-supplied reasons are reported verbatim.
		return f.Detail
	}
	msg := f.Kind.Error()
	switch {
	case f.Detail == "":
	case f.Kind == ErrUnknownFunction:
		// unknown function 'name'
		msg += " " + f.Detail
	default:
		msg += ": " + f.Detail
	}
	if f.PC >= 0 {
		return fmt.Sprintf("%s at pc %d (%s)", msg, f.PC, f.Op)
	}
	return msg
}

// Unwrap lets errors.Is match the fault kind.
func (f *Fault) Unwrap() error {
	return f.Kind
}

// faultf builds a fault that is not tied to an instruction.
func faultf(kind error, format string, args ...any) *Fault {
	return &Fault{Kind: kind, PC: -1, Detail: fmt.Sprintf(format, args...)}
}

// faultKinds lists every fault sentinel.
var faultKinds = []error{
	ErrStackUnderflow,
	ErrStackOverflow,
	ErrCallStackUnderflow,
	ErrCallDepthExceeded,
	ErrUnknownFunction,
	ErrAddressOutOfRange,
	ErrInvalidOpcode,
	ErrInvalidOperand,
	ErrCrashInstruction,
	ErrHostCrash,
	ErrDivisionByZero,
	ErrNullAddress,
	ErrInvalidMemoryAccess,
	ErrPCOutOfRange,
	ErrStepLimit,
	ErrExternalPanic,
}

// asFault converts an arbitrary error into a fault. Errors that wrap a fault
// sentinel keep that kind; anything else is reported verbatim as a host crash.
func asFault(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	for _, kind := range faultKinds {
		if errors.Is(err, kind) {
			return &Fault{Kind: kind, PC: -1, Detail: trimKind(err, kind)}
		}
	}
	return &Fault{Kind: ErrHostCrash, PC: -1, Detail: err.Error()}
}

// trimKind strips a leading "kind: " prefix produced by %w wrapping so the
// detail is not repeated in Fault.Error.
func trimKind(err error, kind error) string {
	msg, prefix := err.Error(), kind.Error()
	if len(msg) > len(prefix)+2 && msg[:len(prefix)] == prefix && msg[len(prefix):len(prefix)+2] == ": " {
		return msg[len(prefix)+2:]
	}
	if msg == prefix {
		return ""
	}
	return msg
}

// Package builtins implements the standard host functions for HeVM programs.
//
// Builtins are external functions reached through CALL_EXT. Arguments are
// taken from the operand stack: the first argument is on top, so a program
// pushes them in reverse order. Addresses are VM virtual addresses (see
// hevm.VaddrConst and hevm.VaddrData) unless noted otherwise.
package builtins

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/fortiblox/hevm/pkg/hevm"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Maximum sizes.
const (
	MaxMemOpSize = 10 * 1024 * 1024 // Maximum memcpy/memset/hash length (10 MB)
	MaxPrintLen  = 10000            // Maximum print length
	DigestSize   = 32
)

// Binder is anything external functions can be bound to. *hevm.VM satisfies
// it.
type Binder interface {
	Bind(name string, fn hevm.ExternalFunc)
}

// Options configures the builtins.
type Options struct {
	// Stdout receives puts/print/print_int output. Defaults to os.Stdout.
	Stdout io.Writer
}

// lockedWriter serialises writes from VMs sharing one writer.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Functions returns the builtin table keyed by name. The result can be passed
// as hevm.Opts.Functions.
func Functions(opts Options) map[string]hevm.ExternalFunc {
	w := opts.Stdout
	if w == nil {
		w = os.Stdout
	}
	out := &lockedWriter{w: w}

	return map[string]hevm.ExternalFunc{
		"puts":      puts(out),
		"print":     printStr(out),
		"print_int": printInt(out),
		"memcpy":    memcpy,
		"memset":    memset,
		"sha256":    hashFunc("sha256", func(b []byte) []byte { h := sha256.Sum256(b); return h[:] }),
		"keccak256": hashFunc("keccak256", keccak256),
		"blake3":    hashFunc("blake3", func(b []byte) []byte { h := blake3.Sum256(b); return h[:] }),
		"abort":     abort,
	}
}

// Register binds every builtin on b.
func Register(b Binder, opts Options) {
	for name, fn := range Functions(opts) {
		b.Bind(name, fn)
	}
}

// Names returns the builtin names, sorted.
func Names() []string {
	fns := Functions(Options{Stdout: io.Discard})
	names := make([]string, 0, len(fns))
	for name := range fns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// puts pops a constant pool offset and writes the string there followed by a
// newline.
func puts(w io.Writer) hevm.ExternalFunc {
	return func(ctx *hevm.Context) {
		off, ok := ctx.Pop()
		if !ok {
			return
		}
		s, err := ctx.ConstString(off)
		if err != nil {
			ctx.Fault(err)
			return
		}
		write(ctx, w, s+"\n")
	}
}

// printStr pops a virtual address and writes the NUL-terminated string there.
func printStr(w io.Writer) hevm.ExternalFunc {
	return func(ctx *hevm.Context) {
		addr, ok := ctx.Pop()
		if !ok {
			return
		}
		s, err := ctx.Memory().CString(addr)
		if err != nil {
			ctx.Fault(err)
			return
		}
		if len(s) > MaxPrintLen {
			s = s[:MaxPrintLen]
		}
		write(ctx, w, s)
	}
}

// printInt pops a value and writes it in decimal followed by a newline.
func printInt(w io.Writer) hevm.ExternalFunc {
	return func(ctx *hevm.Context) {
		v, ok := ctx.Pop()
		if !ok {
			return
		}
		write(ctx, w, strconv.FormatInt(v, 10)+"\n")
	}
}

// memcpy pops dst, src and n, then copies n bytes from src to dst.
func memcpy(ctx *hevm.Context) {
	args, ok := ctx.PopN(3)
	if !ok {
		return
	}
	dst, src, n := args[0], args[1], args[2]
	if !checkLen(ctx, "memcpy", n) || n == 0 {
		return
	}

	mem := ctx.Memory()
	data := make([]byte, n)
	if err := mem.Read(src, data); err != nil {
		ctx.Fault(err)
		return
	}
	if err := mem.Write(dst, data); err != nil {
		ctx.Fault(err)
	}
}

// memset pops dst, c and n, then fills n bytes at dst with the low byte of c.
func memset(ctx *hevm.Context) {
	args, ok := ctx.PopN(3)
	if !ok {
		return
	}
	dst, c, n := args[0], args[1], args[2]
	if !checkLen(ctx, "memset", n) || n == 0 {
		return
	}

	buf, err := ctx.Memory().Translate(dst, int(n), true)
	if err != nil {
		ctx.Fault(err)
		return
	}
	for i := range buf {
		buf[i] = byte(c)
	}
}

// hashFunc builds a builtin that pops dst, src and n and writes the 32-byte
// digest of the n bytes at src to dst.
func hashFunc(name string, sum func([]byte) []byte) hevm.ExternalFunc {
	return func(ctx *hevm.Context) {
		args, ok := ctx.PopN(3)
		if !ok {
			return
		}
		dst, src, n := args[0], args[1], args[2]
		if !checkLen(ctx, name, n) {
			return
		}

		mem := ctx.Memory()
		data := make([]byte, n)
		if n > 0 {
			if err := mem.Read(src, data); err != nil {
				ctx.Fault(err)
				return
			}
		}
		if err := mem.Write(dst, sum(data)); err != nil {
			ctx.Fault(err)
		}
	}
}

func keccak256(b []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	return h.Sum(nil)
}

// abort crashes the VM. If the stack is not empty the top value is popped and
// reported as an exit code.
func abort(ctx *hevm.Context) {
	if ctx.StackDepth() == 0 {
		ctx.Crash("abort called")
		return
	}
	code, _ := ctx.Pop()
	ctx.Crash(fmt.Sprintf("abort called with code %d", code))
}

func checkLen(ctx *hevm.Context, name string, n int64) bool {
	if n < 0 || n > MaxMemOpSize {
		ctx.Fail(hevm.ErrInvalidOperand, "%s: invalid length %d", name, n)
		return false
	}
	return true
}

func write(ctx *hevm.Context, w io.Writer, s string) {
	if _, err := io.WriteString(w, s); err != nil {
		ctx.Fail(hevm.ErrHostCrash, "write output: %v", err)
	}
}

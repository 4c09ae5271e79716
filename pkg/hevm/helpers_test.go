package hevm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

// newVM creates a VM that is closed when the test ends.
func newVM(t *testing.T, prog Program, pool []byte, opts Opts) *VM {
	t.Helper()
	vm := New(prog, pool, opts)
	t.Cleanup(func() { vm.Close() })
	return vm
}

// runToEnd runs prog until the engine exits and returns the VM.
func runToEnd(t *testing.T, prog Program, pool []byte, opts Opts) *VM {
	t.Helper()
	vm := newVM(t, prog, pool, opts)
	require.NoError(t, vm.Run())

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	err := vm.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "program did not terminate")
	return vm
}

// stepOnce executes one instruction and waits for the VM to settle.
func stepOnce(t *testing.T, vm *VM) {
	t.Helper()
	require.NoError(t, vm.Step())
	require.Eventually(t, func() bool {
		return vm.Status() != StatusStep
	}, waitTimeout, time.Millisecond)
}

// contextWithTimeout returns a context cancelled after waitTimeout or at the
// end of the test.
func contextWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}

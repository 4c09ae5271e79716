package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/fortiblox/hevm/pkg/image"
	"github.com/fortiblox/hevm/pkg/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the CLI with args and returns what it wrote.
func execute(ctx context.Context, args ...string) (stdout, stderr string, err error) {
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--no-color", "--log-level", "warn"}, args...))
	err = cmd.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	return execute(context.Background(), args...)
}

// home points the data directory at a fresh temp dir.
func home(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HEVM_HOME", dir)
	return dir
}

func TestBuildAndInspect(t *testing.T) {
	dir := home(t)
	out := filepath.Join(dir, "greet.hevm")

	stdout, _, err := run(t, "build", "testdata/greet.toml", "-o", out)
	require.NoError(t, err)
	assert.Contains(t, stdout, "built")

	img, err := image.ReadFile(out)
	require.NoError(t, err)
	assert.Len(t, img.Program, 6)

	stdout, _, err = run(t, "inspect", out)
	require.NoError(t, err)
	assert.Contains(t, stdout, image.Sum(img).String())
	assert.Contains(t, stdout, "instructions: 6")
	assert.Contains(t, stdout, `"Hello World!"`)
	assert.Contains(t, stdout, "CALL_EXT")

	stdout, _, err = run(t, "inspect", "--no-disasm", "testdata/greet.toml")
	require.NoError(t, err)
	assert.Contains(t, stdout, "program: greet")
	assert.NotContains(t, stdout, "CALL_EXT")
}

func TestBuildErrors(t *testing.T) {
	home(t)

	_, _, err := run(t, "build", "testdata/missing.toml")
	assert.Error(t, err)

	_, _, err = run(t, "build")
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	home(t)

	stdout, stderr, err := run(t, "run", "testdata/greet.toml")
	require.NoError(t, err)
	assert.Equal(t, "Hello World!\n42\n", stdout)
	assert.Contains(t, stderr, "greet stopped after 6 steps")
}

func TestRunCrash(t *testing.T) {
	home(t)

	_, stderr, err := run(t, "run", "testdata/boom.toml")
	assert.ErrorIs(t, err, errCrashed)
	assert.Contains(t, stderr, "boom crashed")
	assert.Contains(t, stderr, "CRASH instruction called at pc 2")
	assert.Contains(t, stderr, "stack trace: [2]")
}

func TestRunLimits(t *testing.T) {
	home(t)

	_, stderr, err := run(t, "run", "--step-limit", "100", "testdata/loop.toml")
	assert.ErrorIs(t, err, errCrashed)
	assert.Contains(t, stderr, "step limit exceeded")

	_, stderr, err = run(t, "run", "--timeout", "50ms", "testdata/loop.toml")
	assert.ErrorIs(t, err, errCrashed)
	assert.Contains(t, stderr, "timeout after 50ms")
}

func TestStoreCommands(t *testing.T) {
	dir := home(t)

	stdout, _, err := run(t, "store", "put", "testdata/greet.toml")
	require.NoError(t, err)
	assert.Contains(t, stdout, "stored greet")

	_, _, err = run(t, "store", "put", "--name", "other", "testdata/loop.toml")
	require.NoError(t, err)

	stdout, _, err = run(t, "store", "ls")
	require.NoError(t, err)
	assert.Contains(t, stdout, "greet")
	assert.Contains(t, stdout, "other")
	assert.Contains(t, stdout, "2 programs")

	stdout, _, err = run(t, "run", "--no-journal", "greet")
	require.NoError(t, err)
	assert.Equal(t, "Hello World!\n42\n", stdout)

	out := filepath.Join(dir, "exported.hevm")
	_, _, err = run(t, "store", "get", "greet", "-o", out)
	require.NoError(t, err)
	img, err := image.ReadFile(out)
	require.NoError(t, err)
	assert.Len(t, img.Program, 6)

	stdout, _, err = run(t, "store", "rm", "greet")
	require.NoError(t, err)
	assert.Contains(t, stdout, "removed greet")

	_, _, err = run(t, "run", "greet")
	assert.Error(t, err)
}

func TestHistory(t *testing.T) {
	home(t)

	_, _, err := run(t, "run", "testdata/greet.toml")
	require.NoError(t, err)
	_, _, err = run(t, "run", "testdata/boom.toml")
	require.Error(t, err)
	_, _, err = run(t, "run", "testdata/greet.toml")
	require.NoError(t, err)
	_, _, err = run(t, "run", "--no-journal", "testdata/greet.toml")
	require.NoError(t, err)

	stdout, _, err := run(t, "history", "--json")
	require.NoError(t, err)
	var recs []journal.Record
	require.NoError(t, json.Unmarshal([]byte(stdout), &recs))
	require.Len(t, recs, 3)
	assert.Equal(t, "greet", recs[0].Program)
	assert.Equal(t, "boom", recs[1].Program)
	assert.Equal(t, "crashed", recs[1].Status)
	assert.Equal(t, []int64{2}, recs[1].StackTrace)
	assert.Greater(t, recs[0].ID, recs[1].ID)

	stdout, _, err = run(t, "history", "--json", "--program", "greet", "--limit", "1")
	require.NoError(t, err)
	recs = nil
	require.NoError(t, json.Unmarshal([]byte(stdout), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "greet", recs[0].Program)

	stdout, _, err = run(t, "history")
	require.NoError(t, err)
	assert.Contains(t, stdout, "boom")
	assert.Contains(t, stdout, "CRASH instruction called")

	_, _, err = run(t, "history", "999")
	assert.Error(t, err)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

func TestServeAndCtl(t *testing.T) {
	home(t)

	_, _, err := run(t, "store", "put", "testdata/loop.toml")
	require.NoError(t, err)

	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := execute(ctx, "serve", "--listen", addr)
		done <- err
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("serve did not stop")
		}
	})

	ctl := func(args ...string) (string, error) {
		stdout, _, err := run(t, append([]string{"ctl", "--addr", addr}, args...)...)
		return stdout, err
	}

	require.Eventually(t, func() bool {
		_, err := ctl("ls")
		return err == nil
	}, 10*time.Second, 20*time.Millisecond)

	stdout, err := ctl("load", "--session", "g", "--run", "testdata/greet.toml")
	require.NoError(t, err)
	assert.Contains(t, stdout, "g ")

	stdout, err = ctl("wait", "--wait", "5s", "g")
	require.NoError(t, err)
	assert.Contains(t, stdout, "stopped")

	stdout, err = ctl("output", "g")
	require.NoError(t, err)
	assert.Equal(t, "Hello World!\n42\n", stdout)

	stdout, err = ctl("load", "--session", "l", "loop")
	require.NoError(t, err)
	assert.Contains(t, stdout, "paused")

	stdout, err = ctl("step", "l")
	require.NoError(t, err)
	assert.Contains(t, stdout, "l ")

	stdout, err = ctl("ls")
	require.NoError(t, err)
	assert.Contains(t, stdout, "g")
	assert.Contains(t, stdout, "loop")

	stdout, err = ctl("crash", "l", "operator", "abort")
	require.NoError(t, err)
	assert.Contains(t, stdout, "crashed")
	assert.Contains(t, stdout, "reason: operator abort")

	_, err = ctl("close", "l")
	require.NoError(t, err)

	_, err = ctl("status", "l")
	assert.Error(t, err)
}

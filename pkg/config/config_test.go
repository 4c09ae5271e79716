package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fortiblox/hevm/pkg/hevm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("HEVM_HOME", "/tmp/hevm-home")
	cfg := DefaultConfig()

	assert.Equal(t, hevm.DataDefault, cfg.VM.DataSize)
	assert.Equal(t, "/tmp/hevm-home/programs.db", cfg.Store.Path)
	assert.Equal(t, "/tmp/hevm-home/journal", cfg.Journal.Path)
	assert.Equal(t, DefaultListen, cfg.Control.Listen)
	assert.Equal(t, DefaultLogLevel, cfg.Log.Level)
	require.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	cfg, err := Load("testdata/hevm.toml")
	require.NoError(t, err)

	assert.Equal(t, 4096, cfg.VM.DataSize)
	assert.Equal(t, uint64(1000000), cfg.VM.StepLimit)
	assert.Equal(t, 256, cfg.VM.MaxCallDepth)
	assert.Equal(t, 30*time.Second, cfg.VM.Timeout.Duration)
	assert.Equal(t, "/var/lib/hevm/programs.db", cfg.Store.Path)
	assert.True(t, cfg.Journal.InMemory)
	assert.Equal(t, "127.0.0.1:9000", cfg.Control.Listen)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	opts := cfg.VM.Opts()
	assert.Equal(t, 4096, opts.DataSize)
	assert.Equal(t, uint64(1000000), opts.StepLimit)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	_, err := Load(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)

	_, err = Load(write("syntax.toml", "[vm\n"))
	assert.ErrorContains(t, err, "parse error")

	_, err = Load(write("unknown.toml", "[vm]\nstack = 1\n"))
	assert.ErrorContains(t, err, "vm.stack")

	_, err = Load(write("duration.toml", "[vm]\ntimeout = \"soon\"\n"))
	assert.Error(t, err)

	_, err = Load(write("invalid.toml", "[vm]\ndata-size = -1\nmax-call-depth = -2\n[log]\nformat = \"xml\"\n"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "vm.data-size")
	assert.ErrorContains(t, err, "vm.max-call-depth")
	assert.ErrorContains(t, err, "log.format")
}

func TestBuildHello(t *testing.T) {
	m, err := LoadManifest("testdata/hello.toml")
	require.NoError(t, err)
	assert.Equal(t, "hello", m.Name)

	img, symbols, err := m.Build()
	require.NoError(t, err)

	assert.Equal(t, []byte("puts\x00Hello World!\x00"), img.Constants)
	assert.Equal(t, map[string]int64{"puts": 0, "msg": 5}, symbols)
	assert.Equal(t, hevm.Program{
		hevm.Ins(hevm.PUSH, 0, 0, 5),
		hevm.Ins(hevm.LOAD_VAL, 1, 0, 0),
		hevm.Ins(hevm.CALL_EXT, 1, 0, 0),
		hevm.Ins(hevm.JMP, 0, 0, 0),
	}, img.Program)
}

func TestBuildImmediates(t *testing.T) {
	m, err := ParseManifest([]byte(`
[[constant]]
name = "s"
value = "x"

[[instruction]]
op = "load_val"
a = 2
imm = -7

[[instruction]]
op = "LOAD_VAL"
a = 3
addr = "s"

[[instruction]]
label = "end"
op = "NOP"
`))
	require.NoError(t, err)

	img, _, err := m.Build()
	require.NoError(t, err)
	assert.Equal(t, int64(-7), img.Program[0].Imm)
	assert.Equal(t, hevm.VaddrConst, img.Program[1].Imm)
	assert.Equal(t, hevm.NOP, img.Program[2].Op)
}

func TestBuildErrors(t *testing.T) {
	m, err := ParseManifest([]byte(`
[[constant]]
value = "a"

[[constant]]
value = "a"

[[instruction]]
op = "HALT"

[[instruction]]
op = "PUSH"
sym = "missing"

[[instruction]]
op = "JMP"
target = "nowhere"

[[instruction]]
op = "PUSH"
imm = 1
sym = "a"

[[instruction]]
label = "x"
op = "NOP"

[[instruction]]
label = "x"
op = "NOP"
`))
	require.NoError(t, err)

	_, _, err = m.Build()
	require.Error(t, err)
	for _, want := range []string{
		`duplicate name "a"`,
		"invalid opcode",
		`undefined constant "missing"`,
		`undefined label "nowhere"`,
		"only one of",
		`duplicate label "x"`,
	} {
		assert.ErrorContains(t, err, want)
	}
}

func TestParseManifestRejectsWideRegister(t *testing.T) {
	_, err := ParseManifest([]byte("[[instruction]]\nop = \"NEG\"\na = 256\n"))
	assert.Error(t, err)
}

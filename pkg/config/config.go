// Package config handles hevm.toml runtime configuration and program
// manifests.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fortiblox/hevm/pkg/hevm"
	"github.com/hashicorp/go-multierror"
)

// Default values.
const (
	DefaultListen   = "127.0.0.1:7420"
	DefaultLogLevel = "info"
)

// Config is the runtime configuration loaded from hevm.toml.
type Config struct {
	VM      VMConfig      `toml:"vm"`
	Store   StoreConfig   `toml:"store"`
	Journal JournalConfig `toml:"journal"`
	Control ControlConfig `toml:"control"`
	Log     LogConfig     `toml:"log"`
}

// VMConfig holds per-VM limits. Zero means unlimited, except DataSize where
// zero selects the default arena size.
type VMConfig struct {
	DataSize      int      `toml:"data-size"`
	StepLimit     uint64   `toml:"step-limit"`
	MaxCallDepth  int      `toml:"max-call-depth"`
	MaxStackDepth int      `toml:"max-stack-depth"`
	Timeout       Duration `toml:"timeout"`
}

// StoreConfig configures the program library.
type StoreConfig struct {
	Path string `toml:"path"`
}

// JournalConfig configures the run journal.
type JournalConfig struct {
	Path     string `toml:"path"`
	InMemory bool   `toml:"in-memory"`
	Disabled bool   `toml:"disabled"`
}

// ControlConfig configures the gRPC control service.
type ControlConfig struct {
	Listen string `toml:"listen"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "console" or "json"
}

// Duration is a time.Duration that decodes from strings such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	dir := DataDir()
	return &Config{
		VM: VMConfig{
			DataSize: hevm.DataDefault,
		},
		Store: StoreConfig{
			Path: filepath.Join(dir, "programs.db"),
		},
		Journal: JournalConfig{
			Path: filepath.Join(dir, "journal"),
		},
		Control: ControlConfig{
			Listen: DefaultListen,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: "console",
		},
	}
}

// DataDir returns the default data directory, $HEVM_HOME or ~/.hevm.
func DataDir() string {
	if dir := os.Getenv("HEVM_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hevm"
	}
	return filepath.Join(home, ".hevm")
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.VM.DataSize < 0 || c.VM.DataSize > hevm.DataMax {
		result = multierror.Append(result, fmt.Errorf("vm.data-size must be in [0, %d], got %d", hevm.DataMax, c.VM.DataSize))
	}
	if c.VM.MaxCallDepth < 0 {
		result = multierror.Append(result, fmt.Errorf("vm.max-call-depth must not be negative"))
	}
	if c.VM.MaxStackDepth < 0 {
		result = multierror.Append(result, fmt.Errorf("vm.max-stack-depth must not be negative"))
	}
	if c.VM.Timeout.Duration < 0 {
		result = multierror.Append(result, fmt.Errorf("vm.timeout must not be negative"))
	}
	if c.Store.Path == "" {
		result = multierror.Append(result, fmt.Errorf("store.path is required"))
	}
	if c.Journal.Path == "" && !c.Journal.InMemory && !c.Journal.Disabled {
		result = multierror.Append(result, fmt.Errorf("journal.path is required unless journal.in-memory or journal.disabled is set"))
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	return result.ErrorOrNil()
}

// Opts converts the VM section into engine options.
func (c VMConfig) Opts() hevm.Opts {
	return hevm.Opts{
		DataSize:      c.DataSize,
		StepLimit:     c.StepLimit,
		MaxCallDepth:  c.MaxCallDepth,
		MaxStackDepth: c.MaxStackDepth,
	}
}

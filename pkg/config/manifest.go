package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/fortiblox/hevm/pkg/hevm"
	"github.com/fortiblox/hevm/pkg/image"
	"github.com/hashicorp/go-multierror"
)

// Manifest is a program written in TOML:
//
//	name = "hello"
//
//	[[constant]]
//	value = "puts"
//
//	[[constant]]
//	name  = "msg"
//	value = "Hello World!"
//
//	[[instruction]]
//	label = "loop"
//	op    = "PUSH"
//	sym   = "msg"
//
//	[[instruction]]
//	op  = "LOAD_VAL"
//	a   = 1
//	sym = "puts"
//
//	[[instruction]]
//	op = "CALL_EXT"
//	a  = 1
//
//	[[instruction]]
//	op     = "JMP"
//	target = "loop"
//
// Each constant is NUL-terminated and appended to the pool in order. An
// instruction's immediate comes from exactly one of imm, sym (pool offset of a
// constant), addr (virtual address of a constant) or target (address of a
// labelled instruction).
type Manifest struct {
	Name         string        `toml:"name"`
	Constants    []Constant    `toml:"constant"`
	Instructions []Instruction `toml:"instruction"`
}

// Constant is one constant pool entry. Name defaults to Value.
type Constant struct {
	Name  string `toml:"name"`
	Value string `toml:"value"`
}

// Instruction is one manifest instruction.
type Instruction struct {
	Label  string `toml:"label"`
	Op     string `toml:"op"`
	A      uint8  `toml:"a"`
	B      uint8  `toml:"b"`
	Imm    *int64 `toml:"imm"`
	Sym    string `toml:"sym"`
	Addr   string `toml:"addr"`
	Target string `toml:"target"`
}

// LoadManifest parses a program manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	return m, nil
}

// ParseManifest parses manifest TOML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Build assembles the manifest into an image. It returns the pool offset of
// every named constant. All problems are reported together.
func (m *Manifest) Build() (*image.Image, map[string]int64, error) {
	var result *multierror.Error

	var pool []byte
	symbols := make(map[string]int64, len(m.Constants))
	for i, c := range m.Constants {
		name := c.Name
		if name == "" {
			name = c.Value
		}
		if _, dup := symbols[name]; dup {
			result = multierror.Append(result, fmt.Errorf("constant %d: duplicate name %q", i, name))
			continue
		}
		symbols[name] = int64(len(pool))
		pool = append(pool, c.Value...)
		pool = append(pool, 0)
	}

	labels := make(map[string]int64)
	for i, in := range m.Instructions {
		if in.Label == "" {
			continue
		}
		if _, dup := labels[in.Label]; dup {
			result = multierror.Append(result, fmt.Errorf("instruction %d: duplicate label %q", i, in.Label))
			continue
		}
		labels[in.Label] = int64(i)
	}

	prog := make(hevm.Program, len(m.Instructions))
	for i, in := range m.Instructions {
		op, err := hevm.ParseOpcode(in.Op)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("instruction %d: %w", i, err))
			continue
		}
		imm, err := in.immediate(symbols, labels)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("instruction %d (%s): %w", i, op, err))
			continue
		}
		prog[i] = hevm.Instruction{Op: op, A: in.A, B: in.B, Imm: imm}
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, nil, err
	}
	img := image.New(prog, pool)
	if err := img.Validate(); err != nil {
		return nil, nil, err
	}
	return img, symbols, nil
}

func (in Instruction) immediate(symbols, labels map[string]int64) (int64, error) {
	set := 0
	for _, ok := range []bool{in.Imm != nil, in.Sym != "", in.Addr != "", in.Target != ""} {
		if ok {
			set++
		}
	}
	if set > 1 {
		return 0, fmt.Errorf("only one of imm, sym, addr and target may be set")
	}

	switch {
	case in.Imm != nil:
		return *in.Imm, nil
	case in.Sym != "":
		off, ok := symbols[in.Sym]
		if !ok {
			return 0, fmt.Errorf("undefined constant %q", in.Sym)
		}
		return off, nil
	case in.Addr != "":
		off, ok := symbols[in.Addr]
		if !ok {
			return 0, fmt.Errorf("undefined constant %q", in.Addr)
		}
		return hevm.VaddrConst + off, nil
	case in.Target != "":
		pc, ok := labels[in.Target]
		if !ok {
			return 0, fmt.Errorf("undefined label %q", in.Target)
		}
		return pc, nil
	}
	return 0, nil
}

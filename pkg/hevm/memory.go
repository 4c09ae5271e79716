package hevm

import (
	"encoding/binary"
	"fmt"
)

// Virtual memory region base addresses. Register values used by READ*/WRITE*
// are virtual addresses into these regions, never host pointers.
//
// - Const (0x100000000): the constant pool, read-only
// - Data  (0x200000000): the read-write data arena
//
// Address 0 is never mapped and is reported as ErrNullAddress.
const (
	VaddrConst = int64(0x1_0000_0000)
	VaddrData  = int64(0x2_0000_0000)

	regionShift = 32
	regionMask  = int64(0xFFFF_FFFF)
)

// Arena defaults.
const (
	DataDefault = 64 * 1024        // 64 KB default data arena
	DataMax     = 64 * 1024 * 1024 // 64 MB max data arena
)

// Memory is the addressable memory seen by a program: the constant pool and a
// data arena. It is not safe for concurrent use; the VM serialises access.
type Memory struct {
	ro   []byte // constant pool
	data []byte // data arena
}

func newMemory(constants []byte, dataSize int) *Memory {
	if dataSize <= 0 {
		dataSize = DataDefault
	}
	if dataSize > DataMax {
		dataSize = DataMax
	}
	return &Memory{
		ro:   constants,
		data: make([]byte, dataSize),
	}
}

// DataSize returns the size of the data arena in bytes.
func (m *Memory) DataSize() int {
	return len(m.data)
}

// Translate converts a virtual address to a memory slice of length size.
func (m *Memory) Translate(addr int64, size int, write bool) ([]byte, error) {
	if addr == 0 {
		return nil, fmt.Errorf("%w: access of %d bytes", ErrNullAddress, size)
	}
	if size < 0 {
		return nil, fmt.Errorf("%w: negative size %d at 0x%x", ErrInvalidMemoryAccess, size, addr)
	}

	hi := addr >> regionShift
	lo := addr & regionMask
	end := lo + int64(size)

	switch hi {
	case VaddrConst >> regionShift:
		if write {
			return nil, fmt.Errorf("%w: write to read-only constant pool at 0x%x", ErrInvalidMemoryAccess, addr)
		}
		if end > int64(len(m.ro)) {
			return nil, fmt.Errorf("%w: read beyond constant pool at 0x%x (size %d, max %d)", ErrInvalidMemoryAccess, addr, size, len(m.ro))
		}
		return m.ro[lo:end], nil

	case VaddrData >> regionShift:
		if end > int64(len(m.data)) {
			return nil, fmt.Errorf("%w: data access at 0x%x (size %d, arena size %d)", ErrInvalidMemoryAccess, addr, size, len(m.data))
		}
		return m.data[lo:end], nil

	default:
		return nil, fmt.Errorf("%w: unmapped region at 0x%x", ErrInvalidMemoryAccess, addr)
	}
}

// Read copies len(p) bytes starting at addr into p.
func (m *Memory) Read(addr int64, p []byte) error {
	mem, err := m.Translate(addr, len(p), false)
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

// Write copies p into memory starting at addr.
func (m *Memory) Write(addr int64, p []byte) error {
	mem, err := m.Translate(addr, len(p), true)
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

// Load reads an n-byte little-endian value (1 <= n <= 8). When signed is set
// the value is sign-extended from n bytes, otherwise it is zero-extended.
func (m *Memory) Load(addr int64, n int, signed bool) (int64, error) {
	if n < 1 || n > 8 {
		return 0, fmt.Errorf("%w: load width %d", ErrInvalidOperand, n)
	}
	mem, err := m.Translate(addr, n, false)
	if err != nil {
		return 0, err
	}
	var buf [8]byte
	copy(buf[:], mem)
	v := binary.LittleEndian.Uint64(buf[:])
	if signed && n < 8 {
		shift := uint(64 - 8*n)
		return int64(v<<shift) >> shift, nil
	}
	return int64(v), nil
}

// Store writes the low n bytes of x at addr, little-endian (1 <= n <= 8).
func (m *Memory) Store(addr int64, n int, x int64) error {
	if n < 1 || n > 8 {
		return fmt.Errorf("%w: store width %d", ErrInvalidOperand, n)
	}
	mem, err := m.Translate(addr, n, true)
	if err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(x))
	copy(mem, buf[:n])
	return nil
}

// CString reads a NUL-terminated string starting at addr. The string ends at
// the first NUL or at the end of the region.
func (m *Memory) CString(addr int64) (string, error) {
	if _, err := m.Translate(addr, 0, false); err != nil {
		return "", err
	}
	lo := addr & regionMask
	if addr>>regionShift == VaddrConst>>regionShift {
		return cstring(m.ro[lo:]), nil
	}
	return cstring(m.data[lo:]), nil
}

// cstring returns the bytes of b up to the first NUL.
func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

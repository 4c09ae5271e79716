// Package image implements the HeVM program image format.
//
// An image is a program plus its constant pool in a single binary blob:
//
//	magic   "HEVM"
//	version u16
//	flags   u16 (bit 0: body is zstd compressed)
//	length  u32 (uncompressed body length)
//	body
//
// The body holds a u32 instruction count, the instructions (12 bytes each:
// op, a, b, a zero pad byte and a little-endian i64 immediate), a u32 pool
// length and the pool bytes. All integers are little-endian.
package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/fortiblox/hevm/pkg/hevm"
	"github.com/klauspost/compress/zstd"
)

// Format constants.
const (
	Magic   = "HEVM"
	Version = uint16(1)

	FlagCompressed = uint16(1 << 0)

	HeaderSize      = 12
	InstructionSize = 12

	MaxInstructions = 1 << 20
	MaxConstants    = 16 * 1024 * 1024

	maxBodySize = 4 + MaxInstructions*InstructionSize + 4 + MaxConstants

	// minDecoderMemory is the floor of the zstd decoder's memory cap. It
	// covers the encoder's window so small bodies still decode.
	minDecoderMemory = 8 << 20
)

var (
	// ErrInvalidMagic indicates the data is not a HeVM image.
	ErrInvalidMagic = errors.New("invalid image magic")

	// ErrUnsupportedVersion indicates an image version this build cannot read.
	ErrUnsupportedVersion = errors.New("unsupported image version")

	// ErrTruncated indicates the image ended early.
	ErrTruncated = errors.New("truncated image")

	// ErrTooLarge indicates the image exceeds MaxInstructions or MaxConstants.
	ErrTooLarge = errors.New("image too large")

	// ErrCorrupted indicates inconsistent lengths or reserved bits set.
	ErrCorrupted = errors.New("corrupted image")

	// ErrDecompressionFailed indicates zstd decompression failed.
	ErrDecompressionFailed = errors.New("decompression failed")
)

// Image is a loadable program. Execution starts at instruction 0.
type Image struct {
	Program   hevm.Program
	Constants []byte
}

// New builds an image from a program and constant pool.
func New(prog hevm.Program, constants []byte) *Image {
	return &Image{Program: prog, Constants: constants}
}

// Validate checks the image against the format limits.
func (img *Image) Validate() error {
	if len(img.Program) > MaxInstructions {
		return fmt.Errorf("%w: %d instructions (max %d)", ErrTooLarge, len(img.Program), MaxInstructions)
	}
	if len(img.Constants) > MaxConstants {
		return fmt.Errorf("%w: %d constant bytes (max %d)", ErrTooLarge, len(img.Constants), MaxConstants)
	}
	return nil
}

// body serialises the uncompressed image body.
func (img *Image) body() []byte {
	buf := make([]byte, 0, 8+len(img.Program)*InstructionSize+len(img.Constants))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(img.Program)))
	for _, in := range img.Program {
		buf = append(buf, byte(in.Op), in.A, in.B, 0)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(in.Imm))
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(img.Constants)))
	return append(buf, img.Constants...)
}

// Encode serialises img, optionally compressing the body with zstd.
func Encode(img *Image, compress bool) ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	body := img.body()

	var flags uint16
	payload := body
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		payload = enc.EncodeAll(body, nil)
		enc.Close()
		flags |= FlagCompressed
	}

	out := make([]byte, 0, HeaderSize+len(payload))
	out = append(out, Magic...)
	out = binary.LittleEndian.AppendUint16(out, Version)
	out = binary.LittleEndian.AppendUint16(out, flags)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	return append(out, payload...), nil
}

// Decode parses an encoded image.
func Decode(data []byte) (*Image, error) {
	body, err := decodeBody(data)
	if err != nil {
		return nil, err
	}
	return parseBody(body)
}

func decodeBody(data []byte) ([]byte, error) {
	if len(data) < len(Magic) || !bytes.Equal(data[:len(Magic)], []byte(Magic)) {
		return nil, ErrInvalidMagic
	}
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: header is %d bytes", ErrTruncated, len(data))
	}

	version := binary.LittleEndian.Uint16(data[4:6])
	if version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	flags := binary.LittleEndian.Uint16(data[6:8])
	if flags&^FlagCompressed != 0 {
		return nil, fmt.Errorf("%w: unknown flags 0x%04x", ErrCorrupted, flags)
	}
	length := binary.LittleEndian.Uint32(data[8:12])
	if length > maxBodySize {
		return nil, fmt.Errorf("%w: body is %d bytes", ErrTooLarge, length)
	}

	payload := data[HeaderSize:]
	if flags&FlagCompressed == 0 {
		if uint32(len(payload)) < length {
			return nil, fmt.Errorf("%w: body is %d bytes, header says %d", ErrTruncated, len(payload), length)
		}
		if uint32(len(payload)) > length {
			return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupted, uint32(len(payload))-length)
		}
		return payload, nil
	}

	limit := uint64(length)
	if limit < minDecoderMemory {
		limit = minDecoderMemory
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(limit))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	body, err := dec.DecodeAll(payload, make([]byte, 0, length))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
	}
	if uint32(len(body)) != length {
		return nil, fmt.Errorf("%w: body is %d bytes, header says %d", ErrCorrupted, len(body), length)
	}
	return body, nil
}

func parseBody(body []byte) (*Image, error) {
	r := reader{buf: body}

	count, err := r.u32("instruction count")
	if err != nil {
		return nil, err
	}
	if count > MaxInstructions {
		return nil, fmt.Errorf("%w: %d instructions (max %d)", ErrTooLarge, count, MaxInstructions)
	}
	raw, err := r.bytes(int(count)*InstructionSize, "instructions")
	if err != nil {
		return nil, err
	}

	prog := make(hevm.Program, count)
	for i := range prog {
		b := raw[i*InstructionSize : (i+1)*InstructionSize]
		if b[3] != 0 {
			return nil, fmt.Errorf("%w: instruction %d has non-zero padding", ErrCorrupted, i)
		}
		prog[i] = hevm.Instruction{
			Op:  hevm.Opcode(b[0]),
			A:   b[1],
			B:   b[2],
			Imm: int64(binary.LittleEndian.Uint64(b[4:])),
		}
	}

	n, err := r.u32("pool length")
	if err != nil {
		return nil, err
	}
	if n > MaxConstants {
		return nil, fmt.Errorf("%w: %d constant bytes (max %d)", ErrTooLarge, n, MaxConstants)
	}
	pool, err := r.bytes(int(n), "constant pool")
	if err != nil {
		return nil, err
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing body bytes", ErrCorrupted, r.remaining())
	}

	return &Image{Program: prog, Constants: append([]byte(nil), pool...)}, nil
}

// ReadFile loads an image from path.
func ReadFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	img, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// WriteFile encodes img and writes it to path.
func WriteFile(path string, img *Image, compress bool) error {
	data, err := Encode(img, compress)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	return nil
}

// reader is a bounds-checked cursor over the body.
type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) bytes(n int, what string) ([]byte, error) {
	if n > r.remaining() {
		return nil, fmt.Errorf("%w: %s needs %d bytes, %d left", ErrTruncated, what, n, r.remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) u32(what string) (uint32, error) {
	b, err := r.bytes(4, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

package image

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// DigestSize is the size of an image digest in bytes.
const DigestSize = 32

// ErrInvalidDigest is returned when a digest string has the wrong length.
var ErrInvalidDigest = errors.New("invalid digest: must be 32 bytes")

// Digest identifies an image by the blake3 hash of its uncompressed body.
// Compression does not change the digest.
type Digest [DigestSize]byte

// Sum returns the digest of img.
func Sum(img *Image) Digest {
	return Digest(blake3.Sum256(img.body()))
}

// ParseDigest parses a base58-encoded digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	data, err := base58.Decode(s)
	if err != nil {
		return d, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != DigestSize {
		return d, ErrInvalidDigest
	}
	copy(d[:], data)
	return d, nil
}

// String returns the base58-encoded representation.
func (d Digest) String() string {
	return base58.Encode(d[:])
}

// Short returns the first 8 characters of the base58 form.
func (d Digest) Short() string {
	s := d.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// IsZero returns true if the digest is all zeros.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

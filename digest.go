// Package progresssync holds the types shared by every layer of the offline
// progress synchronization engine: the payload digest and the error taxonomy.
package progresssync

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// DigestSize is the size of a BLAKE3 digest in bytes (256 bits).
const DigestSize = 32

// Digest is a BLAKE3 256-bit digest of a stored payload.
type Digest [DigestSize]byte

// String returns the hex-encoded representation of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ShortString returns a shortened hex representation for logging.
func (d Digest) ShortString() string {
	return hex.EncodeToString(d[:8])
}

// IsZero returns true if the digest is all zeros (uninitialized).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	if len(text) != DigestSize*2 {
		return fmt.Errorf("invalid digest length: expected %d hex chars, got %d", DigestSize*2, len(text))
	}
	_, err := hex.Decode(d[:], text)
	return err
}

// ParseDigest parses a hex-encoded digest string.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if err := d.UnmarshalText([]byte(s)); err != nil {
		return Digest{}, err
	}
	return d, nil
}

// DigestBytes computes the BLAKE3 digest of the given bytes.
func DigestBytes(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// DigestParts computes a BLAKE3 digest over several fields, each length
// prefixed so that ("ab","c") and ("a","bc") never collide.
func DigestParts(parts ...string) Digest {
	h := blake3.New()
	var prefix [8]byte
	for _, p := range parts {
		n := uint64(len(p))
		for i := range prefix {
			prefix[i] = byte(n >> (8 * i))
		}
		_, _ = h.Write(prefix[:])
		_, _ = h.Write([]byte(p))
	}
	var d Digest
	h.Sum(d[:0])
	return d
}

package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	progresssync "github.com/wolfeidau/progress-sync"
)

const (
	// CompressionThreshold is the minimum payload size before compaction is considered.
	// zstd overhead is not worth it for smaller payloads.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed payload size.
	MaxPayloadSize = 10 * 1024 * 1024 // 10MB
)

// Encoding identifies how a payload is stored.
type Encoding string

const (
	EncodingIdentity Encoding = "identity"
	EncodingZstd     Encoding = "zstd"
)

var (
	// ErrPayloadTooLarge is returned when payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("store: payload exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed size exceeds limit.
	ErrDecompressionBomb = errors.New("store: decompressed payload exceeds maximum size")

	// ErrCorrupted is returned when payload digest verification fails.
	ErrCorrupted = errors.New("store: payload digest mismatch")
)

// Codec compacts payloads with zstd when that makes them smaller.
// Encoder and decoder are goroutine-safe and can be reused.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a new codec with a shared zstd encoder/decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{
		encoder: enc,
		decoder: dec,
	}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode compacts data if beneficial and returns the stored bytes, their
// encoding and the digest of the original payload.
func (c *Codec) Encode(data []byte) ([]byte, Encoding, progresssync.Digest, error) {
	if len(data) > MaxPayloadSize {
		return nil, EncodingIdentity, progresssync.Digest{}, ErrPayloadTooLarge
	}

	digest := progresssync.DigestBytes(data)

	if len(data) < CompressionThreshold {
		return data, EncodingIdentity, digest, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil {
		return data, EncodingIdentity, digest, nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, EncodingIdentity, digest, nil
	}

	return compressed, EncodingZstd, digest, nil
}

// Decode reverses Encode and verifies the digest of the result.
func (c *Codec) Decode(payload []byte, encoding Encoding, expected progresssync.Digest, rawSize int64) ([]byte, error) {
	var data []byte

	switch encoding {
	case EncodingIdentity, "":
		data = payload
	case EncodingZstd:
		if rawSize > MaxPayloadSize {
			return nil, ErrDecompressionBomb
		}

		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()

		if dec == nil {
			return nil, errors.New("store: decoder not initialized")
		}

		decompressed, err := dec.DecodeAll(payload, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		if len(decompressed) > MaxPayloadSize {
			return nil, ErrDecompressionBomb
		}
		data = decompressed
	default:
		return nil, fmt.Errorf("unsupported encoding: %q", encoding)
	}

	if !expected.IsZero() && progresssync.DigestBytes(data) != expected {
		return nil, ErrCorrupted
	}
	return data, nil
}

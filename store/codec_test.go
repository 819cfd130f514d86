package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	progresssync "github.com/wolfeidau/progress-sync"
)

func TestCodec_EncodeDecodeRoundTrip(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	tests := []struct {
		name    string
		data    []byte
		wantEnc Encoding
	}{
		{
			name:    "small payload stays uncompressed",
			data:    []byte(`{"completed":true}`),
			wantEnc: EncodingIdentity,
		},
		{
			name:    "empty payload",
			data:    []byte{},
			wantEnc: EncodingIdentity,
		},
		{
			name:    "large compressible payload gets compacted",
			data:    []byte(strings.Repeat(`{"answer":"b"},`, 400)),
			wantEnc: EncodingZstd,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, encoding, digest, err := codec.Encode(tt.data)
			require.NoError(t, err)
			require.Equal(t, tt.wantEnc, encoding)
			require.Equal(t, progresssync.DigestBytes(tt.data), digest)

			decoded, err := codec.Decode(payload, encoding, digest, int64(len(tt.data)))
			require.NoError(t, err)
			require.Equal(t, tt.data, decoded)
		})
	}
}

func TestCodec_IncompressibleData(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	randomish := make([]byte, 3000)
	for i := range randomish {
		randomish[i] = byte(i * 7 % 256)
	}

	payload, encoding, digest, err := codec.Encode(randomish)
	require.NoError(t, err)

	decoded, err := codec.Decode(payload, encoding, digest, int64(len(randomish)))
	require.NoError(t, err)
	require.Equal(t, randomish, decoded)
}

func TestCodec_PayloadTooLarge(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	largeData := make([]byte, MaxPayloadSize+1)
	_, _, _, err = codec.Encode(largeData)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestCodec_DigestMismatch(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	payload, encoding, _, err := codec.Encode([]byte("original"))
	require.NoError(t, err)

	_, err = codec.Decode(payload, encoding, progresssync.DigestBytes([]byte("other")), 8)
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestCodec_DecompressionBomb(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	_, err = codec.Decode([]byte("x"), EncodingZstd, progresssync.Digest{}, MaxPayloadSize+1)
	require.ErrorIs(t, err, ErrDecompressionBomb)
}

func TestCodec_UnsupportedEncoding(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	_, err = codec.Decode([]byte("x"), Encoding("brotli"), progresssync.Digest{}, 1)
	require.Error(t, err)
}

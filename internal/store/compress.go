package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Codec tags stored in collaboration_rooms.state_codec.
const (
	codecNone int16 = 0
	codecZstd int16 = 1
)

// Shared across calls; zstd encoders and decoders are safe for concurrent
// use through EncodeAll and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(256<<20))
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// compressState returns the bytes to persist and the codec used. State that
// does not shrink is stored as is.
func compressState(state []byte) ([]byte, int16) {
	if len(state) == 0 {
		return []byte{}, codecNone
	}
	compressed := zstdEncoder.EncodeAll(state, make([]byte, 0, len(state)))
	if len(compressed) >= len(state) {
		return state, codecNone
	}
	return compressed, codecZstd
}

func decompressState(data []byte, codec int16, size int) ([]byte, error) {
	switch codec {
	case codecNone:
		if len(data) != size {
			return nil, fmt.Errorf("snapshot size %d does not match expected %d", len(data), size)
		}
		return data, nil
	case codecZstd:
		state, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(state) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(state), size)
		}
		return state, nil
	default:
		return nil, fmt.Errorf("unknown snapshot codec %d", codec)
	}
}

// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package capsule

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the compression algorithm used by a
// compressed capsule. Tags are stored in the compressed-capsule
// header — changing their values breaks format compatibility.
type CompressionTag uint8

const (
	// CompressionZstd is zstd at the default level. The standard
	// choice for capsule payloads: good ratio, fast decode.
	CompressionZstd CompressionTag = 1

	// CompressionLZ4 is LZ4 block compression. Lower ratio than zstd
	// but cheaper to decode; used for capsules that must decompress
	// on the boot-critical path of constrained devices.
	CompressionLZ4 CompressionTag = 2
)

// String returns the human-readable name of a compression tag.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// zstdEncoder and zstdDecoder are reused across calls to avoid
// repeated initialization overhead. Both are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("capsule: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("capsule: zstd decoder initialization failed: " + err.Error())
	}
}

// compress compresses data with the given algorithm.
func compress(data []byte, tag CompressionTag) ([]byte, error) {
	switch tag {
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil), nil

	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(data))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 {
			// CompressBlock returns 0 for incompressible input, and
			// the format has no stored mode. Callers should use zstd
			// for such payloads.
			return nil, fmt.Errorf("lz4 compress: input is incompressible")
		}
		return destination[:written], nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// decompress decompresses data that was compressed with the given
// algorithm. The uncompressedSize must match the original length
// exactly — a mismatch returns an error.
func decompress(compressed []byte, tag CompressionTag, uncompressedSize int64) ([]byte, error) {
	switch tag {
	case CompressionZstd:
		destination := make([]byte, 0, uncompressedSize)
		result, err := zstdDecoder.DecodeAll(compressed, destination)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if int64(len(result)) != uncompressedSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
		}
		return result, nil

	case CompressionLZ4:
		destination := make([]byte, uncompressedSize)
		read, err := lz4.UncompressBlock(compressed, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if int64(read) != uncompressedSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
		}
		return destination, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

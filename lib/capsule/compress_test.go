// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package capsule

import (
	"bytes"
	"testing"
)

func TestCompressRoundtrip(t *testing.T) {
	original := bytes.Repeat([]byte("the same sixteen bytes over and over "), 64)

	for _, tag := range []CompressionTag{CompressionZstd, CompressionLZ4} {
		t.Run(tag.String(), func(t *testing.T) {
			compressed, err := compress(original, tag)
			if err != nil {
				t.Fatalf("compress failed: %v", err)
			}
			if len(compressed) >= len(original) {
				t.Errorf("compressed size %d not smaller than original %d", len(compressed), len(original))
			}

			result, err := decompress(compressed, tag, int64(len(original)))
			if err != nil {
				t.Fatalf("decompress failed: %v", err)
			}
			if !bytes.Equal(result, original) {
				t.Error("roundtrip produced different bytes")
			}
		})
	}
}

func TestDecompressRejectsSizeMismatch(t *testing.T) {
	original := bytes.Repeat([]byte("data "), 200)
	compressed, err := compress(original, CompressionZstd)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := decompress(compressed, CompressionZstd, int64(len(original))+1); err == nil {
		t.Error("decompress accepted a wrong expected size")
	}
}

func TestDecompressRejectsUnknownTag(t *testing.T) {
	if _, err := decompress([]byte("x"), CompressionTag(99), 1); err == nil {
		t.Error("decompress accepted an unknown compression tag")
	}
}

func TestCompressionTagString(t *testing.T) {
	if CompressionZstd.String() != "zstd" {
		t.Errorf("CompressionZstd.String() = %q", CompressionZstd.String())
	}
	if CompressionLZ4.String() != "lz4" {
		t.Errorf("CompressionLZ4.String() = %q", CompressionLZ4.String())
	}
}

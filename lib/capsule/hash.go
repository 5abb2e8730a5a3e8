// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package capsule

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 digest.
type Digest [32]byte

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Domain
// separation ensures that the same input bytes produce different
// digests in different contexts. The byte values are the ASCII
// encoding of the domain name, zero-padded to 32 bytes, so the keys
// are inspectable in hex dumps without sacrificing any cryptographic
// property.
type domainKey [32]byte

var (
	// payloadDomainKey is used for digests of a capsule's payload.
	// This is the digest the bundled signature covers.
	payloadDomainKey = domainKey{
		'c', 'a', 'p', 's', 'u', 'l', 'e', '.', 'p', 'a', 'y', 'l', 'o', 'a', 'd',
	}

	// fileDomainKey is used for digests of an entire capsule file.
	// Compressed capsules record the file-domain digest of their
	// decompressed form; validating a decompressed copy reduces to
	// comparing file-domain digests.
	fileDomainKey = domainKey{
		'c', 'a', 'p', 's', 'u', 'l', 'e', '.', 'f', 'i', 'l', 'e',
	}
)

// newHasher returns a BLAKE3 hasher keyed for the given domain.
func newHasher(key domainKey) *blake3.Hasher {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("capsule: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return hasher
}

// sumDigest finalizes a hasher into a Digest.
func sumDigest(hasher *blake3.Hasher) Digest {
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}

// FormatDigest returns the hex encoding of a digest. Used in log
// output and error messages.
func FormatDigest(digest Digest) string {
	return hex.EncodeToString(digest[:])
}

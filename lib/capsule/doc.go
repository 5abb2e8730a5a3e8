// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package capsule implements the capsule file format: a versioned,
// named, ed25519-signed unit of installable software content.
//
// A plain capsule (.capsule) is a CBOR header followed by the payload.
// The header carries the manifest (name, version, flags), the bundled
// public key, the BLAKE3 payload digest, and an ed25519 signature over
// that digest. Opening a capsule verifies the digest and the signature;
// a capsule that fails either check is unusable.
//
// A compressed capsule (.ccapsule) wraps an entire plain capsule file
// in zstd or lz4 compression. Its header records the digest and size of
// the decompressed plain capsule so that a decompressed copy can be
// validated against its compressed origin without trusting the copy.
package capsule

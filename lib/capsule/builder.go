// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package capsule

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/capsule-foundation/capsule/lib/codec"
)

// Builder authors capsule files. Used by packaging tooling and tests.
// The zero value is not usable: Name, Payload, and Key are required.
type Builder struct {
	// Name is the logical package name.
	Name string

	// Version is the release counter.
	Version int64

	// ProvidesSharedLibs marks a shared-library capsule.
	ProvidesSharedLibs bool

	// Payload is the capsule content.
	Payload []byte

	// Key signs the payload digest. The bundled public key is derived
	// from it.
	Key ed25519.PrivateKey
}

// GenerateKey returns a fresh ed25519 signing key for authoring
// capsules.
func GenerateKey() (ed25519.PrivateKey, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating capsule signing key: %w", err)
	}
	return key, nil
}

// encodePlain produces the full byte image of the plain capsule file.
func (b Builder) encodePlain() ([]byte, error) {
	if b.Name == "" {
		return nil, fmt.Errorf("builder has no name")
	}
	if b.Key == nil {
		return nil, fmt.Errorf("builder has no signing key")
	}

	payloadHasher := newHasher(payloadDomainKey)
	payloadHasher.Write(b.Payload)
	digest := sumDigest(payloadHasher)

	manifest := Manifest{
		Name:               b.Name,
		Version:            b.Version,
		ProvidesSharedLibs: b.ProvidesSharedLibs,
	}
	message, err := signingMessage(manifest, digest[:])
	if err != nil {
		return nil, fmt.Errorf("encoding signed fields: %w", err)
	}

	header := plainHeader{
		Manifest:  manifest,
		PublicKey: b.Key.Public().(ed25519.PublicKey),
		Digest:    digest[:],
		Signature: ed25519.Sign(b.Key, message),
	}
	headerBytes, err := codec.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("encoding header: %w", err)
	}

	image := make([]byte, 0, 8+len(headerBytes)+len(b.Payload))
	image = append(image, magicPlain...)
	image = binary.BigEndian.AppendUint32(image, uint32(len(headerBytes)))
	image = append(image, headerBytes...)
	image = append(image, b.Payload...)
	return image, nil
}

// WritePlain writes a plain capsule file at path.
func (b Builder) WritePlain(path string) error {
	image, err := b.encodePlain()
	if err != nil {
		return fmt.Errorf("building capsule %s: %w", b.Name, err)
	}
	if err := os.WriteFile(path, image, 0o644); err != nil {
		return fmt.Errorf("writing capsule %s: %w", path, err)
	}
	return nil
}

// WriteCompressed writes a compressed capsule file at path: the full
// plain capsule image compressed with the given algorithm, preceded by
// a header recording the decompressed image's size and file-domain
// digest.
func (b Builder) WriteCompressed(path string, tag CompressionTag) error {
	image, err := b.encodePlain()
	if err != nil {
		return fmt.Errorf("building capsule %s: %w", b.Name, err)
	}

	fileHasher := newHasher(fileDomainKey)
	fileHasher.Write(image)
	imageDigest := sumDigest(fileHasher)

	compressed, err := compress(image, tag)
	if err != nil {
		return fmt.Errorf("compressing capsule %s: %w", b.Name, err)
	}

	header := compressedHeader{
		Manifest: Manifest{
			Name:               b.Name,
			Version:            b.Version,
			ProvidesSharedLibs: b.ProvidesSharedLibs,
		},
		PublicKey:          b.Key.Public().(ed25519.PublicKey),
		Compression:        tag,
		DecompressedSize:   int64(len(image)),
		DecompressedDigest: imageDigest[:],
	}
	headerBytes, err := codec.Marshal(header)
	if err != nil {
		return fmt.Errorf("encoding compressed header: %w", err)
	}

	output := make([]byte, 0, 8+len(headerBytes)+len(compressed))
	output = append(output, magicCompressed...)
	output = binary.BigEndian.AppendUint32(output, uint32(len(headerBytes)))
	output = append(output, headerBytes...)
	output = append(output, compressed...)

	if err := os.WriteFile(path, output, 0o644); err != nil {
		return fmt.Errorf("writing compressed capsule %s: %w", path, err)
	}
	return nil
}

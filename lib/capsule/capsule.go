// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package capsule

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/capsule-foundation/capsule/lib/codec"
)

// File suffixes. A decompressed artifact is a byte-identical plain
// capsule whose name marks it as the materialized form of a compressed
// pre-installed capsule.
const (
	// Suffix is the plain capsule file suffix.
	Suffix = ".capsule"

	// CompressedSuffix is the compressed capsule file suffix.
	CompressedSuffix = ".ccapsule"

	// DecompressedSuffix is the suffix of capsules materialized from
	// compressed capsules into the decompression cache.
	DecompressedSuffix = ".decompressed.capsule"
)

// File magics. The four bytes at offset zero select the parser.
var (
	magicPlain      = []byte("CPSL")
	magicCompressed = []byte("CPSZ")
)

// maxHeaderSize bounds the CBOR header length read from an untrusted
// file so a corrupt length field cannot drive a huge allocation.
const maxHeaderSize = 1 << 20

// Manifest identifies a capsule. Name is the logical package identity,
// stable across versions; Version is a monotonically comparable
// release counter.
type Manifest struct {
	Name    string `cbor:"name"`
	Version int64  `cbor:"version"`

	// ProvidesSharedLibs marks shared-library capsules. Multiple
	// versions of such capsules may be active simultaneously because
	// unrelated clients may have been built against different library
	// versions.
	ProvidesSharedLibs bool `cbor:"provides_shared_libs,omitempty"`
}

// plainHeader is the CBOR header of a plain capsule.
type plainHeader struct {
	Manifest  Manifest `cbor:"manifest"`
	PublicKey []byte   `cbor:"public_key"`
	Digest    []byte   `cbor:"digest"`
	Signature []byte   `cbor:"signature"`
}

// signedFields is what the capsule signature covers: the manifest and
// the payload digest together, so neither the identity nor the content
// can be swapped independently. Serialized with deterministic CBOR so
// signer and verifier always see the same bytes.
type signedFields struct {
	Manifest Manifest `cbor:"manifest"`
	Digest   []byte   `cbor:"digest"`
}

// signingMessage returns the canonical byte string the capsule
// signature is computed over.
func signingMessage(manifest Manifest, digest []byte) ([]byte, error) {
	return codec.Marshal(signedFields{Manifest: manifest, Digest: digest})
}

// compressedHeader is the CBOR header of a compressed capsule. It
// records everything needed to validate a decompressed copy without
// trusting the copy: the file-domain digest and exact size of the
// decompressed plain capsule.
type compressedHeader struct {
	Manifest           Manifest       `cbor:"manifest"`
	PublicKey          []byte         `cbor:"public_key"`
	Compression        CompressionTag `cbor:"compression"`
	DecompressedSize   int64          `cbor:"decompressed_size"`
	DecompressedDigest []byte         `cbor:"decompressed_digest"`
}

// OpenError reports a capsule file that could not be opened: missing,
// truncated, malformed, or failing digest/signature verification.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("opening capsule %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// Capsule is an immutable, opened representation of one on-disk
// capsule file. All verification happens in Open; a Capsule in hand is
// a capsule whose digest and signature checked out (plain) or whose
// header parsed cleanly (compressed — its content is verified when
// decompressed).
type Capsule struct {
	path     string
	manifest Manifest
	key      ed25519.PublicKey

	compressed bool

	// Plain capsules only: file-domain digest of the entire file.
	fileDigest Digest

	// Compressed capsules only.
	compression        CompressionTag
	decompressedSize   int64
	decompressedDigest Digest
	payloadOffset      int64
}

// Open opens and verifies the capsule file at path. For plain
// capsules the payload digest and signature are verified; any failure
// returns an *OpenError and the file must not be used. For compressed
// capsules only the header is parsed — the content is verified against
// the header when decompressed.
func Open(path string) (*Capsule, error) {
	capsule, err := open(path)
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}
	return capsule, nil
}

func open(path string) (*Capsule, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var prefix [8]byte
	if _, err := io.ReadFull(file, prefix[:]); err != nil {
		return nil, fmt.Errorf("reading file prefix: %w", err)
	}

	headerLength := binary.BigEndian.Uint32(prefix[4:])
	if headerLength == 0 || headerLength > maxHeaderSize {
		return nil, fmt.Errorf("implausible header length %d", headerLength)
	}

	headerBytes := make([]byte, headerLength)
	if _, err := io.ReadFull(file, headerBytes); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	switch {
	case bytes.Equal(prefix[:4], magicPlain):
		return openPlain(path, file, prefix[:], headerBytes)
	case bytes.Equal(prefix[:4], magicCompressed):
		return openCompressed(path, headerBytes, int64(8+headerLength))
	default:
		return nil, fmt.Errorf("not a capsule file (bad magic %q)", prefix[:4])
	}
}

func openPlain(path string, file *os.File, prefix, headerBytes []byte) (*Capsule, error) {
	var header plainHeader
	if err := codec.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	if err := validateManifest(header.Manifest); err != nil {
		return nil, err
	}
	if len(header.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(header.PublicKey), ed25519.PublicKeySize)
	}
	if len(header.Digest) != len(Digest{}) {
		return nil, fmt.Errorf("payload digest is %d bytes, want %d", len(header.Digest), len(Digest{}))
	}
	if len(header.Signature) != ed25519.SignatureSize {
		return nil, fmt.Errorf("signature is %d bytes, want %d", len(header.Signature), ed25519.SignatureSize)
	}

	// Stream the payload once, feeding both hashers: the payload
	// digest authenticates the content, the file digest identifies
	// this exact file for decompression-validity checks.
	payloadHasher := newHasher(payloadDomainKey)
	fileHasher := newHasher(fileDomainKey)
	fileHasher.Write(prefix)
	fileHasher.Write(headerBytes)

	if _, err := io.Copy(io.MultiWriter(payloadHasher, fileHasher), file); err != nil {
		return nil, fmt.Errorf("hashing payload: %w", err)
	}

	payloadDigest := sumDigest(payloadHasher)
	if !bytes.Equal(payloadDigest[:], header.Digest) {
		return nil, fmt.Errorf("payload digest mismatch: computed %s, header %s",
			FormatDigest(payloadDigest), FormatDigest(Digest(header.Digest)))
	}
	message, err := signingMessage(header.Manifest, header.Digest)
	if err != nil {
		return nil, fmt.Errorf("encoding signed fields: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(header.PublicKey), message, header.Signature) {
		return nil, fmt.Errorf("signature verification failed")
	}

	return &Capsule{
		path:       path,
		manifest:   header.Manifest,
		key:        ed25519.PublicKey(header.PublicKey),
		fileDigest: sumDigest(fileHasher),
	}, nil
}

func openCompressed(path string, headerBytes []byte, payloadOffset int64) (*Capsule, error) {
	var header compressedHeader
	if err := codec.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("parsing compressed header: %w", err)
	}
	if err := validateManifest(header.Manifest); err != nil {
		return nil, err
	}
	if len(header.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(header.PublicKey), ed25519.PublicKeySize)
	}
	if len(header.DecompressedDigest) != len(Digest{}) {
		return nil, fmt.Errorf("decompressed digest is %d bytes, want %d", len(header.DecompressedDigest), len(Digest{}))
	}
	if header.DecompressedSize <= 0 {
		return nil, fmt.Errorf("implausible decompressed size %d", header.DecompressedSize)
	}

	return &Capsule{
		path:               path,
		manifest:           header.Manifest,
		key:                ed25519.PublicKey(header.PublicKey),
		compressed:         true,
		compression:        header.Compression,
		decompressedSize:   header.DecompressedSize,
		decompressedDigest: Digest(header.DecompressedDigest),
		payloadOffset:      payloadOffset,
	}, nil
}

func validateManifest(manifest Manifest) error {
	if manifest.Name == "" {
		return fmt.Errorf("manifest has empty name")
	}
	if strings.ContainsAny(manifest.Name, "/@") {
		return fmt.Errorf("manifest name %q contains reserved characters", manifest.Name)
	}
	if manifest.Version < 0 {
		return fmt.Errorf("manifest version %d is negative", manifest.Version)
	}
	return nil
}

// Name returns the logical package name.
func (c *Capsule) Name() string { return c.manifest.Name }

// Version returns the release counter.
func (c *Capsule) Version() int64 { return c.manifest.Version }

// Path returns the filesystem path this capsule was opened from.
func (c *Capsule) Path() string { return c.path }

// Manifest returns a copy of the capsule manifest.
func (c *Capsule) Manifest() Manifest { return c.manifest }

// PublicKey returns the bundled ed25519 trust key.
func (c *Capsule) PublicKey() ed25519.PublicKey { return c.key }

// IsCompressed reports whether this file is a compressed wrapper
// requiring decompression before use.
func (c *Capsule) IsCompressed() bool { return c.compressed }

// ProvidesSharedLibs reports whether this is a shared-library capsule,
// exempt from single-winner activation.
func (c *Capsule) ProvidesSharedLibs() bool { return c.manifest.ProvidesSharedLibs }

// FileDigest returns the file-domain digest of a plain capsule file.
// Zero for compressed capsules.
func (c *Capsule) FileDigest() Digest { return c.fileDigest }

// String returns "name@version" for log output.
func (c *Capsule) String() string {
	return fmt.Sprintf("%s@%d", c.manifest.Name, c.manifest.Version)
}

// Decompress materializes the wrapped plain capsule at destination.
// Only valid on compressed capsules. The destination is written with
// mode 0644 and synced before return; the caller is responsible for
// atomic placement (write to a temp path, validate, rename).
func (c *Capsule) Decompress(destination string) error {
	if !c.compressed {
		return fmt.Errorf("capsule %s is not compressed", c)
	}

	file, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("reopening %s: %w", c.path, err)
	}
	defer file.Close()

	if _, err := file.Seek(c.payloadOffset, io.SeekStart); err != nil {
		return fmt.Errorf("seeking to compressed payload: %w", err)
	}
	compressedBytes, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("reading compressed payload: %w", err)
	}

	decompressed, err := decompress(compressedBytes, c.compression, c.decompressedSize)
	if err != nil {
		return fmt.Errorf("decompressing %s: %w", c, err)
	}

	output, err := os.OpenFile(destination, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", destination, err)
	}
	if _, err := output.Write(decompressed); err != nil {
		output.Close()
		return fmt.Errorf("writing %s: %w", destination, err)
	}
	if err := output.Sync(); err != nil {
		output.Close()
		return fmt.Errorf("syncing %s: %w", destination, err)
	}
	return output.Close()
}

// VerifyDecompressed validates a decompressed plain capsule against
// this compressed original: the bundled keys must be identical, the
// versions equal, and the decompressed file's digest must match the
// digest recorded in the compressed header. Only valid on compressed
// capsules.
func (c *Capsule) VerifyDecompressed(decompressed *Capsule) error {
	if !c.compressed {
		return fmt.Errorf("capsule %s is not compressed", c)
	}
	if decompressed.compressed {
		return fmt.Errorf("capsule %s is not a decompressed capsule", decompressed)
	}
	if !bytes.Equal(c.key, decompressed.key) {
		return fmt.Errorf("public key of %s differs from compressed original", decompressed)
	}
	if c.manifest.Version != decompressed.manifest.Version {
		return fmt.Errorf("version of %s differs from compressed original %s", decompressed, c)
	}
	if decompressed.fileDigest != c.decompressedDigest {
		return fmt.Errorf("digest of %s does not match compressed original: got %s, want %s",
			decompressed, FormatDigest(decompressed.fileDigest), FormatDigest(c.decompressedDigest))
	}
	return nil
}

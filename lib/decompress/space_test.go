// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package decompress

import (
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/capsule-foundation/capsule/lib/capsule"
	"github.com/capsule-foundation/capsule/lib/repository"
)

// spaceEnv builds a populated repository for the allocation decision
// tests: one pre-installed capsule, optionally shadowed by a data-dir
// update or a decompression artifact.
type spaceEnv struct {
	t                *testing.T
	key              ed25519.PrivateKey
	builtinDir       string
	dataDir          string
	decompressionDir string
}

func newSpaceEnv(t *testing.T) *spaceEnv {
	t.Helper()
	root := t.TempDir()
	env := &spaceEnv{
		t:                t,
		key:              testKey(t),
		builtinDir:       filepath.Join(root, "builtin"),
		dataDir:          filepath.Join(root, "data"),
		decompressionDir: filepath.Join(root, "decompressed"),
	}
	for _, dir := range []string{env.builtinDir, env.dataDir, env.decompressionDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return env
}

func (e *spaceEnv) builder(version int64) capsule.Builder {
	return capsule.Builder{
		Name: "com.example.cm", Version: version, Payload: []byte("content"), Key: e.key,
	}
}

func (e *spaceEnv) write(dir, basename string, version int64) {
	e.t.Helper()
	if err := e.builder(version).WritePlain(filepath.Join(dir, basename)); err != nil {
		e.t.Fatalf("WritePlain failed: %v", err)
	}
}

func (e *spaceEnv) writeCompressed(dir, basename string, version int64) {
	e.t.Helper()
	err := e.builder(version).WriteCompressed(filepath.Join(dir, basename), capsule.CompressionZstd)
	if err != nil {
		e.t.Fatalf("WriteCompressed failed: %v", err)
	}
}

func (e *spaceEnv) repo() *repository.Repository {
	e.t.Helper()
	repo := repository.New(repository.Config{DecompressionDir: e.decompressionDir})
	if err := repo.AddPreInstalled([]string{e.builtinDir}); err != nil {
		e.t.Fatalf("AddPreInstalled failed: %v", err)
	}
	if err := repo.AddData(e.dataDir); err != nil {
		e.t.Fatalf("AddData failed: %v", err)
	}
	return repo
}

func TestShouldAllocateWithoutDataVersion(t *testing.T) {
	env := newSpaceEnv(t)
	env.write(env.builtinDir, "com.example.cm.capsule", 1)
	repo := env.repo()

	if !ShouldAllocateSpaceForDecompression("com.example.cm", 2, repo) {
		t.Error("expected allocation with no data version present")
	}
}

func TestShouldAllocateWithDecompressedArtifact(t *testing.T) {
	env := newSpaceEnv(t)
	env.writeCompressed(env.builtinDir, "com.example.cm.ccapsule", 5)
	env.write(env.decompressionDir, nameAt("com.example.cm", 5), 5)
	repo := env.repo()

	// A cached artifact of exactly the incoming version is reused, so
	// no new space is needed; any other version forces a fresh
	// decompression.
	if ShouldAllocateSpaceForDecompression("com.example.cm", 5, repo) {
		t.Error("expected no allocation when the artifact matches the incoming version")
	}
	if !ShouldAllocateSpaceForDecompression("com.example.cm", 6, repo) {
		t.Error("expected allocation for a newer incoming version")
	}
	if !ShouldAllocateSpaceForDecompression("com.example.cm", 4, repo) {
		t.Error("expected allocation for an older incoming version")
	}
}

func TestShouldAllocateWithDeliveredUpdate(t *testing.T) {
	env := newSpaceEnv(t)
	env.write(env.builtinDir, "com.example.cm.capsule", 1)
	env.write(env.dataDir, "com.example.cm.capsule", 5)
	repo := env.repo()

	// A delivered update of this version or newer outranks the
	// incoming decompression; only a strictly newer incoming version
	// needs room.
	if ShouldAllocateSpaceForDecompression("com.example.cm", 4, repo) {
		t.Error("expected no allocation when the update is newer than the incoming version")
	}
	if ShouldAllocateSpaceForDecompression("com.example.cm", 5, repo) {
		t.Error("expected no allocation when the update matches the incoming version")
	}
	if !ShouldAllocateSpaceForDecompression("com.example.cm", 6, repo) {
		t.Error("expected allocation when the incoming version is newer than the update")
	}
}

func reservationSize(t *testing.T, dir string) (int64, bool) {
	t.Helper()
	info, err := os.Stat(filepath.Join(dir, reservedFileName))
	if os.IsNotExist(err) {
		return 0, false
	}
	if err != nil {
		t.Fatal(err)
	}
	return info.Size(), true
}

func TestReserveSpaceCreatesSentinel(t *testing.T) {
	dir := t.TempDir()
	if err := ReserveSpaceForOTA(4096, dir); err != nil {
		t.Fatalf("ReserveSpaceForOTA failed: %v", err)
	}
	size, ok := reservationSize(t, dir)
	if !ok || size != 4096 {
		t.Errorf("reservation = %d bytes (present=%v), want 4096", size, ok)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("destination holds %d files, want exactly the sentinel", len(entries))
	}
}

func TestReserveSpaceResizesSentinel(t *testing.T) {
	dir := t.TempDir()
	for _, size := range []int64{4096, 8192, 1024} {
		if err := ReserveSpaceForOTA(size, dir); err != nil {
			t.Fatalf("ReserveSpaceForOTA(%d) failed: %v", size, err)
		}
		got, ok := reservationSize(t, dir)
		if !ok || got != size {
			t.Errorf("after reserving %d: sentinel = %d bytes (present=%v)", size, got, ok)
		}
	}
}

func TestReserveSpaceZeroDeletesSentinel(t *testing.T) {
	dir := t.TempDir()
	if err := ReserveSpaceForOTA(4096, dir); err != nil {
		t.Fatal(err)
	}
	if err := ReserveSpaceForOTA(0, dir); err != nil {
		t.Fatalf("ReserveSpaceForOTA(0) failed: %v", err)
	}
	if _, ok := reservationSize(t, dir); ok {
		t.Error("size zero did not delete the sentinel")
	}

	// Deleting an absent sentinel is not an error.
	if err := ReserveSpaceForOTA(0, dir); err != nil {
		t.Errorf("ReserveSpaceForOTA(0) on empty dir failed: %v", err)
	}
}

func TestReserveSpaceRejectsNegativeSize(t *testing.T) {
	dir := t.TempDir()
	if err := ReserveSpaceForOTA(4096, dir); err != nil {
		t.Fatal(err)
	}

	err := ReserveSpaceForOTA(-1, dir)
	if !errors.Is(err, ErrNegativeSize) {
		t.Fatalf("ReserveSpaceForOTA(-1) = %v, want ErrNegativeSize", err)
	}

	// The failed call leaves the prior reservation untouched.
	size, ok := reservationSize(t, dir)
	if !ok || size != 4096 {
		t.Errorf("reservation after failed call = %d bytes (present=%v), want 4096", size, ok)
	}
}

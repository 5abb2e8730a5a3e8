// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package decompress

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/capsule-foundation/capsule/lib/repository"
)

// reservedFileName is the single sentinel file maintained by
// ReserveSpaceForOTA in its destination directory.
const reservedFileName = "reserved.tmp"

// ErrNegativeSize is returned by ReserveSpaceForOTA for a negative
// reservation size.
var ErrNegativeSize = errors.New("reservation size cannot be negative")

// ShouldAllocateSpaceForDecompression reports whether disk space must
// be reserved before decompressing an incoming OTA capsule of the
// given name and version.
//
// No reservation is needed when the data store already holds a
// decompression artifact of exactly this version (it will be reused
// as-is on the next boot), or a delivered update of this version or
// newer (it outranks the incoming decompression entirely).
func ShouldAllocateSpaceForDecompression(name string, version int64, repo *repository.Repository) bool {
	if !repo.HasData(name) {
		return true
	}
	existing := repo.GetData(name)
	if repo.IsDecompressed(existing) {
		return existing.Version() != version
	}
	return existing.Version() < version
}

// ReserveSpaceForOTA maintains exactly one sentinel file of the given
// length in destDir, pre-committing filesystem space before a real
// decompression runs. Calling it again resizes the same sentinel;
// size zero deletes it; a negative size is an input error
// (ErrNegativeSize) and leaves prior state untouched.
func ReserveSpaceForOTA(size int64, destDir string) error {
	if size < 0 {
		return fmt.Errorf("reserving %d bytes in %s: %w", size, destDir, ErrNegativeSize)
	}

	path := filepath.Join(destDir, reservedFileName)
	if size == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing space reservation %s: %w", path, err)
		}
		return nil
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("creating space reservation %s: %w", path, err)
	}
	defer file.Close()

	if err := file.Truncate(size); err != nil {
		return fmt.Errorf("resizing space reservation %s to %d: %w", path, size, err)
	}

	// Truncate alone leaves a sparse file; fallocate commits real
	// blocks so the reservation actually protects against ENOSPC.
	// Filesystems without fallocate support keep the sparse sentinel.
	err = unix.Fallocate(int(file.Fd()), 0, 0, size)
	if err != nil && !errors.Is(err, unix.EOPNOTSUPP) && !errors.Is(err, unix.ENOSYS) {
		return fmt.Errorf("allocating %d bytes for %s: %w", size, path, err)
	}
	return nil
}

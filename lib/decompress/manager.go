// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package decompress

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/capsule-foundation/capsule/lib/capsule"
)

// Manager materializes compressed pre-installed capsules into the
// decompression cache and links them into the active directory. Not
// safe for concurrent use on overlapping directories; the boot
// sequencer runs it single-threaded.
type Manager struct {
	decompressionDir string
	activeDir        string
	logger           *slog.Logger
}

// NewManager creates a manager over the given cache and active
// directories. If logger is nil, slog.Default() is used.
func NewManager(decompressionDir, activeDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		decompressionDir: decompressionDir,
		activeDir:        activeDir,
		logger:           logger,
	}
}

// artifactName returns the structural identity of a decompression
// artifact: {name}@{version}{decompressed-suffix}. The same basename
// is used in the cache and active directories; the two entries must be
// hardlinks of one inode for the artifact to be live.
func artifactName(c *capsule.Capsule) string {
	return fmt.Sprintf("%s@%d%s", c.Name(), c.Version(), capsule.DecompressedSuffix)
}

// ProcessCompressed materializes each compressed capsule as a
// verified plain capsule in the cache, hardlinked into the active
// directory, and returns handles opened from the active paths (the
// cache copy exists only to be relinked). Safe to invoke on every
// boot: an artifact that is already materialized and linked is left
// untouched, timestamps included.
//
// Per-capsule failures are logged and the capsule excluded from the
// result; one bad compressed capsule must not block the others.
func (m *Manager) ProcessCompressed(compressed []*capsule.Capsule) []*capsule.Capsule {
	result := make([]*capsule.Capsule, 0, len(compressed))
	for _, c := range compressed {
		active, err := m.processOne(c)
		if err != nil {
			m.logger.Error("skipping compressed capsule", "capsule", c.String(), "error", err)
			continue
		}
		result = append(result, active)
	}
	return result
}

func (m *Manager) processOne(c *capsule.Capsule) (*capsule.Capsule, error) {
	if !c.IsCompressed() {
		return nil, fmt.Errorf("capsule %s at %s is not compressed", c, c.Path())
	}

	cachePath := filepath.Join(m.decompressionDir, artifactName(c))
	activePath := filepath.Join(m.activeDir, artifactName(c))

	// Reuse an artifact decompressed on a previous boot if it still
	// validates against the compressed original. If the active
	// hardlink is also intact there is nothing to do at all.
	if cached, err := capsule.Open(cachePath); err == nil {
		if err := c.VerifyDecompressed(cached); err == nil {
			if equivalent(cachePath, activePath) {
				m.logger.Info("reusing linked decompression artifact", "path", cachePath)
				return openActive(activePath)
			}
			m.logger.Info("relinking decompression artifact", "path", cachePath)
			if err := link(cachePath, activePath); err != nil {
				return nil, err
			}
			return openActive(activePath)
		}
		m.logger.Warn("discarding stale decompression artifact", "path", cachePath)
	}

	// Decompress to a temporary file so a partial write is never
	// visible at the final path, validate, then rename into place.
	temporary := cachePath + ".tmp"
	if err := c.Decompress(temporary); err != nil {
		os.Remove(temporary)
		return nil, err
	}

	decompressed, err := capsule.Open(temporary)
	if err != nil {
		os.Remove(temporary)
		return nil, fmt.Errorf("decompressed capsule is unusable: %w", err)
	}
	if err := c.VerifyDecompressed(decompressed); err != nil {
		os.Remove(temporary)
		return nil, fmt.Errorf("decompressed capsule failed validation: %w", err)
	}

	if err := os.Rename(temporary, cachePath); err != nil {
		os.Remove(temporary)
		return nil, fmt.Errorf("moving decompression artifact into place: %w", err)
	}
	if err := link(cachePath, activePath); err != nil {
		return nil, err
	}
	return openActive(activePath)
}

func openActive(activePath string) (*capsule.Capsule, error) {
	active, err := capsule.Open(activePath)
	if err != nil {
		return nil, fmt.Errorf("opening active decompression artifact: %w", err)
	}
	return active, nil
}

// link creates (or replaces) the active-directory hardlink for a cache
// artifact.
func link(cachePath, activePath string) error {
	if err := os.Remove(activePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale active entry %s: %w", activePath, err)
	}
	if err := os.Link(cachePath, activePath); err != nil {
		return fmt.Errorf("linking %s into active directory: %w", cachePath, err)
	}
	return nil
}

// equivalent reports whether the two paths name one filesystem object:
// same device and same inode. Name or content comparison would accept
// a distinct copy; inode identity is the liveness signal.
func equivalent(pathA, pathB string) bool {
	var statA, statB unix.Stat_t
	if err := unix.Stat(pathA, &statA); err != nil {
		return false
	}
	if err := unix.Stat(pathB, &statB); err != nil {
		return false
	}
	return statA.Dev == statB.Dev && statA.Ino == statB.Ino
}

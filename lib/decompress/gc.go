// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package decompress

import (
	"os"
	"path/filepath"
)

// RemoveUnlinked garbage-collects the decompression cache: every file
// directly in the cache directory whose same-named active-directory
// entry is not a hardlink of it (missing, a distinct copy, or linked
// under a different filename) is deleted. Artifacts decompressed on a
// previous boot but since superseded or orphaned are reclaimed this
// way, with no reference-count ledger.
//
// Invoked after activation decisions are finalized. Best-effort:
// failures are logged and never block boot.
func (m *Manager) RemoveUnlinked() {
	entries, err := os.ReadDir(m.decompressionDir)
	if err != nil {
		m.logger.Error("reading decompression cache for cleanup", "dir", m.decompressionDir, "error", err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		cachePath := filepath.Join(m.decompressionDir, entry.Name())
		activePath := filepath.Join(m.activeDir, entry.Name())
		if equivalent(cachePath, activePath) {
			continue
		}
		m.logger.Info("removing unlinked decompression artifact", "path", cachePath)
		if err := os.Remove(cachePath); err != nil {
			m.logger.Error("removing unlinked decompression artifact", "path", cachePath, "error", err)
		}
	}
}

// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package decompress manages the decompression cache for compressed
// pre-installed capsules: it materializes verified plain capsules in
// the cache directory, hardlinks them into the active data directory,
// reserves disk space ahead of OTA decompression, and garbage-collects
// cache entries whose active hardlink is gone.
//
// Liveness of a cache artifact is derived entirely from the
// filesystem: an artifact is live iff the active directory holds a
// hardlink to it (same device and inode). Two directory entries over
// one payload give a crash-safe, restart-safe liveness signal with no
// auxiliary ledger to keep consistent.
package decompress

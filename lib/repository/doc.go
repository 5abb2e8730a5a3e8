// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package repository catalogs the capsules known to the device: the
// pre-installed set shipped in the read-only system image and the
// updated set delivered later into the writable data area.
//
// The repository enforces the trust chain across scans: at most one
// pre-installed capsule per name, a stable bundled key per name, and
// no data-area capsule without a matching pre-installed identity. A
// violation of the first two is an IntegrityError — the trust model
// itself is broken and the boot sequencer must treat it as fatal. A
// violation of the third is benign: the untrusted candidate is logged
// and ignored.
//
// Population (AddPreInstalled, AddData) is single-threaded; once it
// completes, all query methods are safe for concurrent readers because
// the underlying maps are never mutated again outside Reset.
package repository

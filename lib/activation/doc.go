// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package activation decides, per package name, which physical capsule
// file (or, for shared-library capsules, which set of files) is made
// available to the rest of the system on this boot.
package activation

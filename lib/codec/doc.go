// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides CBOR encoding and decoding for capsule
// headers and activation reports.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2) so that
// the same logical data always produces identical bytes. Capsule
// headers sit in front of hashed, signed content; byte-stable
// encoding keeps header round-trips from perturbing anything a
// digest covers.
package codec

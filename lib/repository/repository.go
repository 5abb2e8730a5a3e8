// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/capsule-foundation/capsule/lib/capsule"
)

// IntegrityError reports a broken trust chain: duplicate pre-installed
// identities or a bundled key that changed between scans of the
// read-only image. It is not recoverable — the boot sequencer is
// contractually required to treat it as a hard process stop. Keeping
// it a distinct type prevents it from being swallowed as an ordinary
// error.
type IntegrityError struct {
	Name   string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("capsule integrity violation for %q: %s", e.Name, e.Reason)
}

// Config configures a Repository.
type Config struct {
	// DecompressionDir is the decompression cache directory. A data
	// capsule whose path lies under this directory is a decompression
	// artifact. AddData scans it for decompressed capsules.
	DecompressionDir string

	// DuplicateExemption, if non-nil, reports whether a duplicate
	// pre-installed entry for the given name is tolerated (logged
	// instead of fatal). Known dual-image build artifacts on
	// development builds are the only expected use.
	DuplicateExemption func(name string) bool

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Repository owns the pre-installed and data capsule stores. Construct
// with New, populate single-threaded with AddPreInstalled then
// AddData, then read from any number of goroutines.
type Repository struct {
	config Config
	logger *slog.Logger

	preinstalled map[string]*capsule.Capsule
	data         map[string]*capsule.Capsule
}

// New creates an empty repository.
func New(config Config) *Repository {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		config:       config,
		logger:       logger,
		preinstalled: make(map[string]*capsule.Capsule),
		data:         make(map[string]*capsule.Capsule),
	}
}

// AddPreInstalled scans the given read-only directories for plain and
// compressed capsules and records them in the pre-installed store. A
// missing directory is skipped. Pre-installed content is trusted by
// construction, so any capsule that fails to open aborts the whole
// call: an unreadable file there means the system image is corrupt.
//
// Duplicate names with distinct paths, or a bundled key that differs
// from a previous scan of the same path, return an *IntegrityError.
// Re-scanning the same directory is idempotent.
func (r *Repository) AddPreInstalled(dirs []string) error {
	for _, dir := range dirs {
		if err := r.scanPreInstalledDir(dir); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) scanPreInstalledDir(dir string) error {
	r.logger.Info("scanning for pre-installed capsules", "dir", dir)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		r.logger.Warn("pre-installed capsule directory does not exist, skipping", "dir", dir)
		return nil
	}

	paths, err := findBySuffix(dir, capsule.Suffix, capsule.CompressedSuffix)
	if err != nil {
		return err
	}

	for _, path := range paths {
		opened, err := capsule.Open(path)
		if err != nil {
			return fmt.Errorf("pre-installed capsule is unusable: %w", err)
		}

		name := opened.Name()
		existing, ok := r.preinstalled[name]
		switch {
		case !ok:
			r.logger.Info("found pre-installed capsule", "path", path, "name", name, "version", opened.Version())
			r.preinstalled[name] = opened

		case existing.Path() != opened.Path():
			if r.config.DuplicateExemption != nil && r.config.DuplicateExemption(name) {
				r.logger.Info("tolerating duplicate pre-installed capsule",
					"name", name, "kept", existing.Path(), "ignored", opened.Path())
				continue
			}
			return &IntegrityError{
				Name: name,
				Reason: fmt.Sprintf("two pre-installed capsules %s and %s share the name",
					existing.Path(), opened.Path()),
			}

		case !bytes.Equal(existing.PublicKey(), opened.PublicKey()):
			return &IntegrityError{
				Name:   name,
				Reason: fmt.Sprintf("public key of %s has unexpectedly changed", existing.Path()),
			}
		}
	}
	return nil
}

// AddData scans the writable data directory for update capsules and
// the decompression cache for decompressed artifacts, and records the
// winning candidate per name in the data store. The writable area is
// untrusted: per-file failures are logged and skipped, and candidates
// that do not chain to a pre-installed identity are discarded.
func (r *Repository) AddData(dataDir string) error {
	r.logger.Info("scanning for data capsules",
		"data_dir", dataDir, "decompression_dir", r.config.DecompressionDir)
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		r.logger.Warn("data capsule directory does not exist, skipping", "dir", dataDir)
		return nil
	}

	updated, err := findBySuffix(dataDir, capsule.Suffix)
	if err != nil {
		return err
	}
	var decompressed []string
	if r.config.DecompressionDir != "" {
		if _, err := os.Stat(r.config.DecompressionDir); err == nil {
			decompressed, err = findBySuffix(r.config.DecompressionDir, capsule.DecompressedSuffix)
			if err != nil {
				return err
			}
		}
	}

	for _, path := range append(updated, decompressed...) {
		opened, err := capsule.Open(path)
		if err != nil {
			r.logger.Error("skipping unreadable data capsule", "path", path, "error", err)
			continue
		}

		name := opened.Name()
		if !r.HasPreInstalled(name) {
			r.logger.Error("skipping data capsule with no pre-installed counterpart", "path", path, "name", name)
			continue
		}
		trustedKey, err := r.GetPublicKey(name)
		if err != nil || !bytes.Equal(trustedKey, opened.PublicKey()) {
			r.logger.Error("skipping data capsule whose key does not match the pre-installed one",
				"path", path, "name", name)
			continue
		}

		if r.IsDecompressed(opened) {
			// A decompression artifact is only valid as the
			// materialized form of a compressed pre-installed
			// capsule, and must verify against that exact original.
			preinstalled := r.GetPreInstalled(name)
			if !preinstalled.IsCompressed() {
				r.logger.Error("skipping decompressed capsule whose pre-installed counterpart is not compressed",
					"path", path, "name", name)
				continue
			}
			if err := preinstalled.VerifyDecompressed(opened); err != nil {
				r.logger.Warn("skipping decompressed capsule that fails validation", "path", path, "error", err)
				continue
			}
		} else if strings.HasSuffix(path, capsule.DecompressedSuffix) {
			// Decompressed artifacts live in the decompression dir;
			// their hardlinks in the data dir are managed by the
			// decompression cache, not treated as updates.
			r.logger.Warn("skipping capsule with decompressed suffix outside the decompression dir", "path", path)
			continue
		}

		existing, ok := r.data[name]
		if !ok {
			r.data[name] = opened
			continue
		}

		// Among multiple candidates for one name, keep the higher
		// version; a freshly delivered update outranks a previously
		// cached decompression of the same version.
		higherVersion := opened.Version() > existing.Version()
		preferredOrigin := opened.Version() == existing.Version() && !r.IsDecompressed(opened)
		if higherVersion || preferredOrigin {
			r.data[name] = opened
		}
	}
	return nil
}

// HasPreInstalled reports whether a pre-installed capsule with the
// given name exists.
func (r *Repository) HasPreInstalled(name string) bool {
	_, ok := r.preinstalled[name]
	return ok
}

// HasData reports whether a data capsule with the given name exists.
func (r *Repository) HasData(name string) bool {
	_, ok := r.data[name]
	return ok
}

// GetPublicKey returns the trusted bundled key for name, from the
// pre-installed store.
func (r *Repository) GetPublicKey(name string) (ed25519.PublicKey, error) {
	entry, ok := r.preinstalled[name]
	if !ok {
		return nil, fmt.Errorf("no pre-installed capsule named %q", name)
	}
	return entry.PublicKey(), nil
}

// GetPreinstalledPath returns the path of the pre-installed capsule
// for name.
func (r *Repository) GetPreinstalledPath(name string) (string, error) {
	entry, ok := r.preinstalled[name]
	if !ok {
		return "", fmt.Errorf("no pre-installed capsule named %q", name)
	}
	return entry.Path(), nil
}

// GetDataPath returns the path of the data capsule for name.
func (r *Repository) GetDataPath(name string) (string, error) {
	entry, ok := r.data[name]
	if !ok {
		return "", fmt.Errorf("no data capsule named %q", name)
	}
	return entry.Path(), nil
}

// GetPreInstalled returns the pre-installed capsule for name. Callers
// must check HasPreInstalled first; a missing entry is a programming
// error and panics.
func (r *Repository) GetPreInstalled(name string) *capsule.Capsule {
	entry, ok := r.preinstalled[name]
	if !ok {
		panic(fmt.Sprintf("repository: no pre-installed capsule named %q", name))
	}
	return entry
}

// GetData returns the data capsule for name. Callers must check
// HasData first; a missing entry is a programming error and panics.
func (r *Repository) GetData(name string) *capsule.Capsule {
	entry, ok := r.data[name]
	if !ok {
		panic(fmt.Sprintf("repository: no data capsule named %q", name))
	}
	return entry
}

// IsDecompressed reports whether c is a decompression artifact: a
// capsule whose path lies under the decompression cache directory.
func (r *Repository) IsDecompressed(c *capsule.Capsule) bool {
	if r.config.DecompressionDir == "" {
		return false
	}
	return strings.HasPrefix(c.Path(), r.config.DecompressionDir+string(filepath.Separator))
}

// IsPreInstalled reports whether c is the authoritative system copy
// for its name: either the recorded pre-installed file itself, or a
// decompression artifact (which stands in for a compressed
// pre-installed capsule).
func (r *Repository) IsPreInstalled(c *capsule.Capsule) bool {
	entry, ok := r.preinstalled[c.Name()]
	if !ok {
		return false
	}
	return entry.Path() == c.Path() || r.IsDecompressed(c)
}

// PreInstalled returns all pre-installed capsules.
func (r *Repository) PreInstalled() []*capsule.Capsule {
	result := make([]*capsule.Capsule, 0, len(r.preinstalled))
	for _, entry := range r.preinstalled {
		result = append(result, entry)
	}
	return result
}

// Data returns all data capsules.
func (r *Repository) Data() []*capsule.Capsule {
	result := make([]*capsule.Capsule, 0, len(r.data))
	for _, entry := range r.data {
		result = append(result, entry)
	}
	return result
}

// AllByName groups every known capsule (pre-installed and data) by
// package name.
func (r *Repository) AllByName() map[string][]*capsule.Capsule {
	result := make(map[string][]*capsule.Capsule, len(r.preinstalled))
	for _, entry := range r.preinstalled {
		result[entry.Name()] = append(result[entry.Name()], entry)
	}
	for _, entry := range r.data {
		result[entry.Name()] = append(result[entry.Name()], entry)
	}
	return result
}

// Reset clears both stores. Test and reinitialization use only; must
// never run concurrently with readers.
func (r *Repository) Reset() {
	r.preinstalled = make(map[string]*capsule.Capsule)
	r.data = make(map[string]*capsule.Capsule)
}

// findBySuffix returns the files directly in dir whose names end in
// one of the given suffixes, sorted for deterministic scan order.
// Subdirectories are not entered.
func findBySuffix(dir string, suffixes ...string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading directory %s: %w", dir, err)
	}

	var result []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		for _, suffix := range suffixes {
			if strings.HasSuffix(entry.Name(), suffix) {
				result = append(result, filepath.Join(dir, entry.Name()))
				break
			}
		}
	}
	sort.Strings(result)
	return result, nil
}

// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Capsuled is the boot-time capsule sequencer. It catalogs the
// device's pre-installed and updated capsules, decides which physical
// file is authoritative per package name, materializes compressed
// winners through the decompression cache, and garbage-collects
// orphaned cache artifacts.
//
// On startup:
//  1. Loads configuration (--config flag or CAPSULED_CONFIG).
//  2. Scans the read-only pre-installed directories, then the
//     writable data area, into the repository.
//  3. Selects the activation set per package name.
//  4. Decompresses compressed winners into the cache and swaps the
//     active-directory handles into the activation set.
//  5. Removes cache artifacts whose active hardlink is gone.
//
// An integrity violation (duplicate pre-installed identity, changed
// bundled key) means the trust chain itself is broken: capsuled logs
// it and exits with status 2 so init does not proceed on a
// compromised image. The mount/activation machinery consumes the
// activation report this process writes to stdout.
//
// With --reserve-space, capsuled instead maintains the OTA
// space-reservation sentinel and exits: the update client calls this
// before downloading a compressed capsule so the later decompression
// cannot fail on a full disk.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/capsule-foundation/capsule/lib/activation"
	"github.com/capsule-foundation/capsule/lib/capsule"
	"github.com/capsule-foundation/capsule/lib/config"
	"github.com/capsule-foundation/capsule/lib/decompress"
	"github.com/capsule-foundation/capsule/lib/repository"
	"github.com/capsule-foundation/capsule/lib/version"
)

func main() {
	var (
		configPath   string
		printVersion bool
		reserveSpace int64
		reserveFor   string
	)
	flags := pflag.NewFlagSet("capsuled", pflag.ExitOnError)
	flags.StringVar(&configPath, "config", "", "path to capsuled.yaml (default: $CAPSULED_CONFIG)")
	flags.BoolVar(&printVersion, "version", false, "print version and exit")
	flags.Int64Var(&reserveSpace, "reserve-space", -1,
		"reserve this many bytes for an incoming OTA decompression and exit (0 releases the reservation)")
	flags.StringVar(&reserveFor, "reserve-for", "",
		"incoming capsule as name@version; skips the reservation when an existing copy already covers it")
	flags.Parse(os.Args[1:])

	if printVersion {
		fmt.Println(version.Full())
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if flags.Changed("reserve-space") {
		if err := runReserveSpace(configPath, reserveSpace, reserveFor, logger); err != nil {
			logger.Error("space reservation failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(configPath, logger); err != nil {
		var integrity *repository.IntegrityError
		if errors.As(err, &integrity) {
			// The trust chain is broken. Continuing to boot on a
			// compromised or corrupted image is unsafe.
			logger.Error("capsule integrity violation, halting", "error", integrity)
			os.Exit(2)
		}
		logger.Error("capsuled failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

// runReserveSpace handles the OTA client's space pre-commitment: it
// maintains the reservation sentinel in the configured reserved
// directory (falling back to the decompression cache dir) and exits.
// With --reserve-for, the reservation is skipped entirely when an
// existing decompression artifact or delivered update already covers
// the incoming version.
func runReserveSpace(configPath string, size int64, reserveFor string, logger *slog.Logger) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if reserveFor != "" && size > 0 {
		name, incoming, err := parseNameVersion(reserveFor)
		if err != nil {
			return err
		}
		repo := repository.New(repository.Config{
			DecompressionDir: cfg.Paths.Decompression,
			Logger:           logger,
		})
		if err := repo.AddPreInstalled(cfg.Paths.Preinstalled); err != nil {
			return err
		}
		if err := repo.AddData(cfg.Paths.Data); err != nil {
			return err
		}
		if !decompress.ShouldAllocateSpaceForDecompression(name, incoming, repo) {
			logger.Info("existing capsule covers the incoming version, not reserving",
				"name", name, "version", incoming)
			size = 0
		}
	}

	destDir := cfg.Paths.OTAReserved
	if destDir == "" {
		destDir = cfg.Paths.Decompression
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("creating reservation directory: %w", err)
	}
	return decompress.ReserveSpaceForOTA(size, destDir)
}

// parseNameVersion splits a "name@version" argument.
func parseNameVersion(s string) (string, int64, error) {
	name, versionText, ok := strings.Cut(s, "@")
	if !ok || name == "" {
		return "", 0, fmt.Errorf("malformed capsule identity %q, want name@version", s)
	}
	version, err := strconv.ParseInt(versionText, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed capsule version in %q: %w", s, err)
	}
	return name, version, nil
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	repo := repository.New(repository.Config{
		DecompressionDir:   cfg.Paths.Decompression,
		DuplicateExemption: duplicateExemption(cfg),
		Logger:             logger,
	})

	if err := repo.AddPreInstalled(cfg.Paths.Preinstalled); err != nil {
		return err
	}
	if err := repo.AddData(cfg.Paths.Data); err != nil {
		return err
	}

	selected, err := activation.SelectForActivation(repo.AllByName(), repo)
	if err != nil {
		return err
	}

	// Compressed winners cannot be activated directly; swap in the
	// decompressed active-directory handles the cache produces.
	var plain, compressed []*capsule.Capsule
	for _, c := range selected {
		if c.IsCompressed() {
			compressed = append(compressed, c)
		} else {
			plain = append(plain, c)
		}
	}

	manager := decompress.NewManager(cfg.Paths.Decompression, cfg.Paths.Data, logger)
	if len(compressed) > 0 {
		if err := os.MkdirAll(cfg.Paths.Decompression, 0o755); err != nil {
			return fmt.Errorf("creating decompression cache: %w", err)
		}
		plain = append(plain, manager.ProcessCompressed(compressed)...)
	}

	// Activation decisions are final; reclaim cache entries nothing
	// links to anymore.
	if _, err := os.Stat(cfg.Paths.Decompression); err == nil {
		manager.RemoveUnlinked()
	}

	return writeReport(os.Stdout, plain)
}

// duplicateExemption builds the duplicate pre-installed exemption
// predicate from config. The exemption exists for known dual-image
// build artifacts and is only honored on development builds.
func duplicateExemption(cfg *config.Config) func(name string) bool {
	if cfg.Environment != config.Development || len(cfg.Trust.DuplicateExemptPrefixes) == 0 {
		return nil
	}
	prefixes := cfg.Trust.DuplicateExemptPrefixes
	return func(name string) bool {
		for _, prefix := range prefixes {
			if strings.HasPrefix(name, prefix) {
				return true
			}
		}
		return false
	}
}

// reportEntry is one line of the activation report consumed by the
// mount layer.
type reportEntry struct {
	Name    string `json:"name"`
	Version int64  `json:"version"`
	Path    string `json:"path"`
	Shared  bool   `json:"provides_shared_libs,omitempty"`
}

// writeReport emits the final activation set as JSON lines.
func writeReport(w io.Writer, selected []*capsule.Capsule) error {
	encoder := json.NewEncoder(w)
	for _, c := range selected {
		entry := reportEntry{
			Name:    c.Name(),
			Version: c.Version(),
			Path:    c.Path(),
			Shared:  c.ProvidesSharedLibs(),
		}
		if err := encoder.Encode(entry); err != nil {
			return fmt.Errorf("writing activation report: %w", err)
		}
	}
	return nil
}

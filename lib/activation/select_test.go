// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package activation

import (
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/capsule-foundation/capsule/lib/capsule"
	"github.com/capsule-foundation/capsule/lib/repository"
)

type testEnv struct {
	t          *testing.T
	builtinDir string
	dataDir    string
	repo       *repository.Repository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		t:          t,
		builtinDir: filepath.Join(root, "builtin"),
		dataDir:    filepath.Join(root, "data"),
	}
	for _, dir := range []string{env.builtinDir, env.dataDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	env.repo = repository.New(repository.Config{
		DecompressionDir: filepath.Join(root, "decompressed"),
	})
	return env
}

func testKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	key, err := capsule.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	return key
}

func (e *testEnv) addBuiltin(fileName string, builder capsule.Builder) {
	e.t.Helper()
	if err := builder.WritePlain(filepath.Join(e.builtinDir, fileName)); err != nil {
		e.t.Fatalf("WritePlain failed: %v", err)
	}
}

func (e *testEnv) addData(fileName string, builder capsule.Builder) {
	e.t.Helper()
	if err := builder.WritePlain(filepath.Join(e.dataDir, fileName)); err != nil {
		e.t.Fatalf("WritePlain failed: %v", err)
	}
}

func (e *testEnv) populate() {
	e.t.Helper()
	if err := e.repo.AddPreInstalled([]string{e.builtinDir}); err != nil {
		e.t.Fatalf("AddPreInstalled failed: %v", err)
	}
	if err := e.repo.AddData(e.dataDir); err != nil {
		e.t.Fatalf("AddData failed: %v", err)
	}
}

// names extracts a sorted-ish comparable set of name@version strings.
func names(selected []*capsule.Capsule) map[string]bool {
	result := make(map[string]bool, len(selected))
	for _, c := range selected {
		result[c.String()] = true
	}
	return result
}

func TestSelectionRequiresPreInstalledLineage(t *testing.T) {
	env := newTestEnv(t)
	key := testKey(t)
	env.addBuiltin("com.example.net.capsule", capsule.Builder{
		Name: "com.example.net", Version: 1, Payload: []byte("net"), Key: key,
	})
	env.populate()

	grouped := env.repo.AllByName()

	// Against a blank repository nothing has factory lineage, so
	// nothing is eligible.
	blank := repository.New(repository.Config{})
	selected, err := SelectForActivation(grouped, blank)
	if err != nil {
		t.Fatal(err)
	}
	if len(selected) != 0 {
		t.Fatalf("blank repository selected %d capsules, want 0", len(selected))
	}

	// Against the populated repository the capsule is selected.
	selected, err = SelectForActivation(grouped, env.repo)
	if err != nil {
		t.Fatal(err)
	}
	if len(selected) != 1 || selected[0].Name() != "com.example.net" {
		t.Fatalf("selected = %v, want exactly com.example.net", names(selected))
	}
}

func TestSelectionPrefersHigherVersion(t *testing.T) {
	env := newTestEnv(t)
	key := testKey(t)
	env.addBuiltin("com.example.net.capsule", capsule.Builder{
		Name: "com.example.net", Version: 2, Payload: []byte("v2"), Key: key,
	})
	env.addData("com.example.net.capsule", capsule.Builder{
		Name: "com.example.net", Version: 1, Payload: []byte("v1"), Key: key,
	})
	env.populate()

	selected, err := SelectForActivation(env.repo.AllByName(), env.repo)
	if err != nil {
		t.Fatal(err)
	}
	if len(selected) != 1 {
		t.Fatalf("selected %d capsules, want 1", len(selected))
	}
	if selected[0].Version() != 2 {
		t.Errorf("selected version %d, want the higher pre-installed 2", selected[0].Version())
	}
}

func TestSelectionEqualVersionPrefersUpdate(t *testing.T) {
	env := newTestEnv(t)
	key := testKey(t)
	env.addBuiltin("com.example.net.capsule", capsule.Builder{
		Name: "com.example.net", Version: 1, Payload: []byte("factory"), Key: key,
	})
	env.addData("com.example.net.capsule", capsule.Builder{
		Name: "com.example.net", Version: 1, Payload: []byte("updated"), Key: key,
	})
	env.populate()

	selected, err := SelectForActivation(env.repo.AllByName(), env.repo)
	if err != nil {
		t.Fatal(err)
	}
	if len(selected) != 1 {
		t.Fatalf("selected %d capsules, want 1", len(selected))
	}
	dataPath, _ := env.repo.GetDataPath("com.example.net")
	if selected[0].Path() != dataPath {
		t.Errorf("selected %q, want the updated copy %q", selected[0].Path(), dataPath)
	}
}

func TestSelectionSharedLibsKeepBothVersions(t *testing.T) {
	env := newTestEnv(t)
	key := testKey(t)
	env.addBuiltin("com.example.libs.capsule", capsule.Builder{
		Name: "com.example.libs", Version: 1, ProvidesSharedLibs: true, Payload: []byte("libv1"), Key: key,
	})
	env.addData("com.example.libs.capsule", capsule.Builder{
		Name: "com.example.libs", Version: 2, ProvidesSharedLibs: true, Payload: []byte("libv2"), Key: key,
	})
	env.populate()

	selected, err := SelectForActivation(env.repo.AllByName(), env.repo)
	if err != nil {
		t.Fatal(err)
	}
	got := names(selected)
	if len(got) != 2 || !got["com.example.libs@1"] || !got["com.example.libs@2"] {
		t.Errorf("selected = %v, want both shared-library versions", got)
	}
}

func TestSelectionMixedGroups(t *testing.T) {
	env := newTestEnv(t)
	key := testKey(t)
	env.addBuiltin("com.example.a.capsule", capsule.Builder{
		Name: "com.example.a", Version: 1, Payload: []byte("a1"), Key: key,
	})
	env.addBuiltin("com.example.b.capsule", capsule.Builder{
		Name: "com.example.b", Version: 1, Payload: []byte("b1"), Key: key,
	})
	env.addData("com.example.a.capsule", capsule.Builder{
		Name: "com.example.a", Version: 5, Payload: []byte("a5"), Key: key,
	})
	env.populate()

	selected, err := SelectForActivation(env.repo.AllByName(), env.repo)
	if err != nil {
		t.Fatal(err)
	}
	got := names(selected)
	if len(got) != 2 || !got["com.example.a@5"] || !got["com.example.b@1"] {
		t.Errorf("selected = %v, want {com.example.a@5, com.example.b@1}", got)
	}
}

func TestSelectionRejectsOversizedGroup(t *testing.T) {
	env := newTestEnv(t)
	key := testKey(t)
	env.addBuiltin("com.example.net.capsule", capsule.Builder{
		Name: "com.example.net", Version: 1, Payload: []byte("v1"), Key: key,
	})
	env.populate()

	only := env.repo.GetPreInstalled("com.example.net")
	grouped := map[string][]*capsule.Capsule{
		"com.example.net": {only, only, only},
	}
	_, err := SelectForActivation(grouped, env.repo)
	var integrity *repository.IntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("error = %v, want *repository.IntegrityError", err)
	}
}

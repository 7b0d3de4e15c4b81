package extension

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoader_Discover(t *testing.T) {
	root := t.TempDir()
	writeExtension(t, root, "beta", map[string]string{
		"extension.json": `{"id": "beta", "version": "1.0.0", "main": "init.lua"}`,
		"init.lua":       `function activate() end`,
	})
	writeExtension(t, root, "alpha", map[string]string{
		"extension.json": `{"id": "alpha", "version": "1.0.0", "main": "init.lua"}`,
		"init.lua":       `function activate() end`,
	})
	// A directory without a manifest is not a plugin candidate.
	if err := os.MkdirAll(filepath.Join(root, "not-a-plugin"), 0o755); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(WithPaths(root), WithLoaderLogger(quietLogger()))
	d := l.Discover()

	if len(d.Problems) != 0 {
		t.Fatalf("problems = %v", d.Problems)
	}
	if len(d.Manifests) != 2 {
		t.Fatalf("manifests = %d, want 2", len(d.Manifests))
	}
	// Sorted by id.
	if d.Manifests[0].ID != "alpha" || d.Manifests[1].ID != "beta" {
		t.Errorf("order = %s, %s", d.Manifests[0].ID, d.Manifests[1].ID)
	}
}

func TestLoader_SingleFilePlugin(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "quickfix.lua"), []byte(`function activate() end`), 0o644); err != nil {
		t.Fatal(err)
	}

	d := NewLoader(WithPaths(root)).Discover()
	m, ok := d.Manifest("quickfix")
	if !ok {
		t.Fatalf("single-file plugin not discovered: %+v", d)
	}
	if m.Main != "quickfix.lua" {
		t.Errorf("main = %q", m.Main)
	}
	if m.Dir() != root {
		t.Errorf("dir = %q, want %q", m.Dir(), root)
	}
}

func TestLoader_DuplicateIDFirstWins(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	manifest := `{"id": "twin", "version": "1.0.0", "main": "init.lua"}`
	writeExtension(t, first, "twin", map[string]string{"extension.json": manifest, "init.lua": ""})
	writeExtension(t, second, "twin", map[string]string{"extension.json": manifest, "init.lua": ""})

	d := NewLoader(WithPaths(first, second), WithLoaderLogger(quietLogger())).Discover()

	if len(d.Manifests) != 1 {
		t.Fatalf("manifests = %d, want 1", len(d.Manifests))
	}
	if got := d.Manifests[0].Dir(); got != filepath.Join(first, "twin") {
		t.Errorf("winner dir = %q, want first path", got)
	}
	if len(d.Problems) != 1 || !errors.Is(d.Problems[0], ErrDuplicateID) {
		t.Errorf("problems = %v, want duplicate id", d.Problems)
	}
}

func TestLoader_BrokenManifestDoesNotAbort(t *testing.T) {
	root := t.TempDir()
	writeExtension(t, root, "bad", map[string]string{"extension.json": `{nope`})
	writeExtension(t, root, "good", map[string]string{
		"extension.json": `{"id": "good", "version": "1.0.0", "main": "init.lua"}`,
		"init.lua":       "",
	})

	d := NewLoader(WithPaths(root)).Discover()
	if _, ok := d.Manifest("good"); !ok {
		t.Error("healthy sibling missing")
	}
	if len(d.Problems) != 1 {
		t.Errorf("problems = %d, want 1", len(d.Problems))
	}
}

func TestLoader_MissingPathSkipped(t *testing.T) {
	d := NewLoader(WithPaths(filepath.Join(t.TempDir(), "nope"))).Discover()
	if len(d.Problems) != 0 || len(d.Manifests) != 0 {
		t.Errorf("unexpected discovery result: %+v", d)
	}
}

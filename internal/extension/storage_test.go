package extension

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStorage_SetGetDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.json")
	s := NewStorage(path)

	if got := s.Get("missing"); got != nil {
		t.Errorf("missing key = %v, want nil", got)
	}

	if err := s.Set("window.width", 120); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set("window.title", "notes"); err != nil {
		t.Fatalf("set: %v", err)
	}

	if got := s.Get("window.width"); got != float64(120) {
		t.Errorf("width = %v (%T), want 120", got, got)
	}
	if got := s.Get("window.title"); got != "notes" {
		t.Errorf("title = %v", got)
	}

	if err := s.Delete("window.title"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := s.Get("window.title"); got != nil {
		t.Errorf("deleted key = %v, want nil", got)
	}
}

func TestStorage_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	first := NewStorage(path)
	if err := first.Set("count", 3); err != nil {
		t.Fatal(err)
	}

	second := NewStorage(path)
	if got := second.Get("count"); got != float64(3) {
		t.Errorf("count = %v, want 3", got)
	}
}

func TestStorage_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "state.json")
	s := NewStorage(path)
	if err := s.Set("k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("backing file missing: %v", err)
	}
}

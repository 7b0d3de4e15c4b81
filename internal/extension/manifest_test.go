package extension

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, ManifestFile)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadManifest(t *testing.T) {
	path := writeManifest(t, `{
		"id": "git-tools",
		"version": "1.2.3",
		"displayName": "Git Tools",
		"main": "init.lua",
		"activationEvents": ["onStartup", "onCommand:git.blame"],
		"dependencies": ["vcs-core"],
		"contributes": {
			"commands": [
				{"id": "git.blame", "title": "Blame", "when": "vcs.kind == git"}
			]
		},
		"configDefaults": {"blame.inline": true}
	}`)

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.ID != "git-tools" || m.Version != "1.2.3" {
		t.Errorf("identity = %s@%s", m.ID, m.Version)
	}
	if !m.WantsEvent(EventStartup) {
		t.Error("onStartup not wanted")
	}
	if !m.WantsEvent("onCommand:git.blame") {
		t.Error("command event not wanted")
	}
	if m.WantsEvent("onCommand:other") {
		t.Error("unrelated event wanted")
	}
	if !m.DependsOn("vcs-core") || m.DependsOn("something") {
		t.Error("dependency lookup wrong")
	}
	if m.ConfigDefaults["blame.inline"] != true {
		t.Errorf("config defaults = %v", m.ConfigDefaults)
	}

	records := m.ContributionRecords("commands")
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0]["id"] != "git.blame" || records[0]["when"] != "vcs.kind == git" {
		t.Errorf("record = %v", records[0])
	}
}

func TestLoadManifest_UnknownFieldsIgnored(t *testing.T) {
	path := writeManifest(t, `{"id": "future", "version": "1.0.0", "futureField": {"x": 1}}`)
	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Main != "init.lua" {
		t.Errorf("default main = %q, want init.lua", m.Main)
	}
}

func TestLoadManifest_InvalidJSON(t *testing.T) {
	path := writeManifest(t, `{broken`)
	if _, err := LoadManifest(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestManifest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		m       Manifest
		wantErr error
	}{
		{"valid", Manifest{ID: "my-plugin.core", Version: "1.0.0", Main: "init.lua"}, nil},
		{"valid go entry", Manifest{ID: "sync", Version: "0.1.0", Main: "go:sync-service"}, nil},
		{"valid prerelease", Manifest{ID: "x", Version: "1.0.0-rc.1", Main: "init.lua"}, nil},
		{"missing id", Manifest{Version: "1.0.0", Main: "init.lua"}, ErrMissingID},
		{"uppercase id", Manifest{ID: "MyPlugin", Version: "1.0.0", Main: "init.lua"}, ErrInvalidID},
		{"leading digit", Manifest{ID: "9lives", Version: "1.0.0", Main: "init.lua"}, ErrInvalidID},
		{"bad version", Manifest{ID: "x", Version: "1.0", Main: "init.lua"}, ErrInvalidVersion},
		{"bad main", Manifest{ID: "x", Version: "1.0.0", Main: "init.txt"}, ErrInvalidMain},
		{"empty factory", Manifest{ID: "x", Version: "1.0.0", Main: "go:"}, ErrInvalidMain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("validate: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestManifest_GoEntry(t *testing.T) {
	m := Manifest{ID: "sync", Version: "1.0.0", Main: "go:sync-service"}
	if !m.IsGoEntry() {
		t.Fatal("go entry not detected")
	}
	if got := m.FactoryName(); got != "sync-service" {
		t.Errorf("factory = %q", got)
	}

	lua := Manifest{ID: "notes", Version: "1.0.0", Main: "init.lua"}
	if lua.IsGoEntry() {
		t.Error("lua entry detected as go")
	}
}

func TestManifest_WildcardEvent(t *testing.T) {
	m := Manifest{ID: "always", Version: "1.0.0", Main: "init.lua", ActivationEvents: []string{EventWildcard}}
	for _, ev := range []string{EventStartup, "onCommand:x", "custom"} {
		if !m.WantsEvent(ev) {
			t.Errorf("wildcard does not match %q", ev)
		}
	}
}

package extension

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Loader discovers plugin manifests in the configured search paths.
// Discovery is one-shot and side-effect free: it never loads or activates
// plugin code.
type Loader struct {
	paths []string
	log   *logrus.Entry
}

// Discovery is the result of one discovery pass. Per-manifest failures do
// not abort discovery of siblings; they are collected in Problems.
type Discovery struct {
	Manifests []*Manifest
	Problems  []*ManifestError
}

// Manifest returns the discovered manifest with the given id.
func (d *Discovery) Manifest(id string) (*Manifest, bool) {
	for _, m := range d.Manifests {
		if m.ID == id {
			return m, true
		}
	}
	return nil, false
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithPaths sets the plugin search paths, checked in order. On duplicate
// ids the earlier path wins.
func WithPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.paths = paths
	}
}

// WithLoaderLogger sets the discovery logger.
func WithLoaderLogger(log *logrus.Entry) LoaderOption {
	return func(l *Loader) {
		l.log = log
	}
}

// NewLoader creates a plugin loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		paths: DefaultPluginPaths(),
		log:   logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DefaultPluginPaths returns the default plugin search paths.
func DefaultPluginPaths() []string {
	paths := make([]string, 0, 2)
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hearth", "extensions"))
	}
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".hearth", "extensions"))
	}
	return paths
}

// Paths returns the configured search paths.
func (l *Loader) Paths() []string {
	return l.paths
}

// Discover scans the search paths for plugin manifests. Missing paths are
// skipped. Duplicate ids are a discovery error: the first occurrence wins
// and the second is rejected with a diagnostic.
func (l *Loader) Discover() *Discovery {
	d := &Discovery{}
	seen := make(map[string]string) // id -> source dir

	for _, base := range l.paths {
		entries, err := os.ReadDir(base)
		if err != nil {
			if !os.IsNotExist(err) {
				d.Problems = append(d.Problems, &ManifestError{Path: base, Err: err})
			}
			continue
		}

		for _, entry := range entries {
			name := entry.Name()
			if !entry.IsDir() {
				// Single-file plugins: <id>.lua with a synthesized manifest.
				if filepath.Ext(name) == ".lua" {
					id := strings.TrimSuffix(name, ".lua")
					m := NewManifestMinimal(id, base, name)
					if err := m.Validate(); err != nil {
						d.Problems = append(d.Problems, &ManifestError{Path: filepath.Join(base, name), Err: err})
						continue
					}
					l.record(d, seen, m, filepath.Join(base, name))
				}
				continue
			}

			dir := filepath.Join(base, name)
			manifestPath := filepath.Join(dir, ManifestFile)
			if _, err := os.Stat(manifestPath); err != nil {
				// Directories without a manifest are not plugin candidates.
				continue
			}

			m, err := LoadManifest(manifestPath)
			if err != nil {
				d.Problems = append(d.Problems, &ManifestError{Path: manifestPath, Err: err})
				continue
			}
			l.record(d, seen, m, manifestPath)
		}
	}

	sort.Slice(d.Manifests, func(i, j int) bool {
		return d.Manifests[i].ID < d.Manifests[j].ID
	})
	return d
}

// record registers a manifest, rejecting duplicate ids (first wins).
func (l *Loader) record(d *Discovery, seen map[string]string, m *Manifest, source string) {
	if first, dup := seen[m.ID]; dup {
		err := fmt.Errorf("%w: %s already provided by %s", ErrDuplicateID, m.ID, first)
		d.Problems = append(d.Problems, &ManifestError{Path: source, Err: err})
		l.log.WithFields(logrus.Fields{
			"plugin": m.ID,
			"source": source,
			"first":  first,
		}).Warn("duplicate plugin id rejected")
		return
	}
	seen[m.ID] = source
	d.Manifests = append(d.Manifests, m)
}

package extension

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// ManifestFile is the manifest file name looked up in each plugin directory.
const ManifestFile = "extension.json"

// GoEntryPrefix marks a manifest main that names a registered Go factory
// instead of a Lua file, e.g. "go:sync-service".
const GoEntryPrefix = "go:"

// EventWildcard is the activation event matched by every ActivateByEvent
// call ("always activate").
const EventWildcard = "*"

// Well-known activation event names. Arbitrary caller-defined names may
// also be fired through ActivateByEvent.
const (
	EventStartup       = "onStartup"
	EventCommandPrefix = "onCommand:"
	EventViewPrefix    = "onView:"
)

// Manifest declares a plugin's identity, activation events, dependencies,
// and contributions. It is immutable once loaded and owned by the manager
// for the process lifetime.
type Manifest struct {
	// Identity
	ID          string `json:"id"`
	Version     string `json:"version"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
	Author      string `json:"author"`
	License     string `json:"license"`

	// Main is the entry-point reference: a Lua file relative to the
	// plugin directory (default "init.lua"), or "go:<factory>" for an
	// in-process Go extension.
	Main string `json:"main"`

	// ActivationEvents lists the events that trigger lazy activation.
	ActivationEvents []string `json:"activationEvents"`

	// Dependencies lists plugin ids that must be active first.
	Dependencies []string `json:"dependencies"`

	// Contributes maps contribution-point ids to arrays of point-specific
	// records. It is kept raw: unknown points and fields are preserved,
	// not rejected.
	Contributes map[string]json.RawMessage `json:"contributes"`

	// ConfigDefaults seeds the configuration table handed to the plugin's
	// setup entry point.
	ConfigDefaults map[string]any `json:"configDefaults"`

	dir string
}

// Manifest validation errors.
var (
	ErrMissingID      = errors.New("manifest: id is required")
	ErrInvalidID      = errors.New("manifest: id must be lowercase alphanumeric with hyphens or dots")
	ErrInvalidVersion = errors.New("manifest: version must be semver")
	ErrInvalidMain    = errors.New("manifest: main must be a .lua file or a go: factory reference")
)

var (
	idPattern     = regexp.MustCompile(`^[a-z][a-z0-9]*([.-][a-z0-9]+)*$`)
	semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)
)

// LoadManifest loads and validates a manifest file. Unknown top-level
// fields are ignored for forward compatibility.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("failed to parse manifest %s: invalid JSON", path)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	m.dir = filepath.Dir(path)
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewManifestMinimal synthesizes a manifest for a single-file plugin.
func NewManifestMinimal(id, dir, main string) *Manifest {
	return &Manifest{
		ID:      id,
		Version: "0.0.0",
		Main:    main,
		dir:     dir,
	}
}

func (m *Manifest) applyDefaults() {
	if m.Main == "" {
		m.Main = "init.lua"
	}
	if m.Version == "" {
		m.Version = "0.0.0"
	}
}

// Validate checks identity and entry-point fields.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return ErrMissingID
	}
	if !idPattern.MatchString(m.ID) {
		return fmt.Errorf("%w: %s", ErrInvalidID, m.ID)
	}
	if !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("%w: %s", ErrInvalidVersion, m.Version)
	}
	if m.IsGoEntry() {
		if m.FactoryName() == "" {
			return fmt.Errorf("%w: %s", ErrInvalidMain, m.Main)
		}
	} else if filepath.Ext(m.Main) != ".lua" {
		return fmt.Errorf("%w: %s", ErrInvalidMain, m.Main)
	}
	return nil
}

// Dir returns the plugin directory.
func (m *Manifest) Dir() string {
	return m.dir
}

// IsGoEntry reports whether the entry point is an in-process Go factory.
func (m *Manifest) IsGoEntry() bool {
	return strings.HasPrefix(m.Main, GoEntryPrefix)
}

// FactoryName returns the Go factory name for a go: entry point.
func (m *Manifest) FactoryName() string {
	return strings.TrimPrefix(m.Main, GoEntryPrefix)
}

// MainPath returns the absolute path of the Lua entry-point file.
func (m *Manifest) MainPath() string {
	return filepath.Join(m.dir, m.Main)
}

// WantsEvent reports whether the manifest declares the activation event,
// either exactly or through the wildcard marker.
func (m *Manifest) WantsEvent(event string) bool {
	for _, e := range m.ActivationEvents {
		if e == event || e == EventWildcard {
			return true
		}
	}
	return false
}

// DependsOn reports whether id is a declared dependency.
func (m *Manifest) DependsOn(id string) bool {
	for _, d := range m.Dependencies {
		if d == id {
			return true
		}
	}
	return false
}

// ContributionRecords decodes the records declared under a contribution
// point into generic maps. Records that are not JSON objects are skipped.
func (m *Manifest) ContributionRecords(point string) []map[string]any {
	raw, ok := m.Contributes[point]
	if !ok {
		return nil
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsArray() {
		return nil
	}
	var records []map[string]any
	for _, item := range parsed.Array() {
		if !item.IsObject() {
			continue
		}
		rec := make(map[string]any)
		item.ForEach(func(key, value gjson.Result) bool {
			rec[key.String()] = value.Value()
			return true
		})
		records = append(records, rec)
	}
	return records
}

// ContributionPoints returns the contribution-point ids the manifest
// declares records for.
func (m *Manifest) ContributionPoints() []string {
	points := make([]string, 0, len(m.Contributes))
	for p := range m.Contributes {
		points = append(points, p)
	}
	return points
}

// String returns a display form of the manifest.
func (m *Manifest) String() string {
	name := m.DisplayName
	if name == "" {
		name = m.ID
	}
	return fmt.Sprintf("%s v%s", name, m.Version)
}

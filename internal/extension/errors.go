package extension

import (
	"errors"
	"fmt"
)

// Runtime errors.
var (
	// ErrUnknownPlugin is returned when no discovered manifest matches an id.
	ErrUnknownPlugin = errors.New("unknown plugin")

	// ErrDuplicateID is recorded when discovery finds a second manifest
	// with an already-seen id; the first occurrence wins.
	ErrDuplicateID = errors.New("duplicate plugin id")

	// ErrEntryPointNotFound is returned when a plugin's entry point cannot
	// be resolved (missing Lua file or unregistered Go factory).
	ErrEntryPointNotFound = errors.New("entry point not found")

	// ErrCircularDependency is returned when the activation chain revisits
	// a plugin that is still activating on the same chain.
	ErrCircularDependency = errors.New("circular plugin dependency")

	// ErrDependencyFailed is returned when a plugin's dependency could not
	// be activated. It is always wrapped in a DependencyError naming the
	// dependency.
	ErrDependencyFailed = errors.New("plugin dependency failed")

	// ErrActivationTimeout is returned when an entry point exceeds the
	// configured activation timeout. The plugin is marked errored; its
	// partially constructed state is abandoned.
	ErrActivationTimeout = errors.New("plugin activation timed out")

	// ErrNotActive is returned by Deactivate for a plugin that is not active.
	ErrNotActive = errors.New("plugin is not active")

	// ErrAlreadyLoaded guards Load on a plugin past the loaded state.
	ErrAlreadyLoaded = errors.New("plugin is already loaded")

	// ErrNotLoaded guards operations that need a loaded plugin.
	ErrNotLoaded = errors.New("plugin is not loaded")

	// ErrNotDeactivated guards Unload, which is only valid once a plugin
	// has deactivated.
	ErrNotDeactivated = errors.New("plugin is not deactivated")

	// ErrPluginErrored is returned when using a plugin in the terminal
	// error state.
	ErrPluginErrored = errors.New("plugin is in error state")

	// ErrNilManifest is returned when constructing a host without a manifest.
	ErrNilManifest = errors.New("manifest is nil")
)

// ManifestError records a per-manifest discovery failure. Discovery
// collects these instead of aborting sibling manifests.
type ManifestError struct {
	Path string // manifest file or plugin directory
	Err  error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest %s: %v", e.Path, e.Err)
}

func (e *ManifestError) Unwrap() error {
	return e.Err
}

// DependencyError names the dependency whose activation failed.
type DependencyError struct {
	Plugin     string // the plugin whose activation was aborted
	Dependency string // the dependency that failed
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("plugin %s: dependency %s failed: %v", e.Plugin, e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}

// Is matches the ErrDependencyFailed sentinel while Unwrap exposes the
// underlying cause (e.g. a circular-dependency error deeper in the chain).
func (e *DependencyError) Is(target error) bool {
	return target == ErrDependencyFailed
}

// ActivationError wraps the cause of a failed entry-point invocation,
// including recovered panics.
type ActivationError struct {
	Plugin string
	Err    error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("plugin %s: activation failed: %v", e.Plugin, e.Err)
}

func (e *ActivationError) Unwrap() error {
	return e.Err
}

package extension

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kverity/hearth/internal/extension/scope"
)

// Host owns exactly one plugin's isolation boundary and lifecycle.
// State is mutated only by the owning host, under the plugin's activation
// lock held by the manager.
type Host struct {
	mu sync.RWMutex

	manifest *Manifest
	api      *API

	// Entry point: exactly one of scope (Lua) or ext (Go) after Load.
	scope *scope.Scope
	ext   Extension

	factories   *Factories
	shared      *scope.Modules
	callTimeout time.Duration

	state State
	err   error

	log *logrus.Entry
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithFactories supplies the Go extension factory table.
func WithFactories(f *Factories) HostOption {
	return func(h *Host) {
		h.factories = f
	}
}

// WithSharedModules supplies the shared host Lua module set.
func WithSharedModules(m *scope.Modules) HostOption {
	return func(h *Host) {
		h.shared = m
	}
}

// WithCallTimeout bounds each Lua call into the plugin.
func WithCallTimeout(d time.Duration) HostOption {
	return func(h *Host) {
		h.callTimeout = d
	}
}

// WithHostLogger sets the host's logger.
func WithHostLogger(log *logrus.Entry) HostOption {
	return func(h *Host) {
		h.log = log
	}
}

// NewHost creates a host for the manifest. The API object must be bound
// to the same plugin id.
func NewHost(manifest *Manifest, api *API, opts ...HostOption) (*Host, error) {
	if manifest == nil {
		return nil, ErrNilManifest
	}
	h := &Host{
		manifest:    manifest,
		api:         api,
		state:       StateNotLoaded,
		callTimeout: scope.DefaultCallTimeout,
		log:         logrus.NewEntry(logrus.StandardLogger()).WithField("plugin", manifest.ID),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// ID returns the plugin id.
func (h *Host) ID() string {
	return h.manifest.ID
}

// Manifest returns the plugin's manifest.
func (h *Host) Manifest() *Manifest {
	return h.manifest
}

// API returns the plugin's API object.
func (h *Host) API() *API {
	return h.api
}

// State returns the current lifecycle state.
func (h *Host) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Err returns the error that moved the plugin to the error state.
func (h *Host) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// Load resolves and loads the plugin's entry point. Loading an
// already-loaded host is a no-op.
func (h *Host) Load(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StateNotLoaded:
		// proceed
	case StateLoaded:
		return nil
	case StateError:
		return fmt.Errorf("%w: %s: %v", ErrPluginErrored, h.manifest.ID, h.err)
	default:
		return fmt.Errorf("%w: %s is %s", ErrAlreadyLoaded, h.manifest.ID, h.state)
	}

	if h.manifest.IsGoEntry() {
		name := h.manifest.FactoryName()
		factory, ok := h.factories.lookupSafe(name)
		if !ok {
			return h.failLocked(fmt.Errorf("%w: no factory %q", ErrEntryPointNotFound, name))
		}
		h.ext = factory()
	} else {
		main := h.manifest.MainPath()
		if _, err := os.Stat(main); err != nil {
			return h.failLocked(fmt.Errorf("%w: %s", ErrEntryPointNotFound, main))
		}
		s := scope.New(h.manifest.Dir(), h.shared,
			scope.WithCallTimeout(h.callTimeout),
			scope.WithModule(LuaModuleName, h.luaModule(h.api)),
		)
		if err := s.DoFile(h.manifest.Main); err != nil {
			s.Close()
			return h.failLocked(fmt.Errorf("failed to load %s: %w", h.manifest.ID, err))
		}
		h.scope = s
	}

	h.state = StateLoaded
	h.log.WithField("entry", h.manifest.Main).Debug("plugin loaded")
	return nil
}

// Activate invokes the plugin's lifecycle entry point. Errors and panics
// are contained: the plugin transitions to the terminal error state and
// the failure is returned as a typed result, never as a panic into the
// manager's activation loop.
func (h *Host) Activate(ctx context.Context) error {
	h.mu.Lock()
	switch h.state {
	case StateLoaded:
		// proceed
	case StateActive:
		h.mu.Unlock()
		return nil
	case StateError:
		err := h.err
		h.mu.Unlock()
		return fmt.Errorf("%w: %s: %v", ErrPluginErrored, h.manifest.ID, err)
	default:
		state := h.state
		h.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotLoaded, h.manifest.ID, state)
	}
	h.state = StateActivating
	h.mu.Unlock()

	entryErr := h.runEntry(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateActivating {
		// The manager timed the activation out while the entry point was
		// still running; the terminal state stands and a late success is
		// discarded.
		return h.err
	}
	if entryErr != nil {
		h.state = StateError
		h.err = &ActivationError{Plugin: h.manifest.ID, Err: entryErr}
		h.log.WithError(entryErr).Error("plugin activation failed")
		return h.err
	}

	h.state = StateActive
	h.log.Info("plugin activated")
	return nil
}

// runEntry invokes the lifecycle entry point with panic containment.
func (h *Host) runEntry(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("entry point panicked: %v", r)
		}
	}()

	if h.ext != nil {
		return h.ext.Activate(ctx, h.api)
	}

	// Lua lifecycle: optional setup(config), then optional activate().
	if h.scope.HasFunction("setup") {
		if _, err := h.scope.Call("setup", h.api.Config()); err != nil {
			return err
		}
	}
	if h.scope.HasFunction("activate") {
		if _, err := h.scope.Call("activate"); err != nil {
			return err
		}
	}
	return nil
}

// markTimeout moves a still-activating plugin to the terminal error
// state. Called by the manager when the activation deadline expires.
func (h *Host) markTimeout() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateActivating {
		return
	}
	h.state = StateError
	h.err = fmt.Errorf("%w: %s", ErrActivationTimeout, h.manifest.ID)
	h.log.Error("plugin activation timed out")
}

// Deactivate invokes the plugin's lifecycle exit point, then releases
// every handle the plugin acquired, even if the exit point fails.
func (h *Host) Deactivate(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateActive {
		state := h.state
		h.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotActive, h.manifest.ID, state)
	}
	h.state = StateDeactivating
	h.mu.Unlock()

	if exitErr := h.runExit(ctx); exitErr != nil {
		h.log.WithError(exitErr).Warn("plugin exit point failed")
	}
	if h.api != nil {
		h.api.release()
	}

	h.mu.Lock()
	h.state = StateDeactivated
	h.mu.Unlock()
	h.log.Info("plugin deactivated")
	return nil
}

// runExit invokes the lifecycle exit point with panic containment.
func (h *Host) runExit(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("exit point panicked: %v", r)
		}
	}()

	if h.ext != nil {
		return h.ext.Deactivate(ctx)
	}
	if h.scope.HasFunction("deactivate") {
		_, err := h.scope.Call("deactivate")
		return err
	}
	return nil
}

// Unload discards the isolation boundary. Only valid once the plugin is
// deactivated (or was never loaded, in which case it is a no-op).
func (h *Host) Unload(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StateNotLoaded:
		return nil
	case StateDeactivated:
		// proceed
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotDeactivated, h.manifest.ID, h.state)
	}

	if h.scope != nil {
		h.scope.Close()
		h.scope = nil
	}
	h.ext = nil
	h.log.Debug("plugin unloaded")
	return nil
}

// failLocked records a terminal failure. Must be called with mu held.
func (h *Host) failLocked(err error) error {
	h.state = StateError
	h.err = err
	h.log.WithError(err).Error("plugin failed")
	return err
}

// lookupSafe tolerates a nil factory table.
func (f *Factories) lookupSafe(name string) (Factory, bool) {
	if f == nil {
		return nil, false
	}
	return f.Lookup(name)
}

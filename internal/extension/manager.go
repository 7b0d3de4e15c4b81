package extension

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kverity/hearth/internal/bus"
	"github.com/kverity/hearth/internal/contrib"
	"github.com/kverity/hearth/internal/extension/scope"
	"github.com/kverity/hearth/internal/when"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// PluginPaths are searched in order during discovery.
	PluginPaths []string
	// StorageDir holds one JSON document per plugin. Empty disables
	// persistence (plugins get an in-memory-only storage path under the
	// OS temp dir).
	StorageDir string
	// ActivationTimeout bounds each plugin's entry point. Zero means no
	// deadline.
	ActivationTimeout time.Duration
	// CallTimeout bounds each call into a Lua plugin.
	CallTimeout time.Duration
	// Factories resolves "go:" entry points to in-process extensions.
	Factories *Factories
	// SharedModules are Lua modules visible to every plugin scope.
	SharedModules *scope.Modules
	// Logger is the root logger; per-plugin loggers are derived from it.
	Logger *logrus.Entry
}

// EventHandler handles manager events.
type EventHandler func(event ManagerEvent)

// ManagerEvent describes a lifecycle transition observed by the manager.
type ManagerEvent struct {
	Type   ManagerEventType
	Plugin string
	Error  error
}

// ManagerEventType is the type of manager event.
type ManagerEventType int

const (
	// EventPluginDiscovered is emitted when discovery finds a new plugin.
	EventPluginDiscovered ManagerEventType = iota
	// EventPluginActivated is emitted when a plugin reaches the active state.
	EventPluginActivated
	// EventPluginDeactivated is emitted when a plugin is deactivated.
	EventPluginDeactivated
	// EventPluginRemoved is emitted when re-discovery drops a plugin.
	EventPluginRemoved
	// EventPluginError is emitted when a plugin fails.
	EventPluginError
)

func (t ManagerEventType) String() string {
	switch t {
	case EventPluginDiscovered:
		return "discovered"
	case EventPluginActivated:
		return "activated"
	case EventPluginDeactivated:
		return "deactivated"
	case EventPluginRemoved:
		return "removed"
	case EventPluginError:
		return "error"
	default:
		return "unknown"
	}
}

// Manager orchestrates the full plugin lifecycle: discovery, dependency
// resolution, lazy activation, and shutdown. It owns the shared runtime
// services (contribution registry, message bus, context store) and hands
// each plugin a scoped API over them.
//
// Activation is serialized per plugin: each plugin has its own lock, and
// concurrent activations of the same plugin converge on a single entry
// point invocation. Activating a plugin first activates its dependencies
// depth-first; a cycle in the dependency graph fails the whole chain.
type Manager struct {
	mu sync.RWMutex

	cfg    ManagerConfig
	loader *Loader

	registry *contrib.Registry
	msgBus   *bus.Bus
	store    *when.Store
	eval     *when.Evaluator

	hosts    map[string]*Host
	locks    map[string]*sync.Mutex
	problems []*ManifestError

	// activated records successful activations in order, for reverse
	//-order shutdown.
	activated []string

	eventHandlers []EventHandler

	log *logrus.Entry
}

// New creates a manager. Built-in contribution points are registered
// immediately; plugins are not discovered until Discover is called.
func New(cfg ManagerConfig) *Manager {
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "extension-manager")

	store := when.NewStore()
	m := &Manager{
		cfg:      cfg,
		loader:   NewLoader(WithPaths(cfg.PluginPaths...), WithLoaderLogger(log)),
		registry: contrib.NewRegistry(log),
		msgBus:   bus.New(log),
		store:    store,
		eval:     when.NewEvaluator(store, log),
		hosts:    make(map[string]*Host),
		locks:    make(map[string]*sync.Mutex),
		log:      log,
	}

	m.registry.SetOwnerLive(func(owner string) bool {
		h := m.Host(owner)
		return h != nil && h.State().Live()
	})
	m.msgBus.SetActivator(m)

	for id, schema := range contrib.BuiltinPoints() {
		if err := m.registry.RegisterPoint(id, schema); err != nil {
			log.WithError(err).WithField("point", id).Warn("builtin point registration failed")
		}
	}
	return m
}

// Registry returns the shared contribution registry.
func (m *Manager) Registry() *contrib.Registry {
	return m.registry
}

// Bus returns the shared message bus.
func (m *Manager) Bus() *bus.Bus {
	return m.msgBus
}

// ContextStore returns the shared context store.
func (m *Manager) ContextStore() *when.Store {
	return m.store
}

// Evaluator returns the shared when-expression evaluator.
func (m *Manager) Evaluator() *when.Evaluator {
	return m.eval
}

// Subscribe registers a manager event handler. The returned function
// removes it.
func (m *Manager) Subscribe(handler EventHandler) func() {
	m.mu.Lock()
	m.eventHandlers = append(m.eventHandlers, handler)
	idx := len(m.eventHandlers) - 1
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if idx < len(m.eventHandlers) {
			m.eventHandlers[idx] = nil
		}
	}
}

func (m *Manager) emitEvent(event ManagerEvent) {
	m.mu.RLock()
	handlers := make([]EventHandler, len(m.eventHandlers))
	copy(handlers, m.eventHandlers)
	m.mu.RUnlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.WithField("panic", r).Error("event handler panicked")
				}
			}()
			h(event)
		}()
	}
}

// Discover scans the plugin paths, creating a host for every new
// manifest and registering its declared contributions. Plugins that
// vanished from disk are dropped if they were never loaded; loaded
// plugins keep running until deactivated. Discover is safe to call
// repeatedly and is the re-discovery entry point for the file watcher.
func (m *Manager) Discover() error {
	d := m.loader.Discover()

	var added []*Manifest
	var removed []string

	m.mu.Lock()
	m.problems = d.Problems

	seen := make(map[string]bool, len(d.Manifests))
	for _, manifest := range d.Manifests {
		seen[manifest.ID] = true
		if _, ok := m.hosts[manifest.ID]; ok {
			continue
		}
		host, err := m.newHostLocked(manifest)
		if err != nil {
			m.problems = append(m.problems, &ManifestError{Path: manifest.Dir(), Err: err})
			continue
		}
		m.hosts[manifest.ID] = host
		m.locks[manifest.ID] = &sync.Mutex{}
		added = append(added, manifest)
	}

	// Reap plugins that are gone from disk and were never brought up.
	for id, host := range m.hosts {
		if seen[id] || host.State() != StateNotLoaded {
			continue
		}
		delete(m.hosts, id)
		delete(m.locks, id)
		removed = append(removed, id)
	}
	m.mu.Unlock()

	for _, manifest := range added {
		m.registerDeclared(manifest)
		m.emitEvent(ManagerEvent{Type: EventPluginDiscovered, Plugin: manifest.ID})
	}
	for _, id := range removed {
		m.registry.RemoveAllFor(id)
		m.emitEvent(ManagerEvent{Type: EventPluginRemoved, Plugin: id})
	}

	m.log.WithFields(logrus.Fields{
		"plugins":  len(seen),
		"added":    len(added),
		"removed":  len(removed),
		"problems": len(d.Problems),
	}).Info("plugin discovery complete")

	var errs []error
	for _, p := range d.Problems {
		errs = append(errs, p)
	}
	return errors.Join(errs...)
}

// newHostLocked builds the API and host for a manifest. Caller holds mu.
func (m *Manager) newHostLocked(manifest *Manifest) (*Host, error) {
	storagePath := filepath.Join(m.storageDir(), manifest.ID+".json")
	api := &API{
		pluginID: manifest.ID,
		registry: m.registry,
		msgBus:   m.msgBus,
		store:    m.store,
		eval:     m.eval,
		manager:  m,
		storage:  NewStorage(storagePath),
		log:      m.log.WithField("plugin", manifest.ID),
		config:   manifest.ConfigDefaults,
	}
	return NewHost(manifest, api,
		WithFactories(m.cfg.Factories),
		WithSharedModules(m.cfg.SharedModules),
		WithCallTimeout(m.callTimeout()),
		WithHostLogger(api.log),
	)
}

func (m *Manager) storageDir() string {
	if m.cfg.StorageDir != "" {
		return m.cfg.StorageDir
	}
	return filepath.Join(os.TempDir(), "hearth-storage")
}

func (m *Manager) callTimeout() time.Duration {
	if m.cfg.CallTimeout > 0 {
		return m.cfg.CallTimeout
	}
	return scope.DefaultCallTimeout
}

// registerDeclared adds the manifest's declarative contributions. They
// are visible before the plugin activates and bypass the owner-liveness
// gate; unknown points queue until someone registers the point.
func (m *Manager) registerDeclared(manifest *Manifest) {
	for _, point := range manifest.ContributionPoints() {
		for _, record := range manifest.ContributionRecords(point) {
			whenExpr, _ := record["when"].(string)
			if whenExpr != "" {
				// Diagnose malformed expressions now rather than on first
				// evaluation; the contribution is still recorded and just
				// never visible.
				_ = m.eval.Precheck(whenExpr)
			}
			_, err := m.registry.Add(point, contrib.Contribution{
				Point:    point,
				Owner:    manifest.ID,
				Payload:  record,
				When:     whenExpr,
				Declared: true,
			})
			if err != nil {
				m.log.WithError(err).WithFields(logrus.Fields{
					"plugin": manifest.ID,
					"point":  point,
				}).Warn("declared contribution rejected")
			}
		}
	}
}

// Host returns the host for a plugin id, or nil if unknown.
func (m *Manager) Host(id string) *Host {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hosts[id]
}

// List returns all hosts sorted by plugin id.
func (m *Manager) List() []*Host {
	m.mu.RLock()
	hosts := make([]*Host, 0, len(m.hosts))
	for _, h := range m.hosts {
		hosts = append(hosts, h)
	}
	m.mu.RUnlock()

	sort.Slice(hosts, func(i, j int) bool { return hosts[i].ID() < hosts[j].ID() })
	return hosts
}

// States returns a snapshot of every plugin's lifecycle state.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]State, len(m.hosts))
	for id, h := range m.hosts {
		states[id] = h.State()
	}
	return states
}

// Problems returns the manifest errors from the last discovery pass.
func (m *Manager) Problems() []*ManifestError {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ManifestError, len(m.problems))
	copy(out, m.problems)
	return out
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

// EnsureActive activates a plugin if it is not already active. It is the
// bus's lazy-activation hook for message sends.
func (m *Manager) EnsureActive(ctx context.Context, pluginID string) error {
	return m.Activate(ctx, pluginID, "message")
}

// Activate brings a plugin to the active state, activating its declared
// dependencies first. Already-active plugins return immediately; a
// plugin in the terminal error state never activates again. Concurrent
// calls for the same plugin serialize on the plugin's lock and all but
// the first become no-ops.
//
// The dependency closure is resolved up front, without holding any
// plugin lock, and activation then takes one plugin lock at a time in
// dependencies-first order. Holding at most one lock means two callers
// activating overlapping (or even cyclic) manifests can never deadlock
// on each other: a manifest cycle is a graph fact and is reported as
// ErrCircularDependency during resolution, before anything blocks.
func (m *Manager) Activate(ctx context.Context, id, reason string) error {
	host := m.Host(id)
	if host == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
	}
	if host.State() == StateActive {
		return nil
	}

	order, err := m.dependencyOrder(id)
	if err != nil {
		return err
	}

	for _, step := range order {
		stepReason := reason
		if step.dependent != "" {
			stepReason = "dependency of " + step.dependent
		}
		if err := m.activateOne(ctx, step.id, stepReason); err != nil {
			if step.dependent == "" {
				return err
			}
			depErr := &DependencyError{Plugin: step.dependent, Dependency: step.id, Err: err}
			m.log.WithError(depErr).Warn("plugin activation aborted")
			return depErr
		}
	}
	return nil
}

// activationStep is one plugin in a resolved dependency closure.
// dependent is the plugin that pulled this step in, empty for the
// plugin the caller asked for.
type activationStep struct {
	id        string
	dependent string
}

// dependencyOrder resolves the dependency closure of id into
// dependencies-first order. It reads only manifests and takes no plugin
// locks, so cycles surface here as errors rather than as two callers
// blocking on each other's locks.
func (m *Manager) dependencyOrder(id string) ([]activationStep, error) {
	const (
		visiting = 1
		resolved = 2
	)
	marks := make(map[string]int)
	var order []activationStep

	var visit func(pid, dependent string) error
	visit = func(pid, dependent string) error {
		switch marks[pid] {
		case resolved:
			return nil
		case visiting:
			return fmt.Errorf("%w: %s", ErrCircularDependency, pid)
		}
		host := m.Host(pid)
		if host == nil {
			return fmt.Errorf("%w: %s", ErrUnknownPlugin, pid)
		}
		marks[pid] = visiting
		for _, dep := range host.Manifest().Dependencies {
			if err := visit(dep, pid); err != nil {
				return &DependencyError{Plugin: pid, Dependency: dep, Err: err}
			}
		}
		marks[pid] = resolved
		order = append(order, activationStep{id: pid, dependent: dependent})
		return nil
	}

	if err := visit(id, ""); err != nil {
		return nil, err
	}
	return order, nil
}

// activateOne loads and activates a single plugin under its own lock.
// States are re-checked under the lock, so stale reads taken during
// resolution converge here: an already-active plugin is a no-op and an
// errored one fails.
func (m *Manager) activateOne(ctx context.Context, id, reason string) error {
	host := m.Host(id)
	if host == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
	}

	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	switch host.State() {
	case StateActive:
		return nil
	case StateError:
		return fmt.Errorf("%w: %s: %v", ErrPluginErrored, id, host.Err())
	case StateDeactivating, StateDeactivated:
		return fmt.Errorf("%w: %s is %s", ErrNotLoaded, id, host.State())
	}

	m.log.WithFields(logrus.Fields{"plugin": id, "reason": reason}).Debug("activating plugin")

	if err := host.Load(ctx); err != nil {
		m.emitEvent(ManagerEvent{Type: EventPluginError, Plugin: id, Error: err})
		return err
	}
	if err := m.runActivation(ctx, host); err != nil {
		m.emitEvent(ManagerEvent{Type: EventPluginError, Plugin: id, Error: err})
		return err
	}

	m.mu.Lock()
	m.activated = append(m.activated, id)
	m.mu.Unlock()
	m.emitEvent(ManagerEvent{Type: EventPluginActivated, Plugin: id})
	return nil
}

// runActivation invokes the host's entry point, bounded by the
// activation deadline when one is configured. On timeout the plugin is
// marked errored immediately; the entry goroutine is abandoned and its
// late result discarded.
func (m *Manager) runActivation(ctx context.Context, host *Host) error {
	if m.cfg.ActivationTimeout <= 0 {
		return host.Activate(ctx)
	}

	done := make(chan error, 1)
	go func() {
		done <- host.Activate(ctx)
	}()

	timer := time.NewTimer(m.cfg.ActivationTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		host.markTimeout()
		return host.Err()
	case <-ctx.Done():
		host.markTimeout()
		return ctx.Err()
	}
}

// ActivateByEvent activates every not-yet-active plugin whose manifest
// subscribes to the event (exactly or via the wildcard). One plugin's
// failure does not stop the others; all failures are joined.
func (m *Manager) ActivateByEvent(ctx context.Context, event string) error {
	var errs []error
	for _, host := range m.List() {
		if !host.Manifest().WantsEvent(event) {
			continue
		}
		switch host.State() {
		case StateActive, StateError, StateDeactivating, StateDeactivated:
			continue
		}
		if err := m.Activate(ctx, host.ID(), "event:"+event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Deactivate runs a plugin's exit point and releases everything it
// registered. Plugins that depend on it stay active; later sends to the
// deactivated plugin fail.
func (m *Manager) Deactivate(ctx context.Context, id string) error {
	host := m.Host(id)
	if host == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
	}

	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := host.Deactivate(ctx); err != nil {
		return err
	}
	m.emitEvent(ManagerEvent{Type: EventPluginDeactivated, Plugin: id})
	return nil
}

// Shutdown deactivates every active plugin in reverse activation order,
// then unloads the deactivated hosts. Exit-point failures are collected;
// shutdown always runs to completion.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	order := make([]string, len(m.activated))
	copy(order, m.activated)
	m.mu.RUnlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		host := m.Host(id)
		if host == nil || host.State() != StateActive {
			continue
		}
		if err := m.Deactivate(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	for _, host := range m.List() {
		if host.State() != StateDeactivated {
			continue
		}
		if err := host.Unload(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	m.log.Info("plugin manager shut down")
	return errors.Join(errs...)
}

package extension

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Extension is the compile-time contract for in-process Go plugins.
// A manifest selects a Go extension with a "go:<factory>" entry point.
type Extension interface {
	// Activate is the lifecycle entry point. The API object exposes the
	// contribution registry, message bus, context store, storage, and
	// logger for this plugin.
	Activate(ctx context.Context, api *API) error

	// Deactivate is the lifecycle exit point. Handles acquired through
	// the API are released by the host afterwards regardless of the
	// returned error.
	Deactivate(ctx context.Context) error
}

// Factory constructs a fresh Extension instance for one host.
type Factory func() Extension

// ErrNilFactory is returned when registering a nil factory.
var ErrNilFactory = errors.New("factory is nil")

// Factories is an explicitly-owned table of Go extension factories,
// passed into the manager rather than kept as package state.
type Factories struct {
	mu sync.RWMutex
	m  map[string]Factory
}

// NewFactories creates an empty factory table.
func NewFactories() *Factories {
	return &Factories{m: make(map[string]Factory)}
}

// Register adds a factory under name, replacing any previous entry.
func (f *Factories) Register(name string, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("%w: %s", ErrNilFactory, name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[name] = factory
	return nil
}

// Lookup returns the factory registered under name.
func (f *Factories) Lookup(name string) (Factory, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	factory, ok := f.m[name]
	return factory, ok
}

// ExtensionFuncs adapts plain functions to the Extension contract.
type ExtensionFuncs struct {
	OnActivate   func(ctx context.Context, api *API) error
	OnDeactivate func(ctx context.Context) error
}

// Activate implements Extension.
func (e *ExtensionFuncs) Activate(ctx context.Context, api *API) error {
	if e.OnActivate == nil {
		return nil
	}
	return e.OnActivate(ctx, api)
}

// Deactivate implements Extension.
func (e *ExtensionFuncs) Deactivate(ctx context.Context) error {
	if e.OnDeactivate == nil {
		return nil
	}
	return e.OnDeactivate(ctx)
}

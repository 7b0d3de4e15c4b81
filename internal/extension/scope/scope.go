// Package scope implements the per-plugin isolation boundary: each plugin
// gets its own Lua interpreter state and its own module-resolution scope.
//
// A require() issued by plugin code resolves, in order: modules already
// loaded in this scope, the plugin's private lib/ directory, Go modules
// attached to this scope, and finally the shared host module set. Plugins
// may therefore ship private versions of a module without colliding with
// the host's or each other's.
package scope

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Scope errors.
var (
	// ErrClosed is returned when using a scope after Close.
	ErrClosed = errors.New("scope is closed")

	// ErrNoFunction is returned by Call when the named global is not a
	// function.
	ErrNoFunction = errors.New("global is not a function")

	// ErrModuleNotFound is raised into Lua when require cannot resolve a
	// module in any resolution layer.
	ErrModuleNotFound = errors.New("module not found")
)

// DefaultCallTimeout bounds a single entry-point or handler call.
const DefaultCallTimeout = 5 * time.Second

// Loader builds a module value for a Lua state. It is called at most once
// per scope; the result is cached in that scope.
type Loader func(L *lua.LState) lua.LValue

// Modules is the shared host module set. It is safe for concurrent use
// and shared by reference across scopes.
type Modules struct {
	mu   sync.RWMutex
	mods map[string]Loader
}

// NewModules creates an empty shared module set.
func NewModules() *Modules {
	return &Modules{mods: make(map[string]Loader)}
}

// Register adds or replaces a shared module loader.
func (m *Modules) Register(name string, loader Loader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mods[name] = loader
}

// Lookup returns the loader for name, if present.
func (m *Modules) Lookup(name string) (Loader, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.mods[name]
	return l, ok
}

// Scope owns one plugin's Lua state and module-resolution boundary.
//
// gopher-lua states are not goroutine-safe; the scope serializes all
// entry into the state with its own mutex.
type Scope struct {
	mu sync.Mutex

	L      *lua.LState
	root   string // plugin directory, owns the private lib/ layer
	shared *Modules

	private map[string]Loader    // Go modules attached to this scope only
	loaded  map[string]lua.LValue // require cache

	callTimeout time.Duration
	closed      bool
}

// Option configures a Scope.
type Option func(*Scope)

// WithModule attaches a Go module visible only to this scope. It resolves
// after the plugin's private lib/ directory and before shared modules.
func WithModule(name string, loader Loader) Option {
	return func(s *Scope) {
		s.private[name] = loader
	}
}

// WithCallTimeout bounds each DoFile/Call. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Scope) {
		s.callTimeout = d
	}
}

// New creates a scope rooted at the plugin directory. Only the safe Lua
// standard libraries are opened; io, os, debug, and the stock package
// loader are withheld, and require is replaced with the scoped resolver.
func New(root string, shared *Modules, opts ...Option) *Scope {
	s := &Scope{
		root:        root,
		shared:      shared,
		private:     make(map[string]Loader),
		loaded:      make(map[string]lua.LValue),
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	L.SetGlobal("require", L.NewFunction(s.luaRequire))
	s.L = L
	return s
}

// Root returns the plugin directory this scope resolves private modules in.
func (s *Scope) Root() string {
	return s.root
}

// DoFile executes a Lua file inside the scope. Relative paths resolve
// against the scope root.
func (s *Scope) DoFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, path)
	}
	return s.protect(func() error {
		return s.L.DoFile(path)
	})
}

// HasFunction reports whether the plugin defined the named global function.
func (s *Scope) HasFunction(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	return s.L.GetGlobal(name).Type() == lua.LTFunction
}

// Call invokes a global Lua function with the given Go arguments and
// returns its results converted back to Go values.
func (s *Scope) Call(name string, args ...any) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	fn := s.L.GetGlobal(name)
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%w: %s", ErrNoFunction, name)
	}

	luaArgs := make([]lua.LValue, len(args))
	for i, a := range args {
		luaArgs[i] = ToLua(s.L, a)
	}

	var results []any
	err := s.protect(func() error {
		top := s.L.GetTop()
		if err := s.L.CallByParam(lua.P{
			Fn:      fn,
			NRet:    lua.MultRet,
			Protect: true,
		}, luaArgs...); err != nil {
			return err
		}
		nret := s.L.GetTop() - top
		results = make([]any, 0, nret)
		for i := top + 1; i <= s.L.GetTop(); i++ {
			results = append(results, ToGo(s.L.Get(i)))
		}
		s.L.SetTop(top)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// CallValue invokes a Lua function value (e.g. a callback a plugin handed
// to the host) with the given Go arguments.
func (s *Scope) CallValue(fn lua.LValue, args ...any) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if fn == nil || fn.Type() != lua.LTFunction {
		return nil, ErrNoFunction
	}

	luaArgs := make([]lua.LValue, len(args))
	for i, a := range args {
		luaArgs[i] = ToLua(s.L, a)
	}

	var results []any
	err := s.protect(func() error {
		top := s.L.GetTop()
		if err := s.L.CallByParam(lua.P{
			Fn:      fn,
			NRet:    lua.MultRet,
			Protect: true,
		}, luaArgs...); err != nil {
			return err
		}
		results = make([]any, 0, s.L.GetTop()-top)
		for i := top + 1; i <= s.L.GetTop(); i++ {
			results = append(results, ToGo(s.L.Get(i)))
		}
		s.L.SetTop(top)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Close discards the Lua state. The scope is unusable afterwards.
func (s *Scope) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.loaded = nil
	s.L.Close()
}

// protect runs fn with panic recovery and the configured call bound.
// Must be called with mu held.
func (s *Scope) protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()

	if s.callTimeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), s.callTimeout)
		defer cancel()
		s.L.SetContext(ctx)
		defer s.L.RemoveContext()
	}
	return fn()
}

// luaRequire is the scoped module resolver installed as require().
func (s *Scope) luaRequire(L *lua.LState) int {
	name := L.CheckString(1)

	if v, ok := s.loaded[name]; ok {
		L.Push(v)
		return 1
	}

	v, err := s.resolve(L, name)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	s.loaded[name] = v
	L.Push(v)
	return 1
}

// resolve walks the resolution layers for a module name.
func (s *Scope) resolve(L *lua.LState, name string) (lua.LValue, error) {
	// Private dependency assets shipped with the plugin.
	rel := filepath.FromSlash(name) + ".lua"
	priv := filepath.Join(s.root, "lib", rel)
	if _, err := os.Stat(priv); err == nil {
		return s.loadFileModule(L, priv)
	}

	// Go modules attached to this scope (the plugin API lives here).
	if loader, ok := s.private[name]; ok {
		return loader(L), nil
	}

	// Shared host modules.
	if s.shared != nil {
		if loader, ok := s.shared.Lookup(name); ok {
			return loader(L), nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
}

// loadFileModule runs a module file and returns its return value.
func (s *Scope) loadFileModule(L *lua.LState, path string) (lua.LValue, error) {
	fn, err := L.LoadFile(path)
	if err != nil {
		return nil, err
	}
	top := L.GetTop()
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return nil, err
	}
	v := L.Get(top + 1)
	L.SetTop(top)
	if v == lua.LNil {
		// Modules without a return value cache as true, like stock Lua.
		return lua.LTrue, nil
	}
	return v, nil
}

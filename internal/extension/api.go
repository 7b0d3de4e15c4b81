package extension

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kverity/hearth/internal/bus"
	"github.com/kverity/hearth/internal/contrib"
	"github.com/kverity/hearth/internal/handle"
	"github.com/kverity/hearth/internal/when"
)

// API is the contract handed to every activated plugin. It exposes the
// contribution registry, the message bus, the context store, a per-plugin
// storage path, a scoped logger, and the manager for introspection.
//
// Every register or subscribe call made through the API returns (and
// internally tracks) a disposable handle; all tracked handles are
// released when the plugin deactivates, even if the plugin's own exit
// code fails.
type API struct {
	pluginID string
	registry *contrib.Registry
	msgBus   *bus.Bus
	store    *when.Store
	eval     *when.Evaluator
	manager  *Manager
	storage  *Storage
	log      *logrus.Entry
	config   map[string]any

	mu       sync.Mutex
	handles  []*handle.Handle
	released bool
}

// originKey carries the broadcasting plugin's id in the context so a Lua
// plugin's own subscribers can be skipped (delivering a broadcast back
// into the Lua state that issued it would deadlock the interpreter lock).
type originKey struct{}

// BroadcastOrigin returns the plugin id that issued a broadcast, if the
// broadcast went through a plugin API.
func BroadcastOrigin(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(originKey{}).(string)
	return id, ok
}

// PluginID returns the owning plugin's id.
func (a *API) PluginID() string {
	return a.pluginID
}

// Log returns the plugin-scoped logger.
func (a *API) Log() *logrus.Entry {
	return a.log
}

// Storage returns the plugin's private storage.
func (a *API) Storage() *Storage {
	return a.storage
}

// Config returns the configuration table seeded from the manifest's
// configDefaults.
func (a *API) Config() map[string]any {
	cfg := make(map[string]any, len(a.config))
	for k, v := range a.config {
		cfg[k] = v
	}
	return cfg
}

// Manager returns the extension manager for introspecting other plugins.
func (a *API) Manager() *Manager {
	return a.manager
}

// AddContribution registers a live contribution owned by this plugin.
// A non-empty when expression is prechecked so malformed expressions are
// diagnosed here, once, rather than on every evaluation.
func (a *API) AddContribution(point string, payload any, whenExpr string) error {
	if whenExpr != "" {
		// Precheck failure is deliberately not fatal: the contribution is
		// recorded and simply never visible.
		_ = a.eval.Precheck(whenExpr)
	}
	h, err := a.registry.Add(point, contrib.Contribution{
		Owner:   a.pluginID,
		Payload: payload,
		When:    whenExpr,
	})
	if err != nil {
		return err
	}
	a.track(h)
	return nil
}

// Contributions queries a contribution point, filtered to entries whose
// when expression currently evaluates true.
func (a *API) Contributions(point string) []contrib.Contribution {
	return a.registry.Query(point, func(c contrib.Contribution) bool {
		return a.eval.Evaluate(c.When)
	})
}

// RegisterPoint registers a contribution point owned by this plugin.
func (a *API) RegisterPoint(id string, schema contrib.PointSchema) error {
	return a.registry.RegisterPoint(id, schema)
}

// OnMessage installs this plugin's handler for a message type.
func (a *API) OnMessage(msgType string, h bus.HandlerFunc) error {
	hd, err := a.msgBus.RegisterHandler(a.pluginID, msgType, h)
	if err != nil {
		return err
	}
	a.track(hd)
	return nil
}

// Send dispatches a request to another plugin and returns its response,
// activating the target first if necessary.
func (a *API) Send(ctx context.Context, target, msgType string, body any) (any, error) {
	return a.msgBus.Send(ctx, target, msgType, body)
}

// Broadcast delivers a message to every subscriber of the type.
func (a *API) Broadcast(ctx context.Context, msgType string, body any) {
	a.msgBus.Broadcast(context.WithValue(ctx, originKey{}, a.pluginID), msgType, body)
}

// OnBroadcast subscribes to a broadcast message type.
func (a *API) OnBroadcast(msgType string, fn bus.SubscriberFunc) error {
	h, err := a.msgBus.Subscribe(msgType, fn)
	if err != nil {
		return err
	}
	a.track(h)
	return nil
}

// SetContext sets a named fact in the context store.
func (a *API) SetContext(key string, value any) {
	a.store.Set(key, value)
}

// GetContext reads a named fact.
func (a *API) GetContext(key string) (any, bool) {
	return a.store.Get(key)
}

// ClearContext removes a named fact.
func (a *API) ClearContext(key string) {
	a.store.Delete(key)
}

// OnContext subscribes to changes of a context key.
func (a *API) OnContext(key string, fn when.SubscribeFunc) {
	a.track(a.store.Subscribe(key, fn))
}

// EvalWhen evaluates a when expression against the current context.
func (a *API) EvalWhen(expr string) bool {
	return a.eval.Evaluate(expr)
}

// track records a handle for release at deactivation.
func (a *API) track(h *handle.Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		// Deactivation already ran; drop the registration immediately.
		h.Close()
		return
	}
	a.handles = append(a.handles, h)
}

// release closes every tracked handle in reverse acquisition order and
// bulk-removes the plugin's contributions. It runs exactly once, during
// the owning plugin's deactivating transition.
func (a *API) release() {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return
	}
	a.released = true
	handles := a.handles
	a.handles = nil
	a.mu.Unlock()

	for i := len(handles) - 1; i >= 0; i-- {
		handles[i].Close()
	}
	a.registry.RemoveAllFor(a.pluginID)
}

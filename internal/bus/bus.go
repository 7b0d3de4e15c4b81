// Package bus implements point-to-point request/response messaging and a
// synchronous broadcast channel between plugins.
//
// Send targets one plugin and at most one handler per (plugin, message
// type) pair; if the target is not yet active the bus asks the manager to
// activate it first. Broadcast delivers to every subscriber of a message
// type in subscription order; delivery errors and panics are contained
// per subscriber, and broadcasts are serialized against each other.
//
// Broadcast ordering guarantee: all broadcasts pass through one queue and
// are delivered one at a time, each to completion, in enqueue order. When
// no other broadcast is in flight the caller performs the delivery itself
// and Broadcast is fully synchronous. When another goroutine is already
// draining the queue (or the caller is a subscriber broadcasting from
// inside a delivery), Broadcast returns after enqueueing and that drainer
// delivers the message; ordering and serialization still hold, but the
// caller may return before its own message has been delivered.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kverity/hearth/internal/handle"
)

// Bus errors.
var (
	// ErrNoHandler is returned by Send when the target plugin has no
	// handler for the message type.
	ErrNoHandler = errors.New("no handler for message")

	// ErrActivationFailed is returned by Send when activating the target
	// plugin on demand fails.
	ErrActivationFailed = errors.New("target plugin activation failed")

	// ErrNilHandler is returned when registering a nil handler.
	ErrNilHandler = errors.New("handler is nil")

	// ErrHandlerPanic is returned when a message handler panics.
	ErrHandlerPanic = errors.New("message handler panicked")
)

// Activator activates a plugin on demand before message dispatch.
// The extension manager implements it.
type Activator interface {
	EnsureActive(ctx context.Context, pluginID string) error
}

// HandlerFunc handles a point-to-point request and produces a response.
type HandlerFunc func(ctx context.Context, body any) (any, error)

// SubscriberFunc receives a broadcast message.
type SubscriberFunc func(ctx context.Context, body any)

type handlerKey struct {
	plugin  string
	msgType string
}

type subscriber struct {
	id  string
	seq uint64
	fn  SubscriberFunc
}

type pendingBroadcast struct {
	ctx     context.Context
	msgType string
	body    any
}

// Bus routes messages between plugins.
type Bus struct {
	mu        sync.RWMutex
	handlers  map[handlerKey]HandlerFunc
	subs      map[string][]*subscriber // msgType -> subscription order
	seq       uint64
	activator Activator
	log       *logrus.Entry

	// Broadcast serialization: one drainer delivers queued broadcasts to
	// completion before the next begins. A broadcast issued from inside a
	// handler is queued and delivered after the current pass.
	bmu      sync.Mutex
	queue    []pendingBroadcast
	draining bool
}

// New creates a message bus.
func New(log *logrus.Entry) *Bus {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Bus{
		handlers: make(map[handlerKey]HandlerFunc),
		subs:     make(map[string][]*subscriber),
		log:      log,
	}
}

// SetActivator installs the manager used for lazy activation on Send.
func (b *Bus) SetActivator(a Activator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activator = a
}

// RegisterHandler installs the handler for (pluginID, msgType).
// A second registration for the same pair replaces the first and logs a
// warning. The returned handle removes the registration.
func (b *Bus) RegisterHandler(pluginID, msgType string, h HandlerFunc) (*handle.Handle, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	key := handlerKey{plugin: pluginID, msgType: msgType}

	b.mu.Lock()
	if _, exists := b.handlers[key]; exists {
		b.log.WithFields(logrus.Fields{
			"plugin":  pluginID,
			"message": msgType,
		}).Warn("replacing existing message handler")
	}
	b.handlers[key] = h
	b.mu.Unlock()

	return handle.New(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, key)
	}), nil
}

// Send dispatches a request to the target plugin's handler for msgType
// and returns its response. If the target is not active, the bus first
// requests its activation; an activation failure is reported as
// ErrActivationFailed, a missing handler as ErrNoHandler.
func (b *Bus) Send(ctx context.Context, target, msgType string, body any) (any, error) {
	b.mu.RLock()
	activator := b.activator
	b.mu.RUnlock()

	if activator != nil {
		if err := activator.EnsureActive(ctx, target); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrActivationFailed, target, err)
		}
	}

	b.mu.RLock()
	h, ok := b.handlers[handlerKey{plugin: target, msgType: msgType}]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoHandler, target, msgType)
	}

	return b.invoke(ctx, target, msgType, h, body)
}

// invoke calls a handler with panic containment.
func (b *Bus) invoke(ctx context.Context, target, msgType string, h HandlerFunc, body any) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{
				"plugin":  target,
				"message": msgType,
				"panic":   r,
			}).Error("message handler panicked")
			resp = nil
			err = fmt.Errorf("%w: %s/%s: %v", ErrHandlerPanic, target, msgType, r)
		}
	}()
	return h(ctx, body)
}

// Subscribe registers a broadcast subscriber for msgType. The returned
// handle removes the subscription.
func (b *Bus) Subscribe(msgType string, fn SubscriberFunc) (*handle.Handle, error) {
	if fn == nil {
		return nil, ErrNilHandler
	}

	var h *handle.Handle
	h = handle.New(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[msgType]
		for i, s := range list {
			if s.id == h.ID() {
				b.subs[msgType] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(b.subs[msgType]) == 0 {
			delete(b.subs, msgType)
		}
	})

	b.mu.Lock()
	b.seq++
	b.subs[msgType] = append(b.subs[msgType], &subscriber{id: h.ID(), seq: b.seq, fn: fn})
	b.mu.Unlock()

	return h, nil
}

// Broadcast delivers body to every live subscriber of msgType, in
// subscription order. A panic in one subscriber is logged and does not
// prevent delivery to the rest. Broadcasts are serialized: each is
// processed to completion before the next begins, and a broadcast issued
// from inside a subscriber is queued behind the current one. A caller
// that does not become the drainer (another goroutine already is, or the
// call is reentrant from a delivery) returns once its message is queued;
// see the package comment for the exact guarantee.
func (b *Bus) Broadcast(ctx context.Context, msgType string, body any) {
	b.bmu.Lock()
	b.queue = append(b.queue, pendingBroadcast{ctx: ctx, msgType: msgType, body: body})
	if b.draining {
		b.bmu.Unlock()
		return
	}
	b.draining = true
	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue = b.queue[1:]
		b.bmu.Unlock()
		b.deliver(next.ctx, next.msgType, next.body)
		b.bmu.Lock()
	}
	b.draining = false
	b.bmu.Unlock()
}

// deliver runs one broadcast pass over a snapshot of subscribers.
func (b *Bus) deliver(ctx context.Context, msgType string, body any) {
	b.mu.RLock()
	list := b.subs[msgType]
	snapshot := make([]*subscriber, len(list))
	copy(snapshot, list)
	b.mu.RUnlock()

	for _, s := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.WithFields(logrus.Fields{
						"message": msgType,
						"panic":   r,
					}).Error("broadcast subscriber panicked")
				}
			}()
			s.fn(ctx, body)
		}()
	}
}

// SubscriberCount returns the number of subscribers for msgType.
func (b *Bus) SubscriberCount(msgType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[msgType])
}

// HasHandler reports whether a handler exists for (pluginID, msgType).
func (b *Bus) HasHandler(pluginID, msgType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.handlers[handlerKey{plugin: pluginID, msgType: msgType}]
	return ok
}

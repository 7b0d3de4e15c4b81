package when

import (
	"strconv"
	"sync"

	"github.com/kverity/hearth/internal/handle"
)

// Store is a process-wide key/value store of named facts.
// Keys are globally unique; the last writer wins.
type Store struct {
	mu      sync.RWMutex
	entries map[string]any
	subs    map[string]map[string]SubscribeFunc
}

// SubscribeFunc is called when a key changes. The value is nil when the
// key was deleted. Callbacks run synchronously on the setter's goroutine.
type SubscribeFunc func(key string, value any)

// NewStore creates an empty context store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]any),
		subs:    make(map[string]map[string]SubscribeFunc),
	}
}

// Set stores a value for key and notifies the key's subscribers.
// Supported value kinds are bool, string, and numbers; other values are
// stored as-is and treated as truthy by the evaluator when non-nil.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	s.entries[key] = value
	fns := s.subscribersLocked(key)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(key, value)
	}
}

// Delete removes a key and notifies the key's subscribers with a nil value.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	_, existed := s.entries[key]
	delete(s.entries, key)
	fns := s.subscribersLocked(key)
	s.mu.Unlock()

	if !existed {
		return
	}
	for _, fn := range fns {
		fn(key, nil)
	}
}

// Get returns the value for key and whether it is present.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	return v, ok
}

// Subscribe registers a callback for changes to key. The returned handle
// removes the subscription when closed.
func (s *Store) Subscribe(key string, fn SubscribeFunc) *handle.Handle {
	if fn == nil {
		return handle.New(nil)
	}

	var h *handle.Handle
	h = handle.New(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if m, ok := s.subs[key]; ok {
			delete(m, h.ID())
			if len(m) == 0 {
				delete(s.subs, key)
			}
		}
	})

	s.mu.Lock()
	if s.subs[key] == nil {
		s.subs[key] = make(map[string]SubscribeFunc)
	}
	s.subs[key][h.ID()] = fn
	s.mu.Unlock()

	return h
}

// Keys returns a snapshot of all present keys.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

// subscribersLocked returns a snapshot of the subscribers for key.
// Must be called with mu held.
func (s *Store) subscribersLocked(key string) []SubscribeFunc {
	m := s.subs[key]
	if len(m) == 0 {
		return nil
	}
	fns := make([]SubscribeFunc, 0, len(m))
	for _, fn := range m {
		fns = append(fns, fn)
	}
	return fns
}

// Truthy reports how the evaluator interprets a stored value as a bare
// atom: boolean true, non-empty strings, and non-zero numbers are true;
// absent (nil), false, empty, and zero are false.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case float32:
		return val != 0
	case int:
		return val != 0
	case int32:
		return val != 0
	case int64:
		return val != 0
	default:
		return true
	}
}

// ValueString formats a stored value for comparison against a string
// literal in ==, !=, =~, and in expressions.
func ValueString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(val)
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return ""
	}
}

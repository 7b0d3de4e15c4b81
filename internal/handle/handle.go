// Package handle provides the disposable registration handle used across
// the runtime. Every register or subscribe call returns a *Handle; closing
// it is the only removal path for the registration it represents.
package handle

import (
	"sync"

	"github.com/google/uuid"
)

// Handle represents an owned registration. It is safe for concurrent use
// and Close is idempotent.
type Handle struct {
	id      string
	once    sync.Once
	release func()
}

// New creates a handle that runs release exactly once when closed.
func New(release func()) *Handle {
	return &Handle{
		id:      uuid.NewString(),
		release: release,
	}
}

// ID returns the unique handle identifier.
func (h *Handle) ID() string {
	return h.id
}

// Close releases the underlying registration. Subsequent calls are no-ops.
func (h *Handle) Close() {
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
	})
}

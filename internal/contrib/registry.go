package contrib

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kverity/hearth/internal/handle"
)

// Registry errors.
var (
	// ErrPointConflict is returned when a contribution point is
	// re-registered with a different schema.
	ErrPointConflict = errors.New("contribution point already registered with a different schema")

	// ErrOwnerNotLive is returned when a live contribution names an owner
	// that is not activating or active.
	ErrOwnerNotLive = errors.New("contribution owner is not active")

	// ErrNilContribution is returned for contributions without a payload.
	ErrNilContribution = errors.New("contribution payload is nil")
)

// Contribution is a single entry under a contribution point.
type Contribution struct {
	// Point is the contribution-point id (e.g. "commands").
	Point string

	// Owner is the id of the contributing plugin.
	Owner string

	// Payload is the point-specific descriptor.
	Payload any

	// When optionally gates visibility with a when-expression.
	When string

	// Declared marks inert contributions recorded from a manifest before
	// the owner was activated.
	Declared bool
}

// PointSchema describes a contribution point. Re-registration with an
// identical schema is a no-op.
type PointSchema struct {
	// Description documents the point for tooling.
	Description string

	// Fields names the payload fields the point expects.
	Fields []string
}

// ChangeKind classifies registry change notifications.
type ChangeKind int

const (
	// ChangePointRegistered is sent when a contribution point appears.
	ChangePointRegistered ChangeKind = iota
	// ChangeAdded is sent when a contribution becomes visible.
	ChangeAdded
	// ChangeRemoved is sent when contributions are removed.
	ChangeRemoved
)

// Change describes a registry mutation.
type Change struct {
	Kind  ChangeKind
	Point string
	Owner string
}

// ChangeFunc receives registry change notifications.
type ChangeFunc func(Change)

// OwnerLiveFunc reports whether a plugin id may own live contributions
// (i.e. it is activating or active).
type OwnerLiveFunc func(owner string) bool

// entry is a stored contribution with insertion ordering.
type entry struct {
	id      string
	seq     uint64
	c       Contribution
	pending bool
}

// Registry holds all contribution points and their entries.
// Mutation is synchronized per registry call; queries return snapshots.
type Registry struct {
	mu        sync.RWMutex
	schemas   map[string]PointSchema
	entries   map[string]*entry            // by handle id
	byPoint   map[string]map[string]*entry // visible entries per point
	pending   map[string]map[string]*entry // queued entries per unregistered point
	byOwner   map[string]map[string]*entry // all entries per owner
	seq       uint64
	subs      map[string]ChangeFunc
	ownerLive OwnerLiveFunc
	log       *logrus.Entry
}

// NewRegistry creates an empty contribution registry.
func NewRegistry(log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		schemas: make(map[string]PointSchema),
		entries: make(map[string]*entry),
		byPoint: make(map[string]map[string]*entry),
		pending: make(map[string]map[string]*entry),
		byOwner: make(map[string]map[string]*entry),
		subs:    make(map[string]ChangeFunc),
		log:     log,
	}
}

// SetOwnerLive installs the owner liveness check applied to live (non
// declared) contributions. A nil check disables the gate.
func (r *Registry) SetOwnerLive(fn OwnerLiveFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ownerLive = fn
}

// RegisterPoint registers a contribution point. Registering an existing
// point with an identical schema is idempotent; a differing schema is an
// error. Contributions queued for the point become visible.
func (r *Registry) RegisterPoint(id string, schema PointSchema) error {
	r.mu.Lock()

	if existing, ok := r.schemas[id]; ok {
		r.mu.Unlock()
		if reflect.DeepEqual(existing, schema) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrPointConflict, id)
	}

	r.schemas[id] = schema
	if r.byPoint[id] == nil {
		r.byPoint[id] = make(map[string]*entry)
	}

	// Flush queued contributions in arrival order.
	queued := r.pending[id]
	delete(r.pending, id)
	flushed := make([]*entry, 0, len(queued))
	for _, e := range queued {
		e.pending = false
		r.byPoint[id][e.id] = e
		flushed = append(flushed, e)
	}
	sort.Slice(flushed, func(i, j int) bool { return flushed[i].seq < flushed[j].seq })

	changes := []Change{{Kind: ChangePointRegistered, Point: id}}
	for _, e := range flushed {
		changes = append(changes, Change{Kind: ChangeAdded, Point: id, Owner: e.c.Owner})
	}
	fns := r.changeFuncsLocked()
	r.mu.Unlock()

	notify(fns, changes)
	return nil
}

// Points returns the ids of all registered contribution points.
func (r *Registry) Points() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.schemas))
	for id := range r.schemas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Schema returns the schema for a registered point.
func (r *Registry) Schema(id string) (PointSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[id]
	return s, ok
}

// Add records a contribution under pointID. If the point is not yet
// registered, the contribution is queued and becomes visible when the
// point appears. The returned handle removes the contribution.
func (r *Registry) Add(pointID string, c Contribution) (*handle.Handle, error) {
	if c.Payload == nil {
		return nil, ErrNilContribution
	}
	c.Point = pointID

	r.mu.Lock()

	if !c.Declared && r.ownerLive != nil && !r.ownerLive(c.Owner) {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrOwnerNotLive, c.Owner)
	}

	r.seq++
	e := &entry{seq: r.seq, c: c}

	var h *handle.Handle
	h = handle.New(func() { r.remove(h.ID()) })
	e.id = h.ID()

	r.entries[e.id] = e
	if r.byOwner[c.Owner] == nil {
		r.byOwner[c.Owner] = make(map[string]*entry)
	}
	r.byOwner[c.Owner][e.id] = e

	_, registered := r.schemas[pointID]
	if registered {
		r.byPoint[pointID][e.id] = e
	} else {
		e.pending = true
		if r.pending[pointID] == nil {
			r.pending[pointID] = make(map[string]*entry)
		}
		r.pending[pointID][e.id] = e
	}
	fns := r.changeFuncsLocked()
	r.mu.Unlock()

	if registered {
		notify(fns, []Change{{Kind: ChangeAdded, Point: pointID, Owner: c.Owner}})
	}
	return h, nil
}

// Query returns a snapshot of the visible contributions for pointID, in
// insertion order, optionally filtered by pred. Queued contributions for
// an unregistered point are not visible.
func (r *Registry) Query(pointID string, pred func(Contribution) bool) []Contribution {
	r.mu.RLock()
	bucket := r.byPoint[pointID]
	matched := make([]*entry, 0, len(bucket))
	for _, e := range bucket {
		if pred == nil || pred(e.c) {
			matched = append(matched, e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	out := make([]Contribution, len(matched))
	for i, e := range matched {
		out[i] = e.c
	}
	return out
}

// QueryOwner returns a snapshot of all contributions owned by a plugin,
// across points, including queued ones.
func (r *Registry) QueryOwner(owner string) []Contribution {
	r.mu.RLock()
	bucket := r.byOwner[owner]
	matched := make([]*entry, 0, len(bucket))
	for _, e := range bucket {
		matched = append(matched, e)
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	out := make([]Contribution, len(matched))
	for i, e := range matched {
		out[i] = e.c
	}
	return out
}

// RemoveAllFor removes every contribution owned by the plugin. Cost is
// proportional to that plugin's contributions, not the registry size.
func (r *Registry) RemoveAllFor(owner string) {
	r.mu.Lock()

	bucket := r.byOwner[owner]
	points := make(map[string]bool, len(bucket))
	for id, e := range bucket {
		delete(r.entries, id)
		if e.pending {
			delete(r.pending[e.c.Point], id)
		} else {
			delete(r.byPoint[e.c.Point], id)
		}
		points[e.c.Point] = true
	}
	delete(r.byOwner, owner)

	changes := make([]Change, 0, len(points))
	for point := range points {
		changes = append(changes, Change{Kind: ChangeRemoved, Point: point, Owner: owner})
	}
	fns := r.changeFuncsLocked()
	r.mu.Unlock()

	notify(fns, changes)
}

// Subscribe registers a change callback. Callbacks run synchronously on
// the mutating goroutine, outside the registry lock.
func (r *Registry) Subscribe(fn ChangeFunc) *handle.Handle {
	var h *handle.Handle
	h = handle.New(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, h.ID())
	})

	r.mu.Lock()
	r.subs[h.ID()] = fn
	r.mu.Unlock()
	return h
}

// Count returns the number of visible contributions for a point.
func (r *Registry) Count(pointID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPoint[pointID])
}

// remove deletes a single contribution by handle id.
func (r *Registry) remove(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.entries, id)
	if e.pending {
		delete(r.pending[e.c.Point], id)
	} else {
		delete(r.byPoint[e.c.Point], id)
	}
	if bucket := r.byOwner[e.c.Owner]; bucket != nil {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(r.byOwner, e.c.Owner)
		}
	}
	fns := r.changeFuncsLocked()
	r.mu.Unlock()

	if !e.pending {
		notify(fns, []Change{{Kind: ChangeRemoved, Point: e.c.Point, Owner: e.c.Owner}})
	}
}

// changeFuncsLocked snapshots subscriber callbacks. Must be called with
// mu held.
func (r *Registry) changeFuncsLocked() []ChangeFunc {
	if len(r.subs) == 0 {
		return nil
	}
	fns := make([]ChangeFunc, 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	return fns
}

func notify(fns []ChangeFunc, changes []Change) {
	for _, c := range changes {
		for _, fn := range fns {
			fn(c)
		}
	}
}

// Package engine is the runtime side of the object memory: it gives heap
// objects JavaScript properties laid out by shapes, and keeps the inline
// caches coherent with shape changes and collections.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/kilupskalvis/jsmem/internal/gc"
	"github.com/kilupskalvis/jsmem/internal/icache"
	"github.com/kilupskalvis/jsmem/internal/shape"
)

var (
	ErrNotFound = errors.New("not found")
	ErrNoMethod = errors.New("method not defined")
)

const (
	objectHeaderSize = 32
	slotSize         = 16
)

// Property is a named initial value for NewObject.
type Property struct {
	Name  string
	Value icache.Value
}

type object struct {
	shapeID   uint64
	slots     []icache.Value
	methods   map[string]icache.FunctionValue
	prototype uint64 // 0 when none
}

type transitionKey struct {
	from uint64
	prop string
}

// Realm couples a collector with an inline cache manager. Objects share
// shapes through a transition table rooted at the empty shape, so objects
// built the same way hit the same cache entries' shape checks.
type Realm struct {
	logger *slog.Logger
	heap   *gc.Collector
	caches *icache.Manager

	mu          sync.RWMutex
	objects     map[uint64]*object
	emptyShape  uint64
	transitions map[transitionKey]uint64
	initial     map[string]uint64

	globalMu sync.RWMutex
	globals  map[string]icache.Value
}

// NewRealm wires heap and caches together and subscribes to collections.
func NewRealm(heap *gc.Collector, caches *icache.Manager, logger *slog.Logger) *Realm {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Realm{
		logger:      logger,
		heap:        heap,
		caches:      caches,
		objects:     make(map[uint64]*object),
		transitions: make(map[transitionKey]uint64),
		initial:     make(map[string]uint64),
		globals:     make(map[string]icache.Value),
	}
	r.emptyShape = caches.CreateShape(nil, nil)
	heap.AddObserver(gc.ObserverFunc(r.onCollection))
	return r
}

func (r *Realm) Heap() *gc.Collector      { return r.heap }
func (r *Realm) Caches() *icache.Manager { return r.caches }

// onCollection forgets swept objects and drops their cache entries.
func (r *Realm) onCollection(e gc.CollectionEvent) {
	if len(e.Collected) == 0 {
		return
	}
	r.mu.Lock()
	for _, id := range e.Collected {
		delete(r.objects, id)
	}
	r.mu.Unlock()

	for _, id := range e.Collected {
		r.caches.InvalidateObject(id)
	}
	r.logger.Debug("realm objects released", "count", len(e.Collected))
}

// shapeFor returns a shared shape for an initial property list.
func (r *Realm) shapeFor(names []string) uint64 {
	if len(names) == 0 {
		return r.emptyShape
	}
	key := strings.Join(names, "\x00")
	if id, ok := r.initial[key]; ok {
		return id
	}
	id := r.caches.CreateShape(names, &r.emptyShape)
	r.initial[key] = id
	return id
}

func (r *Realm) transition(from uint64, prop string) uint64 {
	k := transitionKey{from, prop}
	if id, ok := r.transitions[k]; ok {
		return id
	}
	id := r.caches.TransitionShape(from, prop)
	r.transitions[k] = id
	return id
}

func objectSize(slots int) int {
	return objectHeaderSize + slots*slotSize
}

// NewObject allocates an object with the given properties in order.
// prototype is the ID of another realm object, or 0.
func (r *Realm) NewObject(objectType string, prototype uint64, props ...Property) (uint64, error) {
	names := make([]string, 0, len(props))
	slots := make([]icache.Value, 0, len(props))
	index := make(map[string]int, len(props))
	for _, p := range props {
		if i, dup := index[p.Name]; dup {
			slots[i] = p.Value.Clone()
			continue
		}
		index[p.Name] = len(names)
		names = append(names, p.Name)
		slots = append(slots, p.Value.Clone())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prototype != 0 {
		if _, ok := r.objects[prototype]; !ok {
			return 0, fmt.Errorf("prototype %d: %w", prototype, ErrNotFound)
		}
	}

	id, err := r.heap.Allocate(objectType, objectSize(len(slots)), nil)
	if err != nil {
		return 0, err
	}
	r.objects[id] = &object{
		shapeID:   r.shapeFor(names),
		slots:     slots,
		prototype: prototype,
	}
	if prototype != 0 {
		if err := r.heap.AddReference(id, prototype); err != nil {
			r.logger.Warn("prototype link failed", "object", id, "prototype", prototype, "error", err)
		}
	}
	return id, nil
}

func (r *Realm) lookup(id uint64) (*object, error) {
	obj, ok := r.objects[id]
	if !ok {
		return nil, fmt.Errorf("object %d: %w", id, ErrNotFound)
	}
	return obj, nil
}

// ShapeOf returns the current shape of an object.
func (r *Realm) ShapeOf(id uint64) (shape.Definition, error) {
	r.mu.RLock()
	obj, err := r.lookup(id)
	if err != nil {
		r.mu.RUnlock()
		return shape.Definition{}, err
	}
	sid := obj.shapeID
	r.mu.RUnlock()

	def, ok := r.caches.GetShape(sid)
	if !ok {
		return shape.Definition{}, fmt.Errorf("shape %d: %w", sid, ErrNotFound)
	}
	return def, nil
}

// SetProperty writes an own property. Adding a property moves the object to
// a new shape and invalidates its cache entries.
func (r *Realm) SetProperty(id uint64, name string, value icache.Value) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	obj, err := r.lookup(id)
	if err != nil {
		return err
	}
	def, _ := r.caches.GetShape(obj.shapeID)
	if off, ok := def.Offset(name); ok {
		obj.slots[off] = value.Clone()
		r.caches.UpdateProperty(id, name, value)
		return r.touch(id)
	}

	next := r.transition(obj.shapeID, name)
	r.caches.InvalidateObject(id)
	obj.shapeID = next
	obj.slots = append(obj.slots, value.Clone())
	return r.touch(id)
}

func (r *Realm) touch(id uint64) error {
	if err := r.heap.Touch(id); err != nil && !errors.Is(err, gc.ErrNotFound) {
		return err
	}
	return nil
}

// GetProperty resolves name on the object, then along its prototype chain.
// A missing property yields undefined.
func (r *Realm) GetProperty(id uint64, name string) (icache.Value, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	obj, err := r.lookup(id)
	if err != nil {
		return icache.Value{}, err
	}

	seen := map[uint64]bool{}
	for cur, o := id, obj; o != nil && !seen[cur]; cur, o = o.prototype, r.objects[o.prototype] {
		seen[cur] = true
		if v, ok := r.getOwn(cur, o, name); ok {
			return v, nil
		}
		if o.prototype == 0 {
			break
		}
	}
	return icache.Undefined(), nil
}

// getOwn tries the cache first, then the shape layout, populating the cache
// on a slow-path hit.
func (r *Realm) getOwn(id uint64, obj *object, name string) (icache.Value, bool) {
	if e, ok := r.caches.LookupPropertyForShape(id, name, obj.shapeID); ok {
		return e.Value, true
	}
	def, ok := r.caches.GetShape(obj.shapeID)
	if !ok {
		return icache.Value{}, false
	}
	off, ok := def.Offset(name)
	if !ok || off >= len(obj.slots) {
		return icache.Value{}, false
	}
	v := obj.slots[off]
	r.caches.StoreProperty(id, name, obj.shapeID, off, v)
	return v.Clone(), true
}

// DeleteProperty removes an own property, rebuilding the shape from the
// remaining names. It reports whether the property existed.
func (r *Realm) DeleteProperty(id uint64, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	obj, err := r.lookup(id)
	if err != nil {
		return false, err
	}
	def, _ := r.caches.GetShape(obj.shapeID)
	off, ok := def.Offset(name)
	if !ok {
		return false, nil
	}

	remaining := slices.Delete(slices.Clone(def.Properties), off, off+1)
	parent := obj.shapeID
	r.caches.InvalidateObject(id)
	obj.shapeID = r.caches.CreateShape(remaining, &parent)
	obj.slots = slices.Delete(obj.slots, off, off+1)
	return true, nil
}

// DefineMethod installs a method on the object.
func (r *Realm) DefineMethod(id uint64, name string, fn icache.FunctionValue) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	obj, err := r.lookup(id)
	if err != nil {
		return err
	}
	if obj.methods == nil {
		obj.methods = make(map[string]icache.FunctionValue)
	}
	obj.methods[name] = fn.Clone()
	r.caches.InvalidateMethod(id, name)
	return nil
}

// LookupMethod resolves a method the way a call site would, caching the
// result against the receiver's shape.
func (r *Realm) LookupMethod(id uint64, name string) (icache.FunctionValue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	obj, err := r.lookup(id)
	if err != nil {
		return icache.FunctionValue{}, err
	}
	if e, ok := r.caches.LookupMethodForShape(id, name, obj.shapeID); ok {
		return e.Method, nil
	}

	seen := map[uint64]bool{}
	depth := 0
	for cur, o := id, obj; o != nil && !seen[cur]; cur, o = o.prototype, r.objects[o.prototype] {
		seen[cur] = true
		if fn, ok := o.methods[name]; ok {
			r.caches.StoreMethod(id, name, obj.shapeID, depth, fn)
			return fn.Clone(), nil
		}
		if o.prototype == 0 {
			break
		}
		depth++
	}
	return icache.FunctionValue{}, fmt.Errorf("object %d method %q: %w", id, name, ErrNoMethod)
}

// SetGlobal binds a global. A cached binding is refreshed in place.
func (r *Realm) SetGlobal(name string, value icache.Value) {
	r.globalMu.Lock()
	r.globals[name] = value.Clone()
	r.globalMu.Unlock()
	r.caches.UpdateGlobal(name, value)
}

// GetGlobal resolves a global through the global cache.
func (r *Realm) GetGlobal(name string) (icache.Value, bool) {
	if v, ok := r.caches.LookupGlobal(name); ok {
		return v, true
	}
	r.globalMu.RLock()
	v, ok := r.globals[name]
	r.globalMu.RUnlock()
	if !ok {
		return icache.Value{}, false
	}
	r.caches.StoreGlobal(name, v)
	return v.Clone(), true
}

func (r *Realm) DeleteGlobal(name string) bool {
	r.globalMu.Lock()
	_, ok := r.globals[name]
	delete(r.globals, name)
	r.globalMu.Unlock()
	r.caches.InvalidateGlobal(name)
	return ok
}

// Link records that from holds a reference to to and retains to. A missing
// target is tolerated the same way the heap tolerates dangling edges.
func (r *Realm) Link(from, to uint64) error {
	if err := r.heap.AddReference(from, to); err != nil {
		return err
	}
	if err := r.heap.Retain(to); err != nil && !errors.Is(err, gc.ErrNotFound) {
		return err
	}
	return nil
}

func (r *Realm) Unlink(from, to uint64) error {
	if err := r.heap.RemoveReference(from, to); err != nil {
		return err
	}
	err := r.heap.Release(to)
	if errors.Is(err, gc.ErrNotFound) || errors.Is(err, gc.ErrInvalidState) {
		return nil
	}
	return err
}

func (r *Realm) Root(name string, rootType gc.RootType, ids ...uint64) error {
	return r.heap.AddRoot(name, ids, rootType)
}

func (r *Realm) Unroot(name string) error {
	return r.heap.RemoveRoot(name)
}

// Collect runs a collection pass. Swept objects are forgotten by the realm
// before Collect returns.
func (r *Realm) Collect(ctx context.Context) (gc.GCStats, error) {
	return r.heap.CollectGarbage(ctx)
}

// CollectFull runs passes until the heap has been traced and swept once.
// For the incremental strategy that means stepping the cycle to completion
// and then sweeping it.
func (r *Realm) CollectFull(ctx context.Context) (gc.GCStats, error) {
	cfg := r.heap.Config()
	if !cfg.Enabled || cfg.Strategy != gc.Incremental {
		return r.heap.CollectGarbage(ctx)
	}
	for {
		if _, err := r.heap.CollectGarbage(ctx); err != nil {
			return r.heap.Stats(), err
		}
		if _, done := r.heap.IncrementalCycleActive(); !done {
			continue
		}
		stats, err := r.heap.SweepIncremental(ctx)
		// A mutation between the last step and the sweep resumes marking.
		if errors.Is(err, gc.ErrInvalidState) {
			continue
		}
		return stats, err
	}
}

// Len returns the number of objects the realm tracks.
func (r *Realm) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}

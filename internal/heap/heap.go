package heap

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
)

var (
	ErrDuplicateID = errors.New("duplicate object id")
	ErrUnknownID   = errors.New("unknown object id")
)

// Heap is the store context: it owns the id registry, the root set, the
// named roots, the constant objects and the ids of attached code modules.
// Objects are never removed from the registry; leaving the persisted set
// simply means not being reachable at the next dump.
type Heap struct {
	mu        sync.RWMutex
	objects   map[ObjectID]*Object
	roots     map[ObjectID]struct{}
	names     map[string]ObjectID
	constants map[ObjectID]struct{}
	plugins   []ObjectID
	ext       map[any]any
}

// New returns an empty heap.
func New() *Heap {
	return &Heap{
		objects:   make(map[ObjectID]*Object),
		roots:     make(map[ObjectID]struct{}),
		names:     make(map[string]ObjectID),
		constants: make(map[ObjectID]struct{}),
		ext:       make(map[any]any),
	}
}

// NewObject creates a transient object of the given class with a fresh id.
func (h *Heap) NewObject(class *Object) (*Object, error) {
	if class != nil {
		if _, ok := class.Payload().(*ClassInfo); !ok {
			return nil, fmt.Errorf("new object of %s: %w", class.ID(), ErrNotClass)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		id := RandomID()
		if _, dup := h.objects[id]; dup {
			continue
		}
		obj := newObject(id, NilID)
		if class != nil {
			obj.class = class.ID()
		}
		h.objects[id] = obj
		return obj, nil
	}
}

// NewStub registers an empty object under a fixed id. It fails with
// ErrDuplicateID if the id is taken.
func (h *Heap) NewStub(id ObjectID) (*Object, error) {
	if id.IsNil() {
		return nil, fmt.Errorf("new stub: absent id")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.objects[id]; dup {
		return nil, fmt.Errorf("%s: %w", id, ErrDuplicateID)
	}
	obj := newObject(id, NilID)
	h.objects[id] = obj
	return obj, nil
}

// Find returns the object registered under id, or nil.
func (h *Heap) Find(id ObjectID) *Object {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.objects[id]
}

// Get is Find with an error for unknown ids.
func (h *Heap) Get(id ObjectID) (*Object, error) {
	if obj := h.Find(id); obj != nil {
		return obj, nil
	}
	return nil, fmt.Errorf("%s: %w", id, ErrUnknownID)
}

// Len returns the number of registered objects.
func (h *Heap) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.objects)
}

// Objects returns every registered object in id order.
func (h *Heap) Objects() []*Object {
	h.mu.RLock()
	objs := slices.Collect(maps.Values(h.objects))
	h.mu.RUnlock()
	slices.SortFunc(objs, func(a, b *Object) int { return a.id.Compare(b.id) })
	return objs
}

// AddRoot installs id in the root set. The object must be registered.
func (h *Heap) AddRoot(id ObjectID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.objects[id]; !ok {
		return fmt.Errorf("add root %s: %w", id, ErrUnknownID)
	}
	h.roots[id] = struct{}{}
	return nil
}

func (h *Heap) RemoveRoot(id ObjectID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.roots, id)
}

func (h *Heap) IsRoot(id ObjectID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.roots[id]
	return ok
}

// Roots returns the root ids in id order.
func (h *Heap) Roots() []ObjectID {
	h.mu.RLock()
	ids := slices.Collect(maps.Keys(h.roots))
	h.mu.RUnlock()
	SortIDs(ids)
	return ids
}

// NameRoot binds name to a registered object. Named objects are roots.
func (h *Heap) NameRoot(name string, id ObjectID) error {
	if name == "" {
		return fmt.Errorf("name root %s: empty name", id)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.objects[id]; !ok {
		return fmt.Errorf("name root %q as %s: %w", name, id, ErrUnknownID)
	}
	if prev, ok := h.names[name]; ok && prev != id {
		return fmt.Errorf("name root %q: already bound to %s", name, prev)
	}
	h.names[name] = id
	h.roots[id] = struct{}{}
	return nil
}

// Named looks up a named root.
func (h *Heap) Named(name string) *Object {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.names[name]
	if !ok {
		return nil
	}
	return h.objects[id]
}

// NamedRoot is one (name, id) binding.
type NamedRoot struct {
	Name string   `json:"name"`
	ID   ObjectID `json:"oid"`
}

// Names returns the named roots sorted by name.
func (h *Heap) Names() []NamedRoot {
	h.mu.RLock()
	out := make([]NamedRoot, 0, len(h.names))
	for name, id := range h.names {
		out = append(out, NamedRoot{Name: name, ID: id})
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddConstant pins id as a constant object: it is dumped even when nothing
// else reaches it. The object itself may be registered later.
func (h *Heap) AddConstant(id ObjectID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.constants[id] = struct{}{}
}

// Constants returns the constant ids in id order.
func (h *Heap) Constants() []ObjectID {
	h.mu.RLock()
	ids := slices.Collect(maps.Keys(h.constants))
	h.mu.RUnlock()
	SortIDs(ids)
	return ids
}

// AttachPlugin records that the code module id is attached. Attaching is
// idempotent.
func (h *Heap) AttachPlugin(id ObjectID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !slices.Contains(h.plugins, id) {
		h.plugins = append(h.plugins, id)
	}
}

// Plugins returns attached code module ids in id order.
func (h *Heap) Plugins() []ObjectID {
	h.mu.RLock()
	ids := slices.Clone(h.plugins)
	h.mu.RUnlock()
	SortIDs(ids)
	return ids
}

// ClassInfoOf returns the ClassInfo of the class object id.
func (h *Heap) ClassInfoOf(id ObjectID) (*ClassInfo, error) {
	cls, err := h.Get(id)
	if err != nil {
		return nil, err
	}
	ci, ok := cls.Payload().(*ClassInfo)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotClass)
	}
	return ci, nil
}

// GetAttr returns attribute key of obj, serving magic attributes first.
func (h *Heap) GetAttr(obj *Object, key ObjectID) (Value, bool) {
	if getter, ok := lookupMagic(key); ok {
		return getter(h, obj), true
	}
	return obj.Attr(key)
}

// InstanceAttr looks key up among the class-declared leading components of
// inst.
func (h *Heap) InstanceAttr(inst *Instance, key ObjectID) (Value, bool) {
	ci, err := h.ClassInfoOf(inst.Class())
	if err != nil {
		return nil, false
	}
	for i, k := range ci.InstanceAttrs() {
		if k == key {
			if i < inst.Len() {
				return inst.At(i), true
			}
			return nil, false
		}
	}
	return nil, false
}

// Extension returns the per-heap state kept under key, creating it with mk
// on first use. Payload kinds keep their indexes here.
func (h *Heap) Extension(key any, mk func() any) any {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.ext[key]; ok {
		return v
	}
	v := mk()
	h.ext[key] = v
	return v
}

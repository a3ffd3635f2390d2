package heap

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

var (
	ErrNotClass = errors.New("not a class object")
	ErrNotSpace = errors.New("not a space object")
)

// Object is a mutable, identity-bearing node of the heap. Every accessor
// takes the object's own lock; payload hooks run with that lock held.
type Object struct {
	id ObjectID
	mu sync.Mutex

	class   ObjectID
	space   ObjectID
	mtime   time.Time
	attrs   map[ObjectID]Value
	comps   []Value
	payload Payload
}

func newObject(id ObjectID, class ObjectID) *Object {
	return &Object{
		id:    id,
		class: class,
		mtime: time.Now().UTC(),
	}
}

func (o *Object) ID() ObjectID { return o.id }

func (o *Object) String() string { return o.id.String() }

// Lock and Unlock expose the object lock to payload implementations.
// Callers must not invoke other methods of o while holding it.
func (o *Object) Lock() { o.mu.Lock() }
func (o *Object) Unlock() { o.mu.Unlock() }

// Class returns the id of the object's class.
func (o *Object) Class() ObjectID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.class
}

// SetClass changes the object's class. cls must carry a ClassInfo payload.
func (o *Object) SetClass(cls *Object) error {
	if cls == nil {
		return fmt.Errorf("set class of %s: %w", o.id, ErrNotClass)
	}
	if _, ok := cls.Payload().(*ClassInfo); !ok {
		return fmt.Errorf("set class of %s to %s: %w", o.id, cls.id, ErrNotClass)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.class = cls.id
	o.touch()
	return nil
}

// RestoreClass sets the class id without checking it; the class object may
// still be a stub while a store is being loaded.
func (o *Object) RestoreClass(id ObjectID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.class = id
}

// Space returns the id of the owning space, or NilID for a transient
// object.
func (o *Object) Space() ObjectID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.space
}

// SetSpace moves the object into sp; a nil sp makes it transient.
func (o *Object) SetSpace(sp *Object) error {
	id := NilID
	if sp != nil {
		if _, ok := sp.Payload().(*Space); !ok {
			return fmt.Errorf("set space of %s to %s: %w", o.id, sp.id, ErrNotSpace)
		}
		id = sp.id
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.space = id
	return nil
}

// RestoreSpace sets the space id without checking it.
func (o *Object) RestoreSpace(id ObjectID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.space = id
}

// IsTransient reports whether the object has no owning space.
func (o *Object) IsTransient() bool {
	return o.Space().IsNil()
}

func (o *Object) MTime() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mtime
}

// SetMTime sets the modification time; it never moves backwards.
func (o *Object) SetMTime(t time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t.After(o.mtime) {
		o.mtime = t
	}
}

// RestoreMTime sets the modification time as read from disk.
func (o *Object) RestoreMTime(t time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mtime = t
}

// Touch bumps the modification time to now.
func (o *Object) Touch() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.touch()
}

func (o *Object) touch() {
	if now := time.Now().UTC(); now.After(o.mtime) {
		o.mtime = now
	}
}

// Attr returns the attribute stored under key. Magic attributes are served
// by Heap.GetAttr, not here.
func (o *Object) Attr(key ObjectID) (Value, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.attrs[key]
	return v, ok
}

// PutAttr stores v under key. Storing the empty value removes the key.
func (o *Object) PutAttr(key ObjectID, v Value) error {
	if key.IsNil() {
		return fmt.Errorf("put attribute in %s: absent key", o.id)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if v == nil {
		delete(o.attrs, key)
	} else {
		if o.attrs == nil {
			o.attrs = make(map[ObjectID]Value)
		}
		o.attrs[key] = v
	}
	o.touch()
	return nil
}

// RemoveAttr deletes key and reports whether it was present.
func (o *Object) RemoveAttr(key ObjectID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.attrs[key]; !ok {
		return false
	}
	delete(o.attrs, key)
	o.touch()
	return true
}

// AttrKeys returns the attribute keys in id order.
func (o *Object) AttrKeys() []ObjectID {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := slices.Collect(maps.Keys(o.attrs))
	SortIDs(keys)
	return keys
}

func (o *Object) NumAttrs() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.attrs)
}

// AppendComp appends v to the component sequence.
func (o *Object) AppendComp(v Value) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.comps = append(o.comps, v)
	o.touch()
}

// Comp returns component i; ok is false when i is out of range.
func (o *Object) Comp(i int) (Value, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i < 0 || i >= len(o.comps) {
		return nil, false
	}
	return o.comps[i], true
}

// SetComp replaces component i.
func (o *Object) SetComp(i int, v Value) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i < 0 || i >= len(o.comps) {
		return fmt.Errorf("component %d of %s out of range [0,%d)", i, o.id, len(o.comps))
	}
	o.comps[i] = v
	o.touch()
	return nil
}

// ReserveComps grows the component capacity to at least n.
func (o *Object) ReserveComps(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if n > len(o.comps) {
		o.comps = slices.Grow(o.comps, n-len(o.comps))
	}
}

func (o *Object) NumComps() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.comps)
}

// Comps returns a copy of the component sequence.
func (o *Object) Comps() []Value {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.comps)
}

// Payload returns the attached payload or nil.
func (o *Object) Payload() Payload {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.payload
}

// SetPayload attaches p, discarding any previous payload.
func (o *Object) SetPayload(p Payload) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.payload = p
	o.touch()
}

// ClearPayload detaches the payload.
func (o *Object) ClearPayload() {
	o.SetPayload(nil)
}

// Contents is the state of an object as seen under its lock. It is only
// valid for the duration of the Visit callback that received it.
type Contents struct {
	ID      ObjectID
	Class   ObjectID
	Space   ObjectID
	MTime   time.Time
	Attrs   map[ObjectID]Value
	Comps   []Value
	Payload Payload
}

// Visit calls fn with o locked. fn must not call methods of o.
func (o *Object) Visit(fn func(c *Contents)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&Contents{
		ID:      o.id,
		Class:   o.class,
		Space:   o.space,
		MTime:   o.mtime,
		Attrs:   o.attrs,
		Comps:   o.comps,
		Payload: o.payload,
	})
}

// SortedAttrKeys returns the keys of c.Attrs in id order.
func (c *Contents) SortedAttrKeys() []ObjectID {
	keys := slices.Collect(maps.Keys(c.Attrs))
	SortIDs(keys)
	return keys
}

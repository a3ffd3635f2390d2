package heap

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// Payload is the optional extension state of an object. An object carries
// at most one payload. Hooks are called with the owner locked.
type Payload interface {
	// TypeName is the name under which the payload is registered and dumped.
	TypeName() string
	// Droppable reports whether a store may silently lose the payload when
	// its type name is not registered at load time.
	Droppable() bool
	// ScanRefs reports objects and values reachable only through the
	// payload's private state.
	ScanRefs(sc RefScanner)
	// DumpFields contributes the payload's fields to the object record.
	DumpFields(w FieldWriter) error
}

// RefScanner receives the references a payload reports during a dump scan.
type RefScanner interface {
	ScanObject(id ObjectID)
	ScanValue(v Value)
}

// FieldWriter collects the payload fields of one object record.
type FieldWriter interface {
	// Put stores a JSON-marshalable datum under name.
	Put(name string, data any)
	// Encode returns the serialized form of v, for embedding in Put data.
	Encode(v Value) any
	// IsDumpable reports whether id will be present in the store. Raw ids
	// that are not must be left out of Put data.
	IsDumpable(id ObjectID) bool
}

// RecordReader gives a payload loader access to the object record being
// rebuilt. Every referenced id must already be registered.
type RecordReader interface {
	// Heap is the heap being loaded.
	Heap() *Heap
	Has(name string) bool
	Raw(name string) (json.RawMessage, bool)
	String(name string) (string, error)
	Int(name string) (int64, error)
	Object(name string) (*Object, error)
	Value(name string) (Value, error)
	Values(name string) ([]Value, error)
	Objects(name string) ([]*Object, error)
	DecodeValue(raw json.RawMessage) (Value, error)
	ResolveID(text string) (*Object, error)
}

// PayloadLoader rebuilds the payload of obj from its record. space is the
// id of the space being loaded and line the record's line number.
type PayloadLoader func(obj *Object, rec RecordReader, space ObjectID, line int) error

var payloadRegistry = struct {
	sync.RWMutex
	loaders map[string]PayloadLoader
}{loaders: make(map[string]PayloadLoader)}

// RegisterPayload makes a payload kind loadable by name. It panics if the
// name is registered twice.
func RegisterPayload(name string, fn PayloadLoader) {
	payloadRegistry.Lock()
	defer payloadRegistry.Unlock()
	if fn == nil {
		panic("heap: RegisterPayload loader is nil")
	}
	if _, dup := payloadRegistry.loaders[name]; dup {
		panic(fmt.Sprintf("heap: RegisterPayload called twice for %q", name))
	}
	payloadRegistry.loaders[name] = fn
}

// LookupPayload returns the loader registered under name.
func LookupPayload(name string) (PayloadLoader, bool) {
	payloadRegistry.RLock()
	defer payloadRegistry.RUnlock()
	fn, ok := payloadRegistry.loaders[name]
	return fn, ok
}

// PayloadTypes lists registered payload names.
func PayloadTypes() []string {
	payloadRegistry.RLock()
	defer payloadRegistry.RUnlock()
	names := make([]string, 0, len(payloadRegistry.loaders))
	for name := range payloadRegistry.loaders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PayloadBase is embedded by payload kinds; it keeps the owner and gives
// the default, non-droppable behaviour.
type PayloadBase struct {
	owner *Object
}

func NewPayloadBase(owner *Object) PayloadBase {
	return PayloadBase{owner: owner}
}

func (b PayloadBase) Owner() *Object { return b.owner }
func (b PayloadBase) Droppable() bool { return false }

// Space marks its owner as a partition of the persistent heap.
type Space struct {
	PayloadBase
}

const SpaceTypeName = "space"

// MakeSpace attaches a Space payload to obj.
func MakeSpace(obj *Object) *Space {
	sp := &Space{PayloadBase: NewPayloadBase(obj)}
	obj.SetPayload(sp)
	return sp
}

func (*Space) TypeName() string { return SpaceTypeName }
func (*Space) ScanRefs(RefScanner) {}
func (*Space) DumpFields(FieldWriter) error { return nil }

func loadSpace(obj *Object, rec RecordReader, space ObjectID, line int) error {
	MakeSpace(obj)
	return nil
}

// ClassInfo makes its owner a class: a name, a superclass, a method
// dictionary keyed by selector and the keys of instance attributes.
type ClassInfo struct {
	PayloadBase
	name    string
	super   ObjectID
	methods map[ObjectID]Value
	attrs   []ObjectID
}

const ClassInfoTypeName = "classinfo"

// MakeClassInfo attaches a ClassInfo payload to obj.
func MakeClassInfo(obj *Object, name string, super ObjectID) *ClassInfo {
	ci := &ClassInfo{PayloadBase: NewPayloadBase(obj), name: name, super: super}
	obj.SetPayload(ci)
	return ci
}

func (*ClassInfo) TypeName() string { return ClassInfoTypeName }

func (ci *ClassInfo) Name() string {
	ci.owner.Lock()
	defer ci.owner.Unlock()
	return ci.name
}

func (ci *ClassInfo) Super() ObjectID {
	ci.owner.Lock()
	defer ci.owner.Unlock()
	return ci.super
}

// PutMethod binds selector to a closure.
func (ci *ClassInfo) PutMethod(selector ObjectID, clos *Closure) {
	ci.owner.Lock()
	defer ci.owner.Unlock()
	if ci.methods == nil {
		ci.methods = make(map[ObjectID]Value)
	}
	ci.methods[selector] = clos
}

// Method returns the closure bound to selector.
func (ci *ClassInfo) Method(selector ObjectID) (*Closure, bool) {
	ci.owner.Lock()
	defer ci.owner.Unlock()
	c, ok := ci.methods[selector].(*Closure)
	return c, ok
}

// SetInstanceAttrs declares the keys naming the leading components of
// instances of the class.
func (ci *ClassInfo) SetInstanceAttrs(keys ...ObjectID) {
	ci.owner.Lock()
	defer ci.owner.Unlock()
	ci.attrs = slices.Clone(keys)
}

func (ci *ClassInfo) InstanceAttrs() []ObjectID {
	ci.owner.Lock()
	defer ci.owner.Unlock()
	return slices.Clone(ci.attrs)
}

func (ci *ClassInfo) ScanRefs(sc RefScanner) {
	if !ci.super.IsNil() {
		sc.ScanObject(ci.super)
	}
	for sel, m := range ci.methods {
		sc.ScanObject(sel)
		sc.ScanValue(m)
	}
	for _, k := range ci.attrs {
		sc.ScanObject(k)
	}
}

type methodEntry struct {
	Selector ObjectID `json:"selector"`
	Closure  any      `json:"closure"`
}

func (ci *ClassInfo) DumpFields(w FieldWriter) error {
	w.Put("class_name", ci.name)
	if w.IsDumpable(ci.super) {
		w.Put("class_super", ci.super)
	}
	if len(ci.methods) > 0 {
		sels := make([]ObjectID, 0, len(ci.methods))
		for sel := range ci.methods {
			if w.IsDumpable(sel) {
				sels = append(sels, sel)
			}
		}
		SortIDs(sels)
		entries := make([]methodEntry, 0, len(sels))
		for _, sel := range sels {
			enc := w.Encode(ci.methods[sel])
			if enc == nil {
				continue
			}
			entries = append(entries, methodEntry{Selector: sel, Closure: enc})
		}
		if len(entries) > 0 {
			w.Put("class_methodict", entries)
		}
	}
	var attrs []ObjectID
	for _, k := range ci.attrs {
		if w.IsDumpable(k) {
			attrs = append(attrs, k)
		}
	}
	if len(attrs) > 0 {
		w.Put("class_attrs", attrs)
	}
	return nil
}

func loadClassInfo(obj *Object, rec RecordReader, space ObjectID, line int) error {
	name, err := rec.String("class_name")
	if err != nil {
		return err
	}
	super := NilID
	if rec.Has("class_super") {
		sup, err := rec.Object("class_super")
		if err != nil {
			return err
		}
		super = sup.ID()
	}
	ci := MakeClassInfo(obj, name, super)

	if raw, ok := rec.Raw("class_methodict"); ok {
		var entries []struct {
			Selector string          `json:"selector"`
			Closure  json.RawMessage `json:"closure"`
		}
		if err := json.Unmarshal(raw, &entries); err != nil {
			return fmt.Errorf("class_methodict: %w", err)
		}
		for _, e := range entries {
			sel, err := rec.ResolveID(e.Selector)
			if err != nil {
				return err
			}
			v, err := rec.DecodeValue(e.Closure)
			if err != nil {
				return err
			}
			clos, ok := v.(*Closure)
			if !ok {
				return fmt.Errorf("class_methodict: method %s is a %s, not a closure", sel.ID(), KindOf(v))
			}
			ci.PutMethod(sel.ID(), clos)
		}
	}

	if rec.Has("class_attrs") {
		keys, err := rec.Objects("class_attrs")
		if err != nil {
			return err
		}
		ids := make([]ObjectID, len(keys))
		for i, k := range keys {
			ids[i] = k.ID()
		}
		ci.SetInstanceAttrs(ids...)
	}
	return nil
}

func init() {
	RegisterPayload(SpaceTypeName, loadSpace)
	RegisterPayload(ClassInfoTypeName, loadClassInfo)
}

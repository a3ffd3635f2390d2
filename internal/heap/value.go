package heap

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// Kind tags the variants of Value.
type Kind uint8

const (
	KindEmpty Kind = iota
	KindInt
	KindDouble
	KindString
	KindObject
	KindSet
	KindTuple
	KindClosure
	KindInstance
)

var kindNames = [...]string{
	KindEmpty:    "empty",
	KindInt:      "int",
	KindDouble:   "double",
	KindString:   "string",
	KindObject:   "object",
	KindSet:      "set",
	KindTuple:    "tuple",
	KindClosure:  "closure",
	KindInstance: "instance",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind#" + strconv.Itoa(int(k))
}

// Value is an immutable runtime value. A nil Value is the empty value.
//
// Values never own objects: object references are ids resolved through a
// Heap, so values cannot form cycles on their own.
type Value interface {
	Kind() Kind
	// EachRef calls fn for every object id the value refers to.
	EachRef(fn func(ObjectID))
}

// KindOf returns the kind of v, treating nil as empty.
func KindOf(v Value) Kind {
	if v == nil {
		return KindEmpty
	}
	return v.Kind()
}

type Int int64

func (Int) Kind() Kind { return KindInt }
func (Int) EachRef(fn func(ObjectID)) {}
func (i Int) String() string { return strconv.FormatInt(int64(i), 10) }

type Double float64

func (Double) Kind() Kind { return KindDouble }
func (Double) EachRef(fn func(ObjectID)) {}
func (d Double) String() string { return strconv.FormatFloat(float64(d), 'g', -1, 64) }

type String string

func (String) Kind() Kind { return KindString }
func (String) EachRef(fn func(ObjectID)) {}

// Ref is an object reference: a lookup by id, never ownership.
type Ref ObjectID

func (Ref) Kind() Kind { return KindObject }
func (r Ref) EachRef(fn func(ObjectID)) { fn(ObjectID(r)) }
func (r Ref) ID() ObjectID { return ObjectID(r) }
func (r Ref) String() string { return ObjectID(r).String() }

// RefTo returns a reference to o.
func RefTo(o *Object) Ref {
	return Ref(o.ID())
}

// Set is an ordered, de-duplicated set of object ids. Equal sets built by
// MakeSet share the same *Set.
type Set struct {
	elems []ObjectID
}

var setIntern = struct {
	sync.Mutex
	m map[string]*Set
}{m: make(map[string]*Set)}

// EmptySet is the interned empty set.
var EmptySet = MakeSet()

// MakeSet builds the canonical set of ids, dropping absent ids and
// duplicates.
func MakeSet(ids ...ObjectID) *Set {
	elems := make([]ObjectID, 0, len(ids))
	for _, id := range ids {
		if !id.IsNil() {
			elems = append(elems, id)
		}
	}
	SortIDs(elems)
	elems = slices.Compact(elems)

	var key strings.Builder
	for _, id := range elems {
		key.WriteString(id.String())
	}

	setIntern.Lock()
	defer setIntern.Unlock()
	if s, ok := setIntern.m[key.String()]; ok {
		return s
	}
	s := &Set{elems: slices.Clip(elems)}
	setIntern.m[key.String()] = s
	return s
}

func (*Set) Kind() Kind { return KindSet }

func (s *Set) EachRef(fn func(ObjectID)) {
	for _, id := range s.elems {
		fn(id)
	}
}

func (s *Set) Len() int { return len(s.elems) }
func (s *Set) At(i int) ObjectID { return s.elems[i] }
func (s *Set) Elems() []ObjectID { return slices.Clone(s.elems) }

// Contains reports whether id is an element of s.
func (s *Set) Contains(id ObjectID) bool {
	_, found := slices.BinarySearchFunc(s.elems, id, ObjectID.Compare)
	return found
}

// With returns the set s ∪ {id}.
func (s *Set) With(id ObjectID) *Set {
	if s.Contains(id) {
		return s
	}
	return MakeSet(append(s.Elems(), id)...)
}

// Without returns the set s \ {id}.
func (s *Set) Without(id ObjectID) *Set {
	if !s.Contains(id) {
		return s
	}
	elems := slices.DeleteFunc(s.Elems(), func(e ObjectID) bool { return e == id })
	return MakeSet(elems...)
}

// Tuple is an ordered sequence of object ids; duplicates and absent ids are
// allowed.
type Tuple struct {
	comps []ObjectID
}

func MakeTuple(ids ...ObjectID) *Tuple {
	return &Tuple{comps: slices.Clone(ids)}
}

func (*Tuple) Kind() Kind { return KindTuple }

func (t *Tuple) EachRef(fn func(ObjectID)) {
	for _, id := range t.comps {
		if !id.IsNil() {
			fn(id)
		}
	}
}

func (t *Tuple) Len() int { return len(t.comps) }
func (t *Tuple) At(i int) ObjectID { return t.comps[i] }
func (t *Tuple) Comps() []ObjectID { return slices.Clone(t.comps) }

// Closure pairs a callee descriptor object with its captured environment.
// The optional meta object and rank only serve diagnostics.
type Closure struct {
	fn       ObjectID
	env      []Value
	metaObj  ObjectID
	metaRank int
}

func MakeClosure(fn ObjectID, env ...Value) *Closure {
	return &Closure{fn: fn, env: slices.Clone(env)}
}

// WithMeta returns a copy of c carrying provenance information.
func (c *Closure) WithMeta(obj ObjectID, rank int) *Closure {
	return &Closure{fn: c.fn, env: c.env, metaObj: obj, metaRank: rank}
}

func (*Closure) Kind() Kind { return KindClosure }

func (c *Closure) EachRef(fn func(ObjectID)) {
	fn(c.fn)
	for _, v := range c.env {
		if v != nil {
			v.EachRef(fn)
		}
	}
	if !c.metaObj.IsNil() {
		fn(c.metaObj)
	}
}

func (c *Closure) Fn() ObjectID { return c.fn }
func (c *Closure) Env() []Value { return slices.Clone(c.env) }
func (c *Closure) Meta() (ObjectID, int) { return c.metaObj, c.metaRank }

// Instance is an immutable value of a class. The leading components are
// named by the class's instance attributes, see Heap.InstanceAttr.
type Instance struct {
	class ObjectID
	comps []Value
}

func MakeInstance(class ObjectID, comps ...Value) *Instance {
	return &Instance{class: class, comps: slices.Clone(comps)}
}

func (*Instance) Kind() Kind { return KindInstance }

func (in *Instance) EachRef(fn func(ObjectID)) {
	fn(in.class)
	for _, v := range in.comps {
		if v != nil {
			v.EachRef(fn)
		}
	}
}

func (in *Instance) Class() ObjectID { return in.class }
func (in *Instance) Len() int { return len(in.comps) }
func (in *Instance) At(i int) Value { return in.comps[i] }
func (in *Instance) Comps() []Value { return slices.Clone(in.comps) }

// Equal reports structural equality of two values.
func Equal(a, b Value) bool {
	if KindOf(a) != KindOf(b) {
		return false
	}
	switch a := a.(type) {
	case nil:
		return true
	case Int:
		return a == b.(Int)
	case Double:
		bd := b.(Double)
		if math.IsNaN(float64(a)) {
			return math.IsNaN(float64(bd))
		}
		return a == bd
	case String:
		return a == b.(String)
	case Ref:
		return a == b.(Ref)
	case *Set:
		return slices.Equal(a.elems, b.(*Set).elems)
	case *Tuple:
		return slices.Equal(a.comps, b.(*Tuple).comps)
	case *Closure:
		bc := b.(*Closure)
		return a.fn == bc.fn && a.metaObj == bc.metaObj && a.metaRank == bc.metaRank &&
			slices.EqualFunc(a.env, bc.env, Equal)
	case *Instance:
		bi := b.(*Instance)
		return a.class == bi.class && slices.EqualFunc(a.comps, bi.comps, Equal)
	}
	return false
}

// Describe renders v for diagnostics.
func Describe(v Value) string {
	switch v := v.(type) {
	case nil:
		return "<empty>"
	case String:
		return strconv.Quote(string(v))
	case *Set:
		return "{" + joinIDs(v.elems) + "}"
	case *Tuple:
		return "[" + joinIDs(v.comps) + "]"
	case *Closure:
		parts := make([]string, len(v.env))
		for i, e := range v.env {
			parts[i] = Describe(e)
		}
		return fmt.Sprintf("closure(%s|%s)", v.fn, strings.Join(parts, " "))
	case *Instance:
		parts := make([]string, len(v.comps))
		for i, e := range v.comps {
			parts[i] = Describe(e)
		}
		return fmt.Sprintf("instance(%s|%s)", v.class, strings.Join(parts, " "))
	case fmt.Stringer:
		return v.String()
	}
	return fmt.Sprintf("%v", v)
}

func joinIDs(ids []ObjectID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, " ")
}

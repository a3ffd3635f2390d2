package payload

import (
	"github.com/systemshift/persistore/internal/heap"
)

const SetObTypeName = "setob"

// SetOb is a mutable set of objects.
type SetOb struct {
	heap.PayloadBase
	elems map[heap.ObjectID]struct{}
}

func AttachSetOb(obj *heap.Object) *SetOb {
	so := &SetOb{PayloadBase: heap.NewPayloadBase(obj), elems: make(map[heap.ObjectID]struct{})}
	obj.SetPayload(so)
	return so
}

func (*SetOb) TypeName() string { return SetObTypeName }

// Add inserts id and reports whether it was new.
func (so *SetOb) Add(id heap.ObjectID) bool {
	if id.IsNil() {
		return false
	}
	so.Owner().Lock()
	defer so.Owner().Unlock()
	if _, ok := so.elems[id]; ok {
		return false
	}
	so.elems[id] = struct{}{}
	return true
}

// Remove deletes id and reports whether it was present.
func (so *SetOb) Remove(id heap.ObjectID) bool {
	so.Owner().Lock()
	defer so.Owner().Unlock()
	if _, ok := so.elems[id]; !ok {
		return false
	}
	delete(so.elems, id)
	return true
}

func (so *SetOb) Contains(id heap.ObjectID) bool {
	so.Owner().Lock()
	defer so.Owner().Unlock()
	_, ok := so.elems[id]
	return ok
}

func (so *SetOb) Len() int {
	so.Owner().Lock()
	defer so.Owner().Unlock()
	return len(so.elems)
}

// Snapshot returns the current elements as an immutable set value.
func (so *SetOb) Snapshot() *heap.Set {
	so.Owner().Lock()
	defer so.Owner().Unlock()
	return heap.MakeSet(so.sorted()...)
}

func (so *SetOb) sorted() []heap.ObjectID {
	ids := make([]heap.ObjectID, 0, len(so.elems))
	for id := range so.elems {
		ids = append(ids, id)
	}
	heap.SortIDs(ids)
	return ids
}

func (so *SetOb) ScanRefs(sc heap.RefScanner) {
	for id := range so.elems {
		sc.ScanObject(id)
	}
}

func (so *SetOb) DumpFields(w heap.FieldWriter) error {
	ids := so.sorted()
	kept := ids[:0]
	for _, id := range ids {
		if w.IsDumpable(id) {
			kept = append(kept, id)
		}
	}
	w.Put("setob", kept)
	return nil
}

func loadSetOb(obj *heap.Object, rec heap.RecordReader, space heap.ObjectID, line int) error {
	so := AttachSetOb(obj)
	elems, err := rec.Objects("setob")
	if err != nil {
		return err
	}
	for _, e := range elems {
		so.Add(e.ID())
	}
	return nil
}

func init() {
	heap.RegisterPayload(SetObTypeName, loadSetOb)
}

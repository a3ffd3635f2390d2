package payload

import (
	"fmt"
	"slices"

	"github.com/systemshift/persistore/internal/heap"
)

const VectObTypeName = "vectob"

// VectOb is a growable vector of values.
type VectOb struct {
	heap.PayloadBase
	items []heap.Value
}

func AttachVectOb(obj *heap.Object) *VectOb {
	vo := &VectOb{PayloadBase: heap.NewPayloadBase(obj)}
	obj.SetPayload(vo)
	return vo
}

func (*VectOb) TypeName() string { return VectObTypeName }

func (vo *VectOb) Push(v heap.Value) {
	vo.Owner().Lock()
	defer vo.Owner().Unlock()
	vo.items = append(vo.items, v)
}

func (vo *VectOb) At(i int) (heap.Value, error) {
	vo.Owner().Lock()
	defer vo.Owner().Unlock()
	if i < 0 || i >= len(vo.items) {
		return nil, fmt.Errorf("vector index %d out of range [0,%d)", i, len(vo.items))
	}
	return vo.items[i], nil
}

func (vo *VectOb) Len() int {
	vo.Owner().Lock()
	defer vo.Owner().Unlock()
	return len(vo.items)
}

func (vo *VectOb) Items() []heap.Value {
	vo.Owner().Lock()
	defer vo.Owner().Unlock()
	return slices.Clone(vo.items)
}

func (vo *VectOb) ScanRefs(sc heap.RefScanner) {
	for _, v := range vo.items {
		sc.ScanValue(v)
	}
}

func (vo *VectOb) DumpFields(w heap.FieldWriter) error {
	enc := make([]any, len(vo.items))
	for i, v := range vo.items {
		enc[i] = w.Encode(v)
	}
	w.Put("vectob", enc)
	return nil
}

func loadVectOb(obj *heap.Object, rec heap.RecordReader, space heap.ObjectID, line int) error {
	vo := AttachVectOb(obj)
	items, err := rec.Values("vectob")
	if err != nil {
		return err
	}
	for _, v := range items {
		vo.Push(v)
	}
	return nil
}

func init() {
	heap.RegisterPayload(VectObTypeName, loadVectOb)
}

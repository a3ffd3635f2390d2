// Package payload provides the registered payload kinds beyond the core
// space and classinfo ones.
package payload

import (
	"fmt"
	"sync"

	"github.com/systemshift/persistore/internal/heap"
)

const SymbolTypeName = "symbol"

// Symbol gives its owner a name and an optional bound value.
type Symbol struct {
	heap.PayloadBase
	name  string
	value heap.Value
}

func attachSymbol(obj *heap.Object, name string) *Symbol {
	sy := &Symbol{PayloadBase: heap.NewPayloadBase(obj), name: name}
	obj.SetPayload(sy)
	return sy
}

// symbolTable indexes the symbols of one heap by name.
type symbolTable struct {
	mu     sync.Mutex
	byName map[string]*heap.Object
}

type symbolTableKey struct{}

func symbols(h *heap.Heap) *symbolTable {
	return h.Extension(symbolTableKey{}, func() any {
		return &symbolTable{byName: make(map[string]*heap.Object)}
	}).(*symbolTable)
}

// lookupLocked returns the live symbol named name. An entry whose object no
// longer carries that symbol is dropped.
func (st *symbolTable) lookupLocked(name string) *heap.Object {
	obj := st.byName[name]
	if obj == nil {
		return nil
	}
	if sy, ok := obj.Payload().(*Symbol); ok && sy.Name() == name {
		return obj
	}
	delete(st.byName, name)
	return nil
}

// NewSymbol creates a symbol object in space. Names are unique per heap.
func NewSymbol(h *heap.Heap, space *heap.Object, name string) (*heap.Object, error) {
	if name == "" {
		return nil, fmt.Errorf("new symbol: empty name")
	}
	st := symbols(h)
	st.mu.Lock()
	defer st.mu.Unlock()
	if prev := st.lookupLocked(name); prev != nil {
		return nil, fmt.Errorf("new symbol %q: already defined as %s", name, prev.ID())
	}
	obj, err := h.NewObject(h.Find(heap.SymbolClassID))
	if err != nil {
		return nil, fmt.Errorf("new symbol %q: %w", name, err)
	}
	if space != nil {
		if err := obj.SetSpace(space); err != nil {
			return nil, fmt.Errorf("new symbol %q: %w", name, err)
		}
	}
	attachSymbol(obj, name)
	st.byName[name] = obj
	return obj, nil
}

// LookupSymbol finds the symbol named name, or returns nil.
func LookupSymbol(h *heap.Heap, name string) *heap.Object {
	st := symbols(h)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lookupLocked(name)
}

func (*Symbol) TypeName() string { return SymbolTypeName }

func (sy *Symbol) Name() string {
	sy.Owner().Lock()
	defer sy.Owner().Unlock()
	return sy.name
}

func (sy *Symbol) Value() heap.Value {
	sy.Owner().Lock()
	defer sy.Owner().Unlock()
	return sy.value
}

func (sy *Symbol) SetValue(v heap.Value) {
	sy.Owner().Lock()
	defer sy.Owner().Unlock()
	sy.value = v
}

func (sy *Symbol) ScanRefs(sc heap.RefScanner) {
	sc.ScanValue(sy.value)
}

func (sy *Symbol) DumpFields(w heap.FieldWriter) error {
	w.Put("symb_name", sy.name)
	if sy.value != nil {
		w.Put("symb_value", w.Encode(sy.value))
	}
	return nil
}

func loadSymbol(obj *heap.Object, rec heap.RecordReader, space heap.ObjectID, line int) error {
	name, err := rec.String("symb_name")
	if err != nil {
		return err
	}
	st := symbols(rec.Heap())
	st.mu.Lock()
	if prev := st.lookupLocked(name); prev != nil && prev != obj {
		st.mu.Unlock()
		return fmt.Errorf("symbol %q: already defined as %s", name, prev.ID())
	}
	sy := attachSymbol(obj, name)
	st.byName[name] = obj
	st.mu.Unlock()
	if rec.Has("symb_value") {
		v, err := rec.Value("symb_value")
		if err != nil {
			return err
		}
		sy.SetValue(v)
	}
	return nil
}

func init() {
	heap.RegisterPayload(SymbolTypeName, loadSymbol)
}

package payload

import (
	"bytes"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/systemshift/persistore/internal/heap"
	"github.com/systemshift/persistore/internal/persist"
)

type testStore struct {
	h     *heap.Heap
	space *heap.Object
}

func newTestStore(t *testing.T) *testStore {
	t.Helper()
	h, err := heap.Bootstrap()
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return &testStore{h: h, space: h.Find(heap.InitialSpaceID)}
}

// object creates a persistent object of class and names it so it is
// reached by the next dump.
func (s *testStore) object(t *testing.T, class heap.ObjectID, name string) *heap.Object {
	t.Helper()
	obj, err := s.h.NewObject(s.h.Find(class))
	if err != nil {
		t.Fatalf("NewObject: %v", err)
	}
	if err := obj.SetSpace(s.space); err != nil {
		t.Fatalf("SetSpace: %v", err)
	}
	if err := s.h.NameRoot(name, obj.ID()); err != nil {
		t.Fatalf("NameRoot: %v", err)
	}
	return obj
}

func (s *testStore) reload(t *testing.T) *heap.Heap {
	t.Helper()
	dir := t.TempDir()
	if _, err := persist.Dump(s.h, dir, persist.DumpOptions{Logf: t.Logf}); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	h, err := persist.Load(dir, persist.LoadOptions{Logf: t.Logf})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return h
}

func TestSymbol_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	sym, err := NewSymbol(s.h, s.space, "answer")
	if err != nil {
		t.Fatalf("NewSymbol: %v", err)
	}
	sym.Payload().(*Symbol).SetValue(heap.Int(42))
	s.h.NameRoot("answer", sym.ID())

	h := s.reload(t)
	got := LookupSymbol(h, "answer")
	if got == nil || got.ID() != sym.ID() {
		t.Fatalf("LookupSymbol = %v, want %s", got, sym.ID())
	}
	if v := got.Payload().(*Symbol).Value(); !heap.Equal(v, heap.Int(42)) {
		t.Errorf("value = %s, want 42", heap.Describe(v))
	}
}

func TestSymbol_NamesUnique(t *testing.T) {
	s := newTestStore(t)
	if _, err := NewSymbol(s.h, s.space, "dup"); err != nil {
		t.Fatalf("NewSymbol: %v", err)
	}
	if _, err := NewSymbol(s.h, s.space, "dup"); err == nil {
		t.Fatal("second symbol with the same name accepted")
	}
	if _, err := NewSymbol(s.h, s.space, ""); err == nil {
		t.Fatal("empty symbol name accepted")
	}
}

func TestSymbol_NameFreedWhenPayloadCleared(t *testing.T) {
	s := newTestStore(t)
	first, err := NewSymbol(s.h, s.space, "reused")
	if err != nil {
		t.Fatalf("NewSymbol: %v", err)
	}
	first.ClearPayload()
	if got := LookupSymbol(s.h, "reused"); got != nil {
		t.Fatalf("LookupSymbol = %s after the payload was cleared", got.ID())
	}
	second, err := NewSymbol(s.h, s.space, "reused")
	if err != nil {
		t.Fatalf("NewSymbol after clear: %v", err)
	}
	if got := LookupSymbol(s.h, "reused"); got != second {
		t.Errorf("LookupSymbol = %v, want %s", got, second.ID())
	}
}

func TestSymbol_ConcurrentNewSymbol(t *testing.T) {
	s := newTestStore(t)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := NewSymbol(s.h, s.space, "race"); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Errorf("%d symbols named race created, want 1", created)
	}
}

func TestSymbol_DuplicateNameInStoreFails(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"alpha", "beta"} {
		sym, err := NewSymbol(s.h, s.space, name)
		if err != nil {
			t.Fatalf("NewSymbol %s: %v", name, err)
		}
		if err := s.h.NameRoot(name, sym.ID()); err != nil {
			t.Fatalf("NameRoot: %v", err)
		}
	}
	dir := t.TempDir()
	if _, err := persist.Dump(s.h, dir, persist.DumpOptions{Logf: t.Logf}); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	path := persist.SpaceFilePath(dir, heap.InitialSpaceID)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	old := []byte(`"symb_name": "beta"`)
	if !bytes.Contains(data, old) {
		t.Fatalf("%s has no beta symbol record", path)
	}
	data = bytes.Replace(data, old, []byte(`"symb_name": "alpha"`), 1)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	_, err = persist.Load(dir, persist.LoadOptions{Logf: t.Logf, SkipChecksums: true})
	if err == nil || !strings.Contains(err.Error(), `symbol "alpha"`) {
		t.Fatalf("Load error = %v, want duplicate symbol alpha", err)
	}
}

func TestSetOb_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	obj := s.object(t, heap.SetClassID, "set")
	so := AttachSetOb(obj)
	member := s.object(t, heap.ObjectClassID, "member")
	hidden, _ := s.h.NewObject(s.h.Find(heap.ObjectClassID))
	so.Add(member.ID())
	so.Add(hidden.ID())
	if so.Add(member.ID()) {
		t.Error("Add reported a present element as new")
	}

	h := s.reload(t)
	got := h.Find(obj.ID()).Payload().(*SetOb)
	if got.Len() != 1 || !got.Contains(member.ID()) {
		t.Errorf("set = %s, want only the persistent member", heap.Describe(got.Snapshot()))
	}
	if got.Contains(hidden.ID()) {
		t.Error("transient member persisted")
	}
}

func TestSetOb_ReachesMembers(t *testing.T) {
	s := newTestStore(t)
	obj := s.object(t, heap.SetClassID, "set")
	so := AttachSetOb(obj)
	// member is reachable only through the payload
	member, _ := s.h.NewObject(s.h.Find(heap.ObjectClassID))
	member.SetSpace(s.space)
	so.Add(member.ID())

	h := s.reload(t)
	if h.Find(member.ID()) == nil {
		t.Fatal("object reachable only through a setob payload was not dumped")
	}
}

func TestVectOb_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	obj := s.object(t, heap.VectorClassID, "vec")
	vo := AttachVectOb(obj)
	want := []heap.Value{heap.Int(1), heap.String("two"), heap.RefTo(obj), nil}
	for _, v := range want {
		vo.Push(v)
	}

	h := s.reload(t)
	got := h.Find(obj.ID()).Payload().(*VectOb).Items()
	if len(got) != len(want) {
		t.Fatalf("got %d items, want %d", len(got), len(want))
	}
	for i := range want {
		if !heap.Equal(got[i], want[i]) {
			t.Errorf("item %d = %s, want %s", i, heap.Describe(got[i]), heap.Describe(want[i]))
		}
	}
	if _, err := h.Find(obj.ID()).Payload().(*VectOb).At(4); err == nil {
		t.Error("At past the end succeeded")
	}
}

func TestStringDict_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	obj := s.object(t, heap.DictClassID, "dict")
	d := AttachStringDict(obj)
	d.Put("b", heap.Double(0.25))
	d.Put("a", heap.MakeSet(obj.ID()))
	d.Put("gone", heap.Int(1))
	d.Put("gone", nil)

	h := s.reload(t)
	got := h.Find(obj.ID()).Payload().(*StringDict)
	if keys := got.Keys(); len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("keys = %v", keys)
	}
	if v, _ := got.Get("b"); !heap.Equal(v, heap.Double(0.25)) {
		t.Errorf("b = %s", heap.Describe(v))
	}
	if v, _ := got.Get("a"); !heap.Equal(v, heap.MakeSet(obj.ID())) {
		t.Errorf("a = %s", heap.Describe(v))
	}
}

func TestClassInfo_MethodsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	cls := s.object(t, heap.ClassClassID, "point")
	ci := heap.MakeClassInfo(cls, "point", heap.ObjectClassID)
	sel, err := NewSymbol(s.h, s.space, "norm")
	if err != nil {
		t.Fatal(err)
	}
	x, _ := NewSymbol(s.h, s.space, "x")
	ci.PutMethod(sel.ID(), heap.MakeClosure(sel.ID(), heap.Int(2)))
	ci.SetInstanceAttrs(x.ID())

	h := s.reload(t)
	got, err := h.ClassInfoOf(cls.ID())
	if err != nil {
		t.Fatalf("ClassInfoOf: %v", err)
	}
	if got.Super() != heap.ObjectClassID {
		t.Errorf("super = %s", got.Super())
	}
	m, ok := got.Method(sel.ID())
	if !ok || !heap.Equal(m, heap.MakeClosure(sel.ID(), heap.Int(2))) {
		t.Errorf("method = %v", m)
	}
	inst := heap.MakeInstance(cls.ID(), heap.Int(3))
	if v, ok := h.InstanceAttr(inst, x.ID()); !ok || !heap.Equal(v, heap.Int(3)) {
		t.Errorf("instance attr x = %v", v)
	}
}

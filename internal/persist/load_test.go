package persist

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/systemshift/persistore/internal/heap"
)

// rewriteFile applies strings.Replace(old, new, -1) to the file at path
// and fails if old does not occur.
func rewriteFile(t *testing.T, path, old, new string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), old) {
		t.Fatalf("%s does not contain %q", path, old)
	}
	out := strings.ReplaceAll(string(data), old, new)
	if err := os.WriteFile(path, []byte(out), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func loadUnchecked(t *testing.T, dir string) (*heap.Heap, error) {
	t.Helper()
	opts := testLoadOptions(t)
	opts.SkipChecksums = true
	return Load(dir, opts)
}

func TestLoad_TwoObjectSpace(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	mustDump(t, f.h, dir)
	h := mustLoad(t, dir)

	a, b := h.Find(f.a.ID()), h.Find(f.b.ID())
	if a == nil || b == nil {
		t.Fatal("a or b missing after load")
	}
	v, ok := b.Attr(f.k2.ID())
	if !ok {
		t.Fatal("b lost its attribute")
	}
	if !heap.Equal(v, heap.Ref(f.a.ID())) {
		t.Errorf("b.k2 = %s, want ref to %s", heap.Describe(v), f.a.ID())
	}
	if v, _ := a.Attr(f.k1.ID()); !heap.Equal(v, heap.Int(42)) {
		t.Errorf("a.k1 = %s, want 42", heap.Describe(v))
	}
	if a.Class() != f.class.ID() {
		t.Errorf("a.Class = %s, want %s", a.Class(), f.class.ID())
	}
	if a.Space() != f.space.ID() {
		t.Errorf("a.Space = %s, want %s", a.Space(), f.space.ID())
	}
	if !a.MTime().Equal(f.a.MTime()) {
		t.Errorf("a.MTime = %v, want %v", a.MTime(), f.a.MTime())
	}
	if h.Named("b") != b || !h.IsRoot(b.ID()) {
		t.Error("named root b not installed")
	}
	if h.IsRoot(a.ID()) {
		t.Error("a became a root")
	}
	if ci, err := h.ClassInfoOf(f.class.ID()); err != nil || ci.Name() != "point" {
		t.Errorf("class point not restored: %v", err)
	}
}

func TestLoad_IDStability(t *testing.T) {
	f := newFixture(t)
	want := make(map[heap.ObjectID]bool)
	dir := t.TempDir()
	mustDump(t, f.h, dir)
	h := mustLoad(t, dir)
	for _, obj := range h.Objects() {
		want[obj.ID()] = true
	}

	for i := 0; i < 3; i++ {
		dir := t.TempDir()
		mustDump(t, h, dir)
		h = mustLoad(t, dir)
		if h.Len() != len(want) {
			t.Fatalf("cycle %d: %d objects, want %d", i, h.Len(), len(want))
		}
		for _, obj := range h.Objects() {
			if !want[obj.ID()] {
				t.Fatalf("cycle %d: new id %s", i, obj.ID())
			}
		}
	}
}

func TestLoad_CircularReferencesAcrossSpaces(t *testing.T) {
	f := newFixture(t)
	initial := f.h.Find(heap.InitialSpaceID)
	// c lives in the initial space and points to a; a points back to c
	c := f.newObject(t, f.class, initial)
	if err := c.PutAttr(f.k1.ID(), heap.RefTo(f.a)); err != nil {
		t.Fatal(err)
	}
	if err := f.a.PutAttr(f.k2.ID(), heap.RefTo(c)); err != nil {
		t.Fatal(err)
	}
	if err := f.a.PutAttr(f.k1.ID(), heap.RefTo(f.a)); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	mustDump(t, f.h, dir)
	h := mustLoad(t, dir)

	a, c2 := h.Find(f.a.ID()), h.Find(c.ID())
	if c2 == nil {
		t.Fatal("c not reached through a")
	}
	if v, _ := a.Attr(f.k2.ID()); !heap.Equal(v, heap.Ref(c.ID())) {
		t.Errorf("a.k2 = %s", heap.Describe(v))
	}
	if v, _ := c2.Attr(f.k1.ID()); !heap.Equal(v, heap.Ref(a.ID())) {
		t.Errorf("c.k1 = %s", heap.Describe(v))
	}
	if v, _ := a.Attr(f.k1.ID()); !heap.Equal(v, heap.Ref(a.ID())) {
		t.Errorf("a.k1 = %s, want self reference", heap.Describe(v))
	}
}

func TestLoad_ValuesRoundTrip(t *testing.T) {
	f := newFixture(t)
	values := []heap.Value{
		heap.Int(-7),
		heap.Double(2.5),
		heap.String("plain text"),
		heap.String(f.b.ID().String()),
		heap.String("__"),
		heap.MakeSet(f.a.ID(), f.b.ID()),
		heap.EmptySet,
		heap.MakeTuple(f.b.ID(), heap.NilID, f.b.ID()),
		heap.MakeClosure(f.class.ID(), heap.Int(1), heap.RefTo(f.a)).WithMeta(f.b.ID(), 3),
		heap.MakeInstance(f.class.ID(), heap.String("x"), heap.Double(-0.5)),
		nil,
	}
	for _, v := range values {
		f.a.AppendComp(v)
	}

	dir := t.TempDir()
	mustDump(t, f.h, dir)
	h := mustLoad(t, dir)
	got := h.Find(f.a.ID()).Comps()
	if len(got) != len(values) {
		t.Fatalf("got %d components, want %d", len(got), len(values))
	}
	for i, want := range values {
		if !heap.Equal(got[i], want) {
			t.Errorf("component %d = %s, want %s", i, heap.Describe(got[i]), heap.Describe(want))
		}
	}
	if _, ok := got[3].(heap.String); !ok {
		t.Errorf("id-like string came back as %s", got[3].Kind())
	}
	if got[6] != heap.EmptySet {
		t.Error("empty set not interned after load")
	}
}

func TestLoad_CountMismatch(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	mustDump(t, f.h, dir)
	rewriteFile(t, SpaceFilePath(dir, f.space.ID()), `"nbobjects":2`, `"nbobjects":3`)

	_, err := loadUnchecked(t, dir)
	var hme *HeaderMismatchError
	if !errors.As(err, &hme) {
		t.Fatalf("Load error = %v, want HeaderMismatchError", err)
	}
	if hme.Declared != "3" || hme.Actual != "2" {
		t.Errorf("declared %s actual %s", hme.Declared, hme.Actual)
	}
}

func TestLoad_ChecksumMismatch(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	mustDump(t, f.h, dir)
	path := SpaceFilePath(dir, f.space.ID())
	rewriteFile(t, path, "// end of space", "// tampered\n// end of space")

	_, err := Load(dir, testLoadOptions(t))
	var cme *ChecksumMismatchError
	if !errors.As(err, &cme) {
		t.Fatalf("Load error = %v, want ChecksumMismatchError", err)
	}
	if cme.Path != path {
		t.Errorf("Path = %s, want %s", cme.Path, path)
	}
	if _, err := loadUnchecked(t, dir); err != nil {
		t.Errorf("comment-only change should load without checksums: %v", err)
	}
}

func TestLoad_DuplicateID(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	mustDump(t, f.h, dir)
	// give b the id of k1, which lives in the initial space
	rewriteFile(t, SpaceFilePath(dir, f.space.ID()), f.b.ID().String(), f.k1.ID().String())

	_, err := loadUnchecked(t, dir)
	var dup *DuplicateIDError
	if !errors.As(err, &dup) {
		t.Fatalf("Load error = %v, want DuplicateIDError", err)
	}
	paths := map[string]bool{dup.Path: true, dup.FirstPath: true}
	if dup.ID != f.k1.ID() || !paths[SpaceFilePath(dir, heap.InitialSpaceID)] || !paths[SpaceFilePath(dir, f.space.ID())] {
		t.Errorf("got %v", dup)
	}
}

func TestLoad_UnresolvedReference(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	mustDump(t, f.h, dir)
	ghost := "_1Nowhere00010000000"
	rewriteFile(t, SpaceFilePath(dir, f.space.ID()), `"value": "`+f.a.ID().String()+`"`, `"value": "`+ghost+`"`)

	l := NewLoader(dir, LoadOptions{Logf: t.Logf, SkipChecksums: true})
	h, err := l.Run()
	var ure *UnresolvedReferenceError
	if !errors.As(err, &ure) {
		t.Fatalf("Load error = %v, want UnresolvedReferenceError", err)
	}
	if ure.ID.String() != ghost || ure.Line == 0 {
		t.Errorf("got %v", ure)
	}
	if h != nil {
		t.Error("partial heap returned")
	}
	if l.State() != LoadFailed {
		t.Errorf("State = %s, want failed", l.State())
	}
}

func TestLoad_UnknownFormat(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	mustDump(t, f.h, dir)
	rewriteFile(t, filepath.Join(dir, ManifestName), FormatTag, "persistore-v0")

	_, err := Load(dir, testLoadOptions(t))
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("Load error = %v, want FormatError", err)
	}
	if fe.Got != "persistore-v0" || fe.Want != FormatTag {
		t.Errorf("got %q want %q", fe.Got, fe.Want)
	}
}

func TestLoad_MissingStore(t *testing.T) {
	_, err := Load(t.TempDir(), testLoadOptions(t))
	var ioe *IOError
	if !errors.As(err, &ioe) || !os.IsNotExist(ioe.Err) {
		t.Fatalf("Load error = %v, want IOError for missing manifest", err)
	}
}

// testPayload is a minimal payload kind used to exercise the registry.
type testPayload struct {
	heap.PayloadBase
	name      string
	droppable bool
	note      string
}

func (p *testPayload) TypeName() string { return p.name }
func (p *testPayload) Droppable() bool { return p.droppable }
func (p *testPayload) ScanRefs(heap.RefScanner) {}
func (p *testPayload) DumpFields(w heap.FieldWriter) error {
	w.Put("test_note", p.note)
	return nil
}

func init() {
	heap.RegisterPayload("test_note", func(obj *heap.Object, rec heap.RecordReader, space heap.ObjectID, line int) error {
		note, err := rec.String("test_note")
		if err != nil {
			return err
		}
		obj.SetPayload(&testPayload{PayloadBase: heap.NewPayloadBase(obj), name: "test_note", note: note})
		return nil
	})
}

func TestLoad_RegisteredPayload(t *testing.T) {
	f := newFixture(t)
	f.a.SetPayload(&testPayload{PayloadBase: heap.NewPayloadBase(f.a), name: "test_note", note: "hello"})
	dir := t.TempDir()
	mustDump(t, f.h, dir)
	h := mustLoad(t, dir)

	p, ok := h.Find(f.a.ID()).Payload().(*testPayload)
	if !ok {
		t.Fatalf("payload = %T", h.Find(f.a.ID()).Payload())
	}
	if p.note != "hello" || p.Owner().ID() != f.a.ID() {
		t.Errorf("payload = %+v", p)
	}
}

func TestLoad_UnknownPayloadType(t *testing.T) {
	f := newFixture(t)
	f.a.SetPayload(&testPayload{PayloadBase: heap.NewPayloadBase(f.a), name: "test_unregistered"})
	dir := t.TempDir()
	mustDump(t, f.h, dir)

	_, err := Load(dir, testLoadOptions(t))
	var upe *UnknownPayloadTypeError
	if !errors.As(err, &upe) {
		t.Fatalf("Load error = %v, want UnknownPayloadTypeError", err)
	}
	if upe.Name != "test_unregistered" || upe.ID != f.a.ID() {
		t.Errorf("got %v", upe)
	}
}

func TestLoad_DroppablePayloadSkipped(t *testing.T) {
	f := newFixture(t)
	f.a.SetPayload(&testPayload{PayloadBase: heap.NewPayloadBase(f.a), name: "test_cache", droppable: true})
	dir := t.TempDir()
	mustDump(t, f.h, dir)

	var logged []string
	h, err := Load(dir, LoadOptions{Logf: func(format string, args ...any) {
		logged = append(logged, format)
	}})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	a := h.Find(f.a.ID())
	if a.Payload() != nil {
		t.Errorf("payload = %T, want none", a.Payload())
	}
	if v, _ := a.Attr(f.k1.ID()); !heap.Equal(v, heap.Int(42)) {
		t.Error("object content lost with its payload")
	}
	if len(logged) == 0 {
		t.Error("dropped payload not reported")
	}
}

type recordingAttacher struct {
	ids []heap.ObjectID
}

func (r *recordingAttacher) AttachPlugin(h *heap.Heap, id heap.ObjectID) error {
	r.ids = append(r.ids, id)
	return nil
}

func TestLoad_AttachesPlugins(t *testing.T) {
	f := newFixture(t)
	module := f.newObject(t, f.class, f.space)
	f.h.AttachPlugin(module.ID())
	dir := t.TempDir()
	mustDump(t, f.h, dir)

	att := &recordingAttacher{}
	opts := testLoadOptions(t)
	opts.Plugins = att
	h, err := Load(dir, opts)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(att.ids) != 1 || att.ids[0] != module.ID() {
		t.Errorf("attached %v, want %s", att.ids, module.ID())
	}
	if h.Find(module.ID()) == nil {
		t.Error("plugin object not persisted")
	}
	if got := h.Plugins(); len(got) != 1 || got[0] != module.ID() {
		t.Errorf("Plugins = %v", got)
	}
}

package fuse

import (
	"encoding/json"
	"testing"

	"github.com/systemshift/persistore/internal/heap"
)

func bootTestHeap(t *testing.T) *heap.Heap {
	t.Helper()
	h, err := heap.Bootstrap()
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return h
}

func TestRelativeTarget(t *testing.T) {
	id := heap.ClassClassID
	if got, want := relativeTarget(rootsDirName, id), "../objects/"+id.String(); got != want {
		t.Errorf("roots: got %q, want %q", got, want)
	}
	if got, want := relativeTarget(spacesDirName+"/"+heap.InitialSpaceID.String(), id), "../../objects/"+id.String(); got != want {
		t.Errorf("spaces: got %q, want %q", got, want)
	}
}

func TestSpaceListings(t *testing.T) {
	h := bootTestHeap(t)
	spaces := spaceIDs(h)
	if len(spaces) != 1 || spaces[0] != heap.InitialSpaceID {
		t.Fatalf("spaces = %v", spaces)
	}

	tmp, err := h.NewObject(h.Find(heap.ObjectClassID))
	if err != nil {
		t.Fatal(err)
	}
	members := memberLinks(h, heap.InitialSpaceID)
	if len(members) != h.Len()-1 {
		t.Errorf("got %d members, want every object but the transient one", len(members))
	}
	for _, l := range members {
		if l.target == tmp.ID() {
			t.Error("transient object listed in a space")
		}
	}
}

func TestNameLinks(t *testing.T) {
	h := bootTestHeap(t)
	if err := h.NameRoot("a/b", heap.ObjectClassID); err != nil {
		t.Fatal(err)
	}
	r := &RootNode{h: h}

	found := false
	for _, l := range r.nameLinks() {
		if l.name == "a/b" {
			t.Error("name with a slash listed")
		}
		if l.name == "class" && l.target == heap.ClassClassID {
			found = true
		}
	}
	if !found {
		t.Error("class name link missing")
	}
	if got := len(r.rootLinks()); got != len(h.Roots()) {
		t.Errorf("got %d root links, want %d", got, len(h.Roots()))
	}
}

func TestObjectFile_Record(t *testing.T) {
	h := bootTestHeap(t)
	f := &ObjectFile{obj: h.Find(heap.ClassClassID)}
	data, err := f.recordBytes()
	if err != nil {
		t.Fatalf("recordBytes: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("record is not JSON: %v\n%s", err, data)
	}
	if rec["oid"] != heap.ClassClassID.String() || rec["payload"] != heap.ClassInfoTypeName {
		t.Errorf("record = %v", rec)
	}
	if rec["class_name"] != "class" {
		t.Errorf("class_name = %v", rec["class_name"])
	}
}

func TestFindObject(t *testing.T) {
	h := bootTestHeap(t)
	if findObject(h, heap.ObjectClassID.String()) == nil {
		t.Error("registered object not found")
	}
	for _, name := range []string{"__", "nope", heap.ObjectClassID.String() + "x"} {
		if findObject(h, name) != nil {
			t.Errorf("findObject(%q) succeeded", name)
		}
	}
}

package persist

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/systemshift/persistore/internal/heap"
)

// ArtifactWriter stages a file under the generated directory of a dump.
type ArtifactWriter interface {
	WriteArtifact(name string, data []byte) error
}

// Generator is the code generation hook run at the end of a dump. What it
// writes is not interpreted by the store.
type Generator func(h *heap.Heap, out ArtifactWriter) error

type artifactWriter struct {
	dir    string
	stager *Stager
	names  map[string]bool
}

func newArtifactWriter(dir string, stager *Stager) *artifactWriter {
	return &artifactWriter{dir: filepath.Join(dir, GeneratedDir), stager: stager, names: make(map[string]bool)}
}

func (w *artifactWriter) WriteArtifact(name string, data []byte) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("artifact name %q must be a plain file name", name)
	}
	if name == JournalName || strings.HasSuffix(name, BackupSuffix) {
		return fmt.Errorf("artifact name %q is reserved", name)
	}
	if w.names[name] {
		return fmt.Errorf("artifact %q written twice", name)
	}
	w.names[name] = true
	return w.stager.Write(filepath.Join(w.dir, name), data, 0644)
}

// crossReferences are the id lists written as text artifacts.
type crossReferences struct {
	roots     []heap.ObjectID
	names     []heap.NamedRoot
	constants []heap.ObjectID
}

func (x *crossReferences) write(w ArtifactWriter, label func(heap.ObjectID) string) error {
	files := []struct {
		name  string
		title string
		lines []string
	}{
		{"roots.txt", "global roots", idLines(x.roots, label)},
		{"names.txt", "named roots", nameLines(x.names)},
		{"constants.txt", "constant objects", idLines(x.constants, label)},
	}
	for _, f := range files {
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "// %s, generated by persistore\n", f.title)
		fmt.Fprintf(&buf, "// %d entries\n", len(f.lines))
		for _, l := range f.lines {
			buf.WriteString(l)
			buf.WriteByte('\n')
		}
		if err := w.WriteArtifact(f.name, buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func idLines(ids []heap.ObjectID, label func(heap.ObjectID) string) []string {
	lines := make([]string, len(ids))
	for i, id := range ids {
		lines[i] = id.String()
		if l := label(id); l != "" {
			lines[i] += "\t" + l
		}
	}
	return lines
}

func nameLines(names []heap.NamedRoot) []string {
	lines := make([]string, len(names))
	for i, n := range names {
		lines[i] = n.ID.String() + "\t" + n.Name
	}
	return lines
}

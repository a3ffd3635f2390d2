package persist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/systemshift/persistore/internal/heap"
)

// FormatTag identifies the store layout. Loading a store with another tag
// fails.
const FormatTag = "persistore-v1"

// Store layout, relative to the store directory.
const (
	ManifestName = "manifest.json"
	SpaceDir     = "persistore"
	GeneratedDir = "generated"
	JournalName  = "dumps.jsonl"
)

// ManifestPath returns the path of the manifest of the store in dir.
func ManifestPath(dir string) string {
	return filepath.Join(dir, ManifestName)
}

// SpaceFilePath returns the path of the file holding the members of space.
func SpaceFilePath(dir string, space heap.ObjectID) string {
	return filepath.Join(dir, SpaceDir, "sp"+space.String()+"-store.json")
}

// Manifest is the single top-level document of a store.
type Manifest struct {
	Format      string           `json:"format"`
	SpaceSet    []heap.ObjectID  `json:"spaceset"`
	GlobalRoots []heap.ObjectID  `json:"globalroots"`
	GlobalNames []heap.NamedRoot `json:"globalnames"`
	ConstSet    []heap.ObjectID  `json:"constset"`
	Plugins     []heap.ObjectID  `json:"plugins"`

	ToolID    string            `json:"toolid,omitempty"`
	DumpTime  time.Time         `json:"dumptime"`
	Checksums map[string]string `json:"checksums,omitempty"`
}

func (m *Manifest) normalize() {
	if m.SpaceSet == nil {
		m.SpaceSet = []heap.ObjectID{}
	}
	if m.GlobalRoots == nil {
		m.GlobalRoots = []heap.ObjectID{}
	}
	if m.GlobalNames == nil {
		m.GlobalNames = []heap.NamedRoot{}
	}
	if m.ConstSet == nil {
		m.ConstSet = []heap.ObjectID{}
	}
	if m.Plugins == nil {
		m.Plugins = []heap.ObjectID{}
	}
}

// Encode renders the manifest as indented canonical JSON.
func (m *Manifest) Encode() ([]byte, error) {
	m.normalize()
	data, err := IndentedJSON(m)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// ReadManifest parses and validates the manifest of the store at dir.
func ReadManifest(dir string) (*Manifest, error) {
	path := ManifestPath(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ioErr("read", path, err)
	}
	return parseManifest(path, data)
}

func parseManifest(path string, data []byte) (*Manifest, error) {
	var probe struct {
		Format string `json:"format"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, formatErrf(path, 0, err, "bad manifest")
	}
	if probe.Format != FormatTag {
		return nil, &FormatError{Path: path, Msg: "unknown store format", Got: probe.Format, Want: FormatTag}
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, formatErrf(path, 0, err, "bad manifest")
	}
	seen := make(map[heap.ObjectID]bool)
	for _, sp := range m.SpaceSet {
		if sp.IsNil() {
			return nil, formatErrf(path, 0, nil, "absent space id in spaceset")
		}
		if seen[sp] {
			return nil, formatErrf(path, 0, nil, "space %s listed twice", sp)
		}
		seen[sp] = true
	}
	m.normalize()
	return &m, nil
}

package persist

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/systemshift/persistore/internal/heap"
)

// PluginAttacher attaches the code module recorded under id before any
// object is rebuilt. It may register payload kinds.
type PluginAttacher interface {
	AttachPlugin(h *heap.Heap, id heap.ObjectID) error
}

// LoadOptions tunes a load.
type LoadOptions struct {
	// Logf receives progress and warnings; nil means log.Printf.
	Logf    func(format string, args ...any)
	Verbose bool
	// Plugins attaches recorded code modules; nil only records their ids.
	Plugins PluginAttacher
	// SkipChecksums disables verification of manifest checksums.
	SkipChecksums bool
}

// LoadState is the phase a Loader is in.
type LoadState int

const (
	LoadIdle LoadState = iota
	LoadParseManifest
	LoadFirstPass
	LoadSecondPass
	LoadInstallRoots
	LoadReady
	LoadFailed
)

var loadStateNames = [...]string{
	"idle", "parse-manifest", "first-pass", "second-pass", "install-roots", "ready", "failed",
}

func (s LoadState) String() string {
	if int(s) < len(loadStateNames) {
		return loadStateNames[s]
	}
	return fmt.Sprintf("LoadState(%d)", int(s))
}

// Loader rebuilds a heap from a store directory. A Loader runs once.
type Loader struct {
	dir   string
	opts  LoadOptions
	logf  func(format string, args ...any)
	state LoadState

	h        *heap.Heap
	manifest *Manifest
	files    []*spaceFile
	defined  map[heap.ObjectID]rawLocation
	loaders  map[string]heap.PayloadLoader
	dropped  int
}

type rawLocation struct {
	path string
	line int
}

// NewLoader prepares a load of the store at dir.
func NewLoader(dir string, opts LoadOptions) *Loader {
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Loader{
		dir:     dir,
		opts:    opts,
		logf:    logf,
		defined: make(map[heap.ObjectID]rawLocation),
		loaders: make(map[string]heap.PayloadLoader),
	}
}

// Load reads the store at dir into a fresh heap. No heap is returned
// unless every object was rebuilt.
func Load(dir string, opts LoadOptions) (*heap.Heap, error) {
	return NewLoader(dir, opts).Run()
}

// State returns the current phase.
func (l *Loader) State() LoadState { return l.state }

// Manifest returns the parsed manifest once the load got past it.
func (l *Loader) Manifest() *Manifest { return l.manifest }

func (l *Loader) verbosef(format string, args ...any) {
	if l.opts.Verbose {
		l.logf(format, args...)
	}
}

// Run performs the load.
func (l *Loader) Run() (h *heap.Heap, err error) {
	if l.state != LoadIdle {
		return nil, fmt.Errorf("load from %s: loader already ran", l.dir)
	}
	defer func() {
		if err != nil {
			l.state = LoadFailed
			l.h = nil
		}
	}()
	l.h = heap.New()

	l.state = LoadParseManifest
	if err := l.readStore(); err != nil {
		return nil, err
	}
	for _, id := range l.manifest.Plugins {
		l.h.AttachPlugin(id)
		if l.opts.Plugins != nil {
			if err := l.opts.Plugins.AttachPlugin(l.h, id); err != nil {
				return nil, fmt.Errorf("attach plugin %s: %w", id, err)
			}
		}
	}

	l.state = LoadFirstPass
	for _, sf := range l.files {
		if err := l.createStubs(sf); err != nil {
			return nil, err
		}
	}
	l.verbosef("persistore: %d objects declared in %d spaces", len(l.defined), len(l.files))

	l.state = LoadSecondPass
	for _, sf := range l.files {
		if err := l.fillSpace(sf); err != nil {
			return nil, err
		}
	}
	for _, sp := range l.manifest.SpaceSet {
		obj := l.h.Find(sp)
		if obj == nil {
			return nil, &UnresolvedReferenceError{ID: sp, Path: ManifestPath(l.dir), Context: "space"}
		}
		if _, ok := obj.Payload().(*heap.Space); !ok {
			return nil, formatErrf(SpaceFilePath(l.dir, sp), 0, nil, "object %s is listed as a space but has no space payload", sp)
		}
	}

	l.state = LoadInstallRoots
	if err := l.installRoots(); err != nil {
		return nil, err
	}
	l.state = LoadReady
	if l.dropped > 0 {
		l.logf("persistore: %d droppable payloads of unknown type were dropped", l.dropped)
	}
	l.verbosef("persistore: loaded %d objects from %s", l.h.Len(), l.dir)
	return l.h, nil
}

// readStore parses the manifest and every space file it lists.
func (l *Loader) readStore() error {
	m, err := ReadManifest(l.dir)
	if err != nil {
		return err
	}
	l.manifest = m
	for _, sp := range m.SpaceSet {
		path := SpaceFilePath(l.dir, sp)
		data, err := os.ReadFile(path)
		if err != nil {
			return ioErr("read", path, err)
		}
		if want, ok := m.Checksums[sp.String()]; ok && !l.opts.SkipChecksums {
			if err := verifyChecksum(path, data, want); err != nil {
				return err
			}
		}
		sf, err := parseSpaceFile(path, data)
		if err != nil {
			return err
		}
		if sf.Header.SpaceID != sp {
			return &HeaderMismatchError{
				Path:     path,
				Field:    "spaceid",
				Declared: sf.Header.SpaceID.String(),
				Actual:   sp.String(),
			}
		}
		l.files = append(l.files, sf)
	}
	return nil
}

// createStubs registers an empty object for every record of sf.
func (l *Loader) createStubs(sf *spaceFile) error {
	for _, r := range sf.Records {
		if first, dup := l.defined[r.ID]; dup {
			return &DuplicateIDError{ID: r.ID, Path: sf.Path, Line: r.Line, FirstPath: first.path, FirstLine: first.line}
		}
		if _, err := l.h.NewStub(r.ID); err != nil {
			return fmt.Errorf("%s: %w", location(sf.Path, r.Line), err)
		}
		l.defined[r.ID] = rawLocation{path: sf.Path, line: r.Line}
	}
	return nil
}

func (l *Loader) fillSpace(sf *spaceFile) error {
	for _, r := range sf.Records {
		if err := l.fillObject(sf, r); err != nil {
			return err
		}
	}
	l.verbosef("persistore: space %s: %d objects", sf.Header.SpaceID, len(sf.Records))
	return nil
}

func (l *Loader) fillObject(sf *spaceFile, r rawRecord) error {
	obj := l.h.Find(r.ID)
	dec := &valueDecoder{h: l.h, path: sf.Path, line: r.Line}
	rec, err := newRecordReader(dec, r.Body)
	if err != nil {
		return err
	}

	oid, err := rec.String(fieldOID)
	if err != nil {
		return err
	}
	if oid != r.ID.String() {
		return &FormatError{Path: sf.Path, Line: r.Line, Msg: "record id differs from its marker", Got: oid, Want: r.ID.String()}
	}

	if rec.Has(fieldClass) {
		cls, err := rec.Object(fieldClass)
		if err != nil {
			return err
		}
		obj.RestoreClass(cls.ID())
	}

	space, err := dec.resolve(sf.Header.SpaceID.String(), "owning space")
	if err != nil {
		return err
	}
	obj.RestoreSpace(space.ID())

	mtext, err := rec.String(fieldMTime)
	if err != nil {
		return err
	}
	mtime, err := time.Parse(mtimeLayout, mtext)
	if err != nil {
		return formatErrf(sf.Path, r.Line, err, "bad mtime of %s", r.ID)
	}

	comps, err := rec.Values(fieldComps)
	if err != nil {
		return err
	}
	if len(comps) > 0 {
		obj.ReserveComps(len(comps))
		for _, v := range comps {
			obj.AppendComp(v)
		}
	}

	if raw, ok := rec.Raw(fieldAttrs); ok {
		var attrs []struct {
			Key   string          `json:"key"`
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(raw, &attrs); err != nil {
			return formatErrf(sf.Path, r.Line, err, "bad attributes of %s", r.ID)
		}
		for _, a := range attrs {
			key, err := dec.resolve(a.Key, "attribute key")
			if err != nil {
				return err
			}
			v, err := dec.decodeRaw(a.Value)
			if err != nil {
				return err
			}
			if v == nil {
				continue
			}
			if err := obj.PutAttr(key.ID(), v); err != nil {
				return fmt.Errorf("%s: %w", location(sf.Path, r.Line), err)
			}
		}
	}

	if rec.Has(fieldPayload) {
		if err := l.loadPayload(obj, rec, sf, r); err != nil {
			return err
		}
	}

	obj.RestoreMTime(mtime)
	return nil
}

func (l *Loader) loadPayload(obj *heap.Object, rec *recordReader, sf *spaceFile, r rawRecord) error {
	name, err := rec.String(fieldPayload)
	if err != nil {
		return err
	}
	fn, ok := l.loaders[name]
	if !ok {
		fn, ok = heap.LookupPayload(name)
		if !ok {
			if droppable(rec) {
				l.dropped++
				l.logf("persistore: %s: dropping payload %q of %s, type not registered", location(sf.Path, r.Line), name, r.ID)
				return nil
			}
			return &UnknownPayloadTypeError{Name: name, ID: r.ID, Path: sf.Path, Line: r.Line}
		}
		l.loaders[name] = fn
	}
	if err := fn(obj, rec, sf.Header.SpaceID, r.Line); err != nil {
		return fmt.Errorf("%s: object %s payload %s: %w", location(sf.Path, r.Line), r.ID, name, err)
	}
	return nil
}

func droppable(rec *recordReader) bool {
	raw, ok := rec.Raw(fieldDroppable)
	if !ok {
		return false
	}
	var b bool
	return json.Unmarshal(raw, &b) == nil && b
}

func (l *Loader) installRoots() error {
	path := ManifestPath(l.dir)
	for _, id := range l.manifest.GlobalRoots {
		if err := l.h.AddRoot(id); err != nil {
			return &UnresolvedReferenceError{ID: id, Path: path, Context: "global root"}
		}
	}
	for _, n := range l.manifest.GlobalNames {
		if l.h.Find(n.ID) == nil {
			return &UnresolvedReferenceError{ID: n.ID, Path: path, Context: "named root " + n.Name}
		}
		if err := l.h.NameRoot(n.Name, n.ID); err != nil {
			return formatErrf(path, 0, err, "named roots")
		}
	}
	for _, id := range l.manifest.ConstSet {
		if l.h.Find(id) == nil {
			return &UnresolvedReferenceError{ID: id, Path: path, Context: "constant"}
		}
		l.h.AddConstant(id)
	}
	return nil
}

package persist

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/systemshift/persistore/internal/heap"
)

// DumpOptions tunes a dump.
type DumpOptions struct {
	// Logf receives progress and warnings; nil means log.Printf.
	Logf    func(format string, args ...any)
	Verbose bool
	// ToolID is recorded in the manifest.
	ToolID string
	// Constants are pinned in addition to the heap's own constant set.
	Constants []heap.ObjectID
	// GenerateCode runs after the cross-reference artifacts are staged.
	GenerateCode Generator
	// NoBackup disables the <name>~ copy of replaced files.
	NoBackup bool
	// ScanWorkers bounds the goroutines of the reachability scan. Zero
	// means up to 8; 1 scans sequentially, in queue order.
	ScanWorkers int
}

// DumpStats summarizes an installed dump.
type DumpStats struct {
	Spaces    int
	Objects   int
	Transient int // reachable objects left out for having no space
	Files     []string
	Manifest  string // checksum of the manifest
}

// DumpState is the phase a Dumper is in.
type DumpState int

const (
	DumpIdle DumpState = iota
	DumpScanRoots
	DumpScanFixpoint
	DumpWriteSpaces
	DumpWriteGenerated
	DumpWriteManifest
	DumpRename
	DumpDone
	DumpFailed
)

var dumpStateNames = [...]string{
	"idle", "scan-roots", "scan-fixpoint", "write-spaces", "write-generated",
	"write-manifest", "rename", "done", "failed",
}

func (s DumpState) String() string {
	if int(s) < len(dumpStateNames) {
		return dumpStateNames[s]
	}
	return fmt.Sprintf("DumpState(%d)", int(s))
}

// Dumper writes the persistent part of a heap into a store directory.
// A Dumper runs once.
type Dumper struct {
	h     *heap.Heap
	dir   string
	opts  DumpOptions
	logf  func(format string, args ...any)
	state DumpState

	// mu guards the scan state below. It is never held together with an
	// object lock for longer than one enqueue.
	mu        sync.Mutex
	included  map[heap.ObjectID]*included
	queue     []heap.ObjectID
	transient map[heap.ObjectID]bool
	scanErr   error

	stager    *Stager
	checksums map[string]string
	files     []string

	// beforeInstall runs after every file is staged and before any rename.
	beforeInstall func() error
}

type included struct {
	obj   *heap.Object
	space heap.ObjectID
}

// NewDumper prepares a dump of h into dir.
func NewDumper(h *heap.Heap, dir string, opts DumpOptions) *Dumper {
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Dumper{
		h:         h,
		dir:       dir,
		opts:      opts,
		logf:      logf,
		included:  make(map[heap.ObjectID]*included),
		transient: make(map[heap.ObjectID]bool),
		checksums: make(map[string]string),
	}
}

// Dump writes h into dir. On failure the previous store in dir is left
// untouched.
func Dump(h *heap.Heap, dir string, opts DumpOptions) (*DumpStats, error) {
	return NewDumper(h, dir, opts).Run()
}

// State returns the current phase.
func (d *Dumper) State() DumpState { return d.state }

func (d *Dumper) verbosef(format string, args ...any) {
	if d.opts.Verbose {
		d.logf(format, args...)
	}
}

// Run performs the dump.
func (d *Dumper) Run() (stats *DumpStats, err error) {
	if d.state != DumpIdle {
		return nil, fmt.Errorf("dump into %s: dumper already ran", d.dir)
	}
	d.stager = NewStager(!d.opts.NoBackup)
	defer func() {
		if err != nil {
			d.stager.Abort()
			d.logf("persistore: dump into %s failed during %s: %v", d.dir, d.state, err)
			d.state = DumpFailed
		}
	}()

	d.state = DumpScanRoots
	if err := d.seed(); err != nil {
		return nil, err
	}

	d.state = DumpScanFixpoint
	if err := d.fixpoint(); err != nil {
		return nil, err
	}
	d.verbosef("persistore: scanned %d persistent objects, %d transient left out", len(d.included), len(d.transient))

	for _, sub := range []string{SpaceDir, GeneratedDir} {
		p := filepath.Join(d.dir, sub)
		if err := os.MkdirAll(p, 0755); err != nil {
			return nil, ioErr("mkdir", p, err)
		}
	}

	d.state = DumpWriteSpaces
	spaces, err := d.writeSpaces()
	if err != nil {
		return nil, err
	}

	d.state = DumpWriteGenerated
	xref := d.crossReferences()
	aw := newArtifactWriter(d.dir, d.stager)
	if err := xref.write(aw, d.label); err != nil {
		return nil, fmt.Errorf("write cross references: %w", err)
	}
	if d.opts.GenerateCode != nil {
		if err := d.opts.GenerateCode(d.h, aw); err != nil {
			return nil, fmt.Errorf("generate code: %w", err)
		}
	}

	d.state = DumpWriteManifest
	man := &Manifest{
		Format:      FormatTag,
		SpaceSet:    spaces,
		GlobalRoots: xref.roots,
		GlobalNames: xref.names,
		ConstSet:    xref.constants,
		Plugins:     d.h.Plugins(),
		ToolID:      d.opts.ToolID,
		DumpTime:    time.Now().UTC(),
		Checksums:   d.checksums,
	}
	data, err := man.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	manPath := ManifestPath(d.dir)
	if err := d.stager.Write(manPath, data, 0644); err != nil {
		return nil, err
	}
	manSum, err := Checksum(data)
	if err != nil {
		return nil, err
	}

	d.state = DumpRename
	if d.beforeInstall != nil {
		if err := d.beforeInstall(); err != nil {
			return nil, err
		}
	}
	if err := d.stager.Commit(); err != nil {
		return nil, err
	}
	d.state = DumpDone

	stats = &DumpStats{
		Spaces:    len(spaces),
		Objects:   len(d.included),
		Transient: len(d.transient),
		Files:     append(d.files, manPath),
		Manifest:  manSum,
	}
	entry := JournalEntry{Time: man.DumpTime, Spaces: stats.Spaces, Objects: stats.Objects, Manifest: manSum}
	if err := appendJournal(d.dir, entry); err != nil {
		d.logf("persistore: dump installed but journal not updated: %v", err)
	}
	d.verbosef("persistore: dumped %d objects in %d spaces into %s", stats.Objects, stats.Spaces, d.dir)
	return stats, nil
}

// seed enqueues roots, constants and attached plugin objects.
func (d *Dumper) seed() error {
	for _, id := range d.h.Roots() {
		if err := d.enqueueRoot(id, "global root"); err != nil {
			return err
		}
	}
	for _, id := range d.constants() {
		if d.h.Find(id) == nil {
			d.logf("persistore: constant %s is not in the heap, skipped", id)
			continue
		}
		d.enqueue(id)
	}
	for _, id := range d.h.Plugins() {
		if d.h.Find(id) != nil {
			d.enqueue(id)
		}
	}
	return d.scanErr
}

func (d *Dumper) enqueueRoot(id heap.ObjectID, context string) error {
	if d.h.Find(id) == nil {
		return &UnresolvedReferenceError{ID: id, Context: context}
	}
	d.enqueue(id)
	return nil
}

func (d *Dumper) constants() []heap.ObjectID {
	ids := d.h.Constants()
	seen := make(map[heap.ObjectID]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, id := range d.opts.Constants {
		if !seen[id] && !id.IsNil() {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	heap.SortIDs(ids)
	return ids
}

// enqueue includes id if it is a persistent object seen for the first
// time. Unknown ids are recorded as a scan error.
func (d *Dumper) enqueue(id heap.ObjectID) {
	if id.IsNil() {
		return
	}
	d.mu.Lock()
	_, done := d.included[id]
	skip := done || d.transient[id]
	d.mu.Unlock()
	if skip {
		return
	}

	obj := d.h.Find(id)
	if obj == nil {
		d.fail(&UnresolvedReferenceError{ID: id, Context: "dump scan"})
		return
	}
	space := obj.Space()

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, done := d.included[id]; done || d.transient[id] {
		return
	}
	if space.IsNil() {
		d.transient[id] = true
		return
	}
	d.included[id] = &included{obj: obj, space: space}
	d.queue = append(d.queue, id)
}

func (d *Dumper) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scanErr == nil {
		d.scanErr = err
	}
}

func (d *Dumper) takeQueue() []heap.ObjectID {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queue
	d.queue = nil
	return q
}

// fixpoint scans queued objects until no new object is discovered. Each
// wave is scanned by ScanWorkers goroutines; an object is locked only
// while its own references are collected.
func (d *Dumper) fixpoint() error {
	workers := d.opts.ScanWorkers
	if workers <= 0 {
		workers = min(runtime.GOMAXPROCS(0), 8)
	}
	for wave := 0; ; wave++ {
		batch := d.takeQueue()
		if len(batch) == 0 {
			break
		}
		d.verbosef("persistore: scan wave %d, %d objects", wave, len(batch))
		if workers == 1 {
			for _, id := range batch {
				d.scanObject(id)
			}
		} else {
			d.scanParallel(batch, workers)
		}

		d.mu.Lock()
		err := d.scanErr
		d.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *Dumper) scanParallel(batch []heap.ObjectID, workers int) {
	ch := make(chan heap.ObjectID)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range ch {
				d.scanObject(id)
			}
		}()
	}
	for _, id := range batch {
		ch <- id
	}
	close(ch)
	wg.Wait()
}

// refCollector gathers the references of one object under its lock.
type refCollector struct {
	ids []heap.ObjectID
}

func (rc *refCollector) ScanObject(id heap.ObjectID) {
	if !id.IsNil() {
		rc.ids = append(rc.ids, id)
	}
}

func (rc *refCollector) ScanValue(v heap.Value) {
	if v != nil {
		v.EachRef(rc.ScanObject)
	}
}

func (d *Dumper) scanObject(id heap.ObjectID) {
	d.mu.Lock()
	inc := d.included[id]
	d.mu.Unlock()

	rc := &refCollector{}
	inc.obj.Visit(func(c *heap.Contents) {
		rc.ScanObject(c.Class)
		rc.ScanObject(c.Space)
		for _, k := range c.SortedAttrKeys() {
			rc.ScanObject(k)
			rc.ScanValue(c.Attrs[k])
		}
		for _, v := range c.Comps {
			rc.ScanValue(v)
		}
		if c.Payload != nil {
			c.Payload.ScanRefs(rc)
		}
	})
	for _, ref := range rc.ids {
		d.enqueue(ref)
	}
}

func (d *Dumper) isDumpable(id heap.ObjectID) bool {
	_, ok := d.included[id]
	return ok
}

// writeSpaces stages one file per non-empty space and returns the space
// ids in order.
func (d *Dumper) writeSpaces() ([]heap.ObjectID, error) {
	members := make(map[heap.ObjectID][]*heap.Object)
	for _, inc := range d.included {
		members[inc.space] = append(members[inc.space], inc.obj)
	}
	spaces := make([]heap.ObjectID, 0, len(members))
	for sp := range members {
		if !d.isDumpable(sp) {
			return nil, &UnresolvedReferenceError{ID: sp, Context: "owning space"}
		}
		if _, ok := d.included[sp].obj.Payload().(*heap.Space); !ok {
			return nil, formatErrf(SpaceFilePath(d.dir, sp), 0, nil,
				"owning space %s of %d objects has no space payload", sp, len(members[sp]))
		}
		spaces = append(spaces, sp)
	}
	heap.SortIDs(spaces)

	enc := &valueEncoder{dumpable: d.isDumpable}
	for _, sp := range spaces {
		objs := members[sp]
		ids := make([]heap.ObjectID, len(objs))
		byID := make(map[heap.ObjectID]*heap.Object, len(objs))
		for i, o := range objs {
			ids[i] = o.ID()
			byID[o.ID()] = o
		}
		heap.SortIDs(ids)

		records := make([]rawRecord, len(ids))
		for i, id := range ids {
			rec, err := encodeRecord(byID[id], enc)
			if err != nil {
				return nil, err
			}
			body, err := IndentedJSON(rec)
			if err != nil {
				return nil, fmt.Errorf("encode object %s: %w", id, err)
			}
			records[i] = rawRecord{ID: id, Body: body}
		}
		data, err := encodeSpaceFile(sp, d.label(sp), records)
		if err != nil {
			return nil, fmt.Errorf("space %s: %w", sp, err)
		}
		sum, err := Checksum(data)
		if err != nil {
			return nil, fmt.Errorf("space %s: %w", sp, err)
		}
		path := SpaceFilePath(d.dir, sp)
		if err := d.stager.Write(path, data, 0644); err != nil {
			return nil, err
		}
		d.checksums[sp.String()] = sum
		d.files = append(d.files, path)
		d.verbosef("persistore: space %s: %d objects", sp, len(records))
	}
	return spaces, nil
}

func (d *Dumper) crossReferences() *crossReferences {
	x := &crossReferences{}
	for _, id := range d.h.Roots() {
		if d.isDumpable(id) {
			x.roots = append(x.roots, id)
		}
	}
	for _, n := range d.h.Names() {
		if d.isDumpable(n.ID) {
			x.names = append(x.names, n)
		}
	}
	for _, id := range d.constants() {
		if d.isDumpable(id) {
			x.constants = append(x.constants, id)
		}
	}
	return x
}

// label names an object in generated comments: its root name, or the
// name of the class it defines.
func (d *Dumper) label(id heap.ObjectID) string {
	for _, n := range d.h.Names() {
		if n.ID == id {
			return n.Name
		}
	}
	if obj := d.h.Find(id); obj != nil {
		if ci, ok := obj.Payload().(*heap.ClassInfo); ok {
			return "class " + ci.Name()
		}
	}
	return ""
}

// Package fuse exposes a live heap as a read-only filesystem.
package fuse

import (
	"context"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/systemshift/persistore/internal/heap"
)

const (
	objectsDirName = "objects"
	spacesDirName  = "spaces"
	rootsDirName   = "roots"
	namesDirName   = "names"
)

// RootNode is the mountpoint directory. Contains "objects/", "spaces/",
// "roots/" and "names/".
type RootNode struct {
	fs.Inode
	h *heap.Heap
}

var _ = (fs.NodeOnAdder)((*RootNode)(nil))
var _ = (fs.NodeGetattrer)((*RootNode)(nil))

func (r *RootNode) OnAdd(ctx context.Context) {
	dirs := []struct {
		name string
		node fs.InodeEmbedder
	}{
		{objectsDirName, &ObjectsDir{h: r.h}},
		{spacesDirName, &SpacesDir{h: r.h}},
		{rootsDirName, &LinkDir{path: rootsDirName, list: r.rootLinks}},
		{namesDirName, &LinkDir{path: namesDirName, list: r.nameLinks}},
	}
	for _, d := range dirs {
		child := r.NewPersistentInode(ctx, d.node, fs.StableAttr{
			Mode: syscall.S_IFDIR,
			Ino:  stableIno(d.name),
		})
		r.AddChild(d.name, child, true)
	}
}

func (r *RootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("/")
	return fs.OK
}

func (r *RootNode) rootLinks() []link {
	ids := r.h.Roots()
	links := make([]link, len(ids))
	for i, id := range ids {
		links[i] = link{name: id.String(), target: id}
	}
	return links
}

func (r *RootNode) nameLinks() []link {
	var links []link
	for _, n := range r.h.Names() {
		// names that are not valid file names stay hidden
		if n.Name == "." || n.Name == ".." || strings.ContainsRune(n.Name, '/') {
			continue
		}
		links = append(links, link{name: n.Name, target: n.ID})
	}
	return links
}

// ObjectsDir lists every registered object as a file holding its record.
type ObjectsDir struct {
	fs.Inode
	h *heap.Heap
}

var _ = (fs.NodeLookuper)((*ObjectsDir)(nil))
var _ = (fs.NodeReaddirer)((*ObjectsDir)(nil))
var _ = (fs.NodeGetattrer)((*ObjectsDir)(nil))

func (d *ObjectsDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno(objectsDirName)
	return fs.OK
}

func (d *ObjectsDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	objs := d.h.Objects()
	entries := make([]fuse.DirEntry, len(objs))
	for i, obj := range objs {
		entries[i] = fuse.DirEntry{
			Name: obj.ID().String(),
			Mode: syscall.S_IFREG,
			Ino:  objectIno(obj.ID()),
		}
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *ObjectsDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	obj := findObject(d.h, name)
	if obj == nil {
		return nil, syscall.ENOENT
	}
	child := d.NewInode(ctx, &ObjectFile{obj: obj}, fs.StableAttr{
		Mode: syscall.S_IFREG,
		Ino:  objectIno(obj.ID()),
	})
	return child, fs.OK
}

// findObject resolves an id file name.
func findObject(h *heap.Heap, name string) *heap.Object {
	id, err := heap.ParseID(name)
	if err != nil || id.IsNil() {
		return nil
	}
	return h.Find(id)
}

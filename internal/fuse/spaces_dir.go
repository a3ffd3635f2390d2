package fuse

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/systemshift/persistore/internal/heap"
)

// SpacesDir lists the space objects; each is a directory of symlinks to
// its members.
type SpacesDir struct {
	fs.Inode
	h *heap.Heap
}

var _ = (fs.NodeLookuper)((*SpacesDir)(nil))
var _ = (fs.NodeReaddirer)((*SpacesDir)(nil))
var _ = (fs.NodeGetattrer)((*SpacesDir)(nil))

func (d *SpacesDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno(spacesDirName)
	return fs.OK
}

func (d *SpacesDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	spaces := spaceIDs(d.h)
	entries := make([]fuse.DirEntry, len(spaces))
	for i, sp := range spaces {
		entries[i] = fuse.DirEntry{
			Name: sp.String(),
			Mode: syscall.S_IFDIR,
			Ino:  stableIno(spacesDirName + "/" + sp.String()),
		}
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *SpacesDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	sp := findObject(d.h, name)
	if sp == nil {
		return nil, syscall.ENOENT
	}
	if _, ok := sp.Payload().(*heap.Space); !ok {
		return nil, syscall.ENOENT
	}
	path := spacesDirName + "/" + name
	dir := &LinkDir{path: path, list: func() []link { return memberLinks(d.h, sp.ID()) }}
	child := d.NewInode(ctx, dir, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno(path),
	})
	return child, fs.OK
}

// spaceIDs returns the ids of objects carrying a space payload.
func spaceIDs(h *heap.Heap) []heap.ObjectID {
	var ids []heap.ObjectID
	for _, obj := range h.Objects() {
		if _, ok := obj.Payload().(*heap.Space); ok {
			ids = append(ids, obj.ID())
		}
	}
	return ids
}

func memberLinks(h *heap.Heap, space heap.ObjectID) []link {
	var links []link
	for _, obj := range h.Objects() {
		if obj.Space() == space {
			links = append(links, link{name: obj.ID().String(), target: obj.ID()})
		}
	}
	return links
}

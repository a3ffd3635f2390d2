package fuse

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/systemshift/persistore/internal/heap"
)

// link is one symlink entry pointing at objects/<target>.
type link struct {
	name   string
	target heap.ObjectID
}

// LinkDir lists symlinks to object files. path is the directory's path
// below the mountpoint.
type LinkDir struct {
	fs.Inode
	path string
	list func() []link
}

var _ = (fs.NodeLookuper)((*LinkDir)(nil))
var _ = (fs.NodeReaddirer)((*LinkDir)(nil))
var _ = (fs.NodeGetattrer)((*LinkDir)(nil))

func (d *LinkDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno(d.path)
	return fs.OK
}

func (d *LinkDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	links := d.list()
	entries := make([]fuse.DirEntry, len(links))
	for i, l := range links {
		entries[i] = fuse.DirEntry{
			Name: l.name,
			Mode: syscall.S_IFLNK,
			Ino:  linkIno(d.path, l.name),
		}
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *LinkDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	for _, l := range d.list() {
		if l.name != name {
			continue
		}
		sym := &ObjectSymlink{target: relativeTarget(d.path, l.target)}
		child := d.NewInode(ctx, sym, fs.StableAttr{
			Mode: syscall.S_IFLNK,
			Ino:  linkIno(d.path, name),
		})
		return child, fs.OK
	}
	return nil, syscall.ENOENT
}

// relativeTarget returns the path from a file in dir to objects/<id>.
func relativeTarget(dir string, id heap.ObjectID) string {
	up := "../"
	for _, c := range dir {
		if c == '/' {
			up += "../"
		}
	}
	return up + objectsDirName + "/" + id.String()
}

// ObjectSymlink points to an object file.
type ObjectSymlink struct {
	fs.Inode
	target string
}

var _ = (fs.NodeReadlinker)((*ObjectSymlink)(nil))
var _ = (fs.NodeGetattrer)((*ObjectSymlink)(nil))

func (s *ObjectSymlink) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	return []byte(s.target), fs.OK
}

func (s *ObjectSymlink) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0777 | syscall.S_IFLNK
	out.Size = uint64(len(s.target))
	return fs.OK
}

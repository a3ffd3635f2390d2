package fuse

import (
	"context"
	"log"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/systemshift/persistore/internal/heap"
	"github.com/systemshift/persistore/internal/persist"
)

// ObjectFile exposes an object as its store record, read-only.
type ObjectFile struct {
	fs.Inode
	obj *heap.Object
}

var _ = (fs.NodeGetattrer)((*ObjectFile)(nil))
var _ = (fs.NodeOpener)((*ObjectFile)(nil))
var _ = (fs.NodeReader)((*ObjectFile)(nil))

func (f *ObjectFile) recordBytes() ([]byte, error) {
	data, err := persist.RecordJSON(f.obj)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (f *ObjectFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	data, err := f.recordBytes()
	if err != nil {
		log.Printf("persistore: record of %s: %v", f.obj.ID(), err)
		return syscall.EIO
	}
	mtime := f.obj.MTime()
	out.Mode = 0444
	out.Size = uint64(len(data))
	out.Ino = objectIno(f.obj.ID())
	out.SetTimes(nil, &mtime, nil)
	return fs.OK
}

func (f *ObjectFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}
	// objects change under the live heap; no page caching
	return nil, fuse.FOPEN_DIRECT_IO, fs.OK
}

func (f *ObjectFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := f.recordBytes()
	if err != nil {
		return nil, syscall.EIO
	}
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), fs.OK
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return fuse.ReadResultData(data[off:end]), fs.OK
}

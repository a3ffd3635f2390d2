package fuse

import (
	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/systemshift/persistore/internal/heap"
)

// Mount mounts a read-only view of h at mountpoint.
// Returns the server (call server.Wait() to block, server.Unmount() to stop).
func Mount(mountpoint string, h *heap.Heap, debug bool) (*gofuse.Server, error) {
	root := &RootNode{h: h}

	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			FsName:        "persistore",
			Name:          "persistore",
			DisableXAttrs: true,
			Debug:         debug,
			Options:       []string{"ro"},
		},
	}

	server, err := fs.Mount(mountpoint, root, opts)
	if err != nil {
		return nil, err
	}
	return server, nil
}

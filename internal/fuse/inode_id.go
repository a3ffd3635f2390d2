package fuse

import (
	"hash/fnv"

	"github.com/systemshift/persistore/internal/heap"
)

// stableIno returns a stable inode number for a given path string.
func stableIno(path string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(path))
	return h.Sum64()
}

func objectIno(id heap.ObjectID) uint64 {
	return stableIno(objectsDirName + "/" + id.String())
}

func linkIno(dir, name string) uint64 {
	return stableIno(dir + "/" + name)
}

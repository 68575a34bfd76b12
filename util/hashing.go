package util

import (
	"hash/fnv"
)

// HashId maps an updater name onto a stable 64 bit value used to pick the
// worker that owns it.
func HashId(name string) uint64 {
	algorithm := fnv.New64a()
	algorithm.Write([]byte(name))
	return algorithm.Sum64()
}

//go:build !linux

package memoryAlloc

import "github.com/cockroachdb/errors"

// MemfdBacking is only available on Linux.
type MemfdBacking struct {
	MemoryBacking
}

func NewMemfdBacking(name string, size, granule uintptr) (*MemfdBacking, error) {
	return nil, errors.New("memfd backing is only supported on linux")
}

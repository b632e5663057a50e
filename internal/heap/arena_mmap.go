//go:build linux || darwin || freebsd

package heap

import (
	"golang.org/x/sys/unix"
)

// reserveArena maps anonymous zeroed memory for the heap. The arena holds no
// Go pointers, so it lives outside the Go heap.
func reserveArena(words uint64) ([]uint64, func() error, error) {
	b, err := unix.Mmap(-1, 0, int(words*WordSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	return wordsFromBytes(b), func() error { return unix.Munmap(b) }, nil
}

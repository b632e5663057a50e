package concurrency

import "sync/atomic"

// CASUint64 performs an atomic compare-and-swap on a uint64 variable.
func CASUint64(addr *uint64, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(addr, old, new)
}

// FetchAddUint64 adds delta and returns the previous value.
func FetchAddUint64(addr *uint64, delta uint64) uint64 {
	return atomic.AddUint64(addr, delta) - delta
}

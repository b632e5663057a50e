//go:build !(linux || darwin || freebsd)

package heap

// reserveArena falls back to Go memory where anonymous mappings are unavailable.
func reserveArena(words uint64) ([]uint64, func() error, error) {
	return make([]uint64, words), func() error { return nil }, nil
}

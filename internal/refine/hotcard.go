package refine

import (
	"sync/atomic"
)

const hotCardEmpty = 0

// HotCardCache delays refinement of cards that are dirtied repeatedly.
// A per-card counter decides when a card is hot; hot cards go into a small
// ring and are only refined when evicted or drained at pause start.
type HotCardCache struct {
	counts []atomic.Uint32
	limit  uint32
	cache  []atomic.Uint64 // card+1, 0 when empty
	mask   uint64
	next   atomic.Uint64

	inserted atomic.Uint64
	evicted  atomic.Uint64
}

// NewHotCardCache creates a cache for numCards cards with capacity slots
// (rounded up to a power of two). A capacity of zero disables the cache.
func NewHotCardCache(numCards uint64, capacity int, limit uint32) *HotCardCache {
	hcc := &HotCardCache{limit: limit}
	if capacity <= 0 {
		return hcc
	}
	n := 1
	for n < capacity {
		n <<= 1
	}
	hcc.counts = make([]atomic.Uint32, numCards)
	hcc.cache = make([]atomic.Uint64, n)
	hcc.mask = uint64(n - 1)
	return hcc
}

// Enabled reports whether the cache holds cards at all.
func (hcc *HotCardCache) Enabled() bool { return len(hcc.cache) > 0 }

// Insert offers card to the cache. It returns the card the caller should
// refine now and true, or false when the cache absorbed the card. A cold
// card or a disabled cache returns card itself; a hot card may displace
// another card which is returned instead.
func (hcc *HotCardCache) Insert(card uint64) (uint64, bool) {
	if !hcc.Enabled() {
		return card, true
	}
	if !hcc.isHot(card) {
		return card, true
	}
	hcc.inserted.Add(1)
	slot := &hcc.cache[(hcc.next.Add(1)-1)&hcc.mask]
	prev := slot.Swap(card + 1)
	if prev == hotCardEmpty {
		return 0, false
	}
	hcc.evicted.Add(1)
	return prev - 1, true
}

func (hcc *HotCardCache) isHot(card uint64) bool {
	c := &hcc.counts[card]
	for {
		n := c.Load()
		if n >= hcc.limit {
			return true
		}
		if c.CompareAndSwap(n, n+1) {
			return n+1 >= hcc.limit
		}
	}
}

// Drain removes every cached card, calling fn for each. Single caller.
func (hcc *HotCardCache) Drain(fn func(card uint64)) {
	for i := range hcc.cache {
		if v := hcc.cache[i].Swap(hotCardEmpty); v != hotCardEmpty {
			fn(v - 1)
		}
	}
	hcc.next.Store(0)
}

// Len counts the cached cards.
func (hcc *HotCardCache) Len() int {
	n := 0
	for i := range hcc.cache {
		if hcc.cache[i].Load() != hotCardEmpty {
			n++
		}
	}
	return n
}

// ResetCounts forgets how often cards were dirtied; called after a pause.
func (hcc *HotCardCache) ResetCounts() {
	for i := range hcc.counts {
		hcc.counts[i].Store(0)
	}
}

// ResetCountsFor forgets the counts of the cards [from, to), used when a
// region is freed.
func (hcc *HotCardCache) ResetCountsFor(from, to uint64) {
	if !hcc.Enabled() {
		return
	}
	for c := from; c < to && c < uint64(len(hcc.counts)); c++ {
		hcc.counts[c].Store(0)
	}
}

// Stats returns insertion and eviction counts.
func (hcc *HotCardCache) Stats() (inserted, evicted uint64) {
	return hcc.inserted.Load(), hcc.evicted.Load()
}

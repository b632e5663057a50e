package cardtable

import (
	"math/bits"
	"sync/atomic"

	gcerrors "github.com/orizon-lang/gcpause/internal/errors"
	"github.com/orizon-lang/gcpause/internal/heap"
)

const (
	minChunksPerRegion = 8
	maxChunksPerRegion = 32
)

// ChunksPerRegion derives the claim granularity from the region card count
// so that every region splits into 8 to 32 chunks.
func ChunksPerRegion(cardsPerRegion uint64) uint64 {
	n := uint64(1) << (uint(bits.Len64(cardsPerRegion)-1) / 2)
	if n < minChunksPerRegion {
		n = minChunksPerRegion
	}
	if n > maxChunksPerRegion {
		n = maxChunksPerRegion
	}
	if n > cardsPerRegion {
		n = cardsPerRegion
	}
	return n
}

// DirtyRegionSet is an append-only set of region indices with O(1)
// membership. Concurrent adds are safe; readers must wait for writers.
type DirtyRegionSet struct {
	present []atomic.Bool
	list    []atomic.Uint32
	size    atomic.Uint32
}

// NewDirtyRegionSet creates a set able to hold every region index below maxRegions.
func NewDirtyRegionSet(maxRegions uint32) *DirtyRegionSet {
	return &DirtyRegionSet{
		present: make([]atomic.Bool, maxRegions),
		list:    make([]atomic.Uint32, maxRegions),
	}
}

// Add inserts region; reports whether it was new.
func (s *DirtyRegionSet) Add(region uint32) bool {
	gcerrors.CheckIndex("region", uint64(region), uint64(len(s.present)))
	if s.present[region].Load() || !s.present[region].CompareAndSwap(false, true) {
		return false
	}
	idx := s.size.Add(1) - 1
	s.list[idx].Store(region)
	return true
}

// Contains reports membership.
func (s *DirtyRegionSet) Contains(region uint32) bool {
	gcerrors.CheckIndex("region", uint64(region), uint64(len(s.present)))
	return s.present[region].Load()
}

// Len returns the number of regions.
func (s *DirtyRegionSet) Len() int { return int(s.size.Load()) }

// At returns the i-th inserted region.
func (s *DirtyRegionSet) At(i int) uint32 { return s.list[i].Load() }

// Regions returns a copy of the members.
func (s *DirtyRegionSet) Regions() []uint32 {
	n := s.Len()
	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		out[i] = s.list[i].Load()
	}
	return out
}

// Merge adds every member of other.
func (s *DirtyRegionSet) Merge(other *DirtyRegionSet) {
	for i := 0; i < other.Len(); i++ {
		s.Add(other.At(i))
	}
}

// Reset empties the set. Only the slots that were set are touched.
func (s *DirtyRegionSet) Reset() {
	n := s.Len()
	for i := 0; i < n; i++ {
		s.present[s.list[i].Load()].Store(false)
	}
	s.size.Store(0)
}

// ScanState is the per-pause card scanning state for every reserved
// region slot: claim counters, frozen scan tops, chunk dirty bits, the
// once-per-pause code root claims and the two dirty region sets.
// It is allocated once and reset at every pause.
type ScanState struct {
	heap             *heap.Heap
	cards            *CardTable
	maxRegions       uint32
	cardsPerRegion   uint64
	chunksPerRegion  uint64
	logCardsPerChunk uint

	claims         []atomic.Uint64
	scanTops       []atomic.Uint64
	chunkDirty     []atomic.Uint64
	codeRootClaims []atomic.Bool

	next *DirtyRegionSet // regions to scan in the current increment
	all  *DirtyRegionSet // regions with cards to clear at pause end
}

// NewScanState sizes the state for every region h may ever commit.
func NewScanState(h *heap.Heap, cards *CardTable) *ScanState {
	maxRegions := h.MaxRegions()
	perRegion := h.CardsPerRegion()
	chunks := ChunksPerRegion(perRegion)
	totalChunks := uint64(maxRegions) * chunks
	return &ScanState{
		heap:             h,
		cards:            cards,
		maxRegions:       maxRegions,
		cardsPerRegion:   perRegion,
		chunksPerRegion:  chunks,
		logCardsPerChunk: uint(bits.TrailingZeros64(perRegion) - bits.TrailingZeros64(chunks)),
		claims:           make([]atomic.Uint64, maxRegions),
		scanTops:         make([]atomic.Uint64, maxRegions),
		chunkDirty:       make([]atomic.Uint64, (totalChunks+63)/64),
		codeRootClaims:   make([]atomic.Bool, maxRegions),
		next:             NewDirtyRegionSet(maxRegions),
		all:              NewDirtyRegionSet(maxRegions),
	}
}

// Cards returns the card table.
func (s *ScanState) Cards() *CardTable { return s.cards }

// CardsPerRegion returns the card count of a region.
func (s *ScanState) CardsPerRegion() uint64 { return s.cardsPerRegion }

// ChunksPerRegion returns the chunk count of a region.
func (s *ScanState) ChunksPerRegion() uint64 { return s.chunksPerRegion }

// CardsPerChunk returns the claim unit in cards.
func (s *ScanState) CardsPerChunk() uint64 { return 1 << s.logCardsPerChunk }

func (s *ScanState) checkRegion(region uint32) {
	gcerrors.CheckIndex("region", uint64(region), uint64(s.maxRegions))
}

// Reset clears claims, scan tops, chunk bits, code root claims and both
// dirty region sets for every reserved slot.
func (s *ScanState) Reset() {
	for i := range s.claims {
		s.claims[i].Store(0)
		s.scanTops[i].Store(uint64(heap.Null))
		s.codeRootClaims[i].Store(false)
	}
	for i := range s.chunkDirty {
		s.chunkDirty[i].Store(0)
	}
	s.next.Reset()
	s.all.Reset()
}

// BeginIncrement prepares for merging another increment of the same pause:
// the current dirty set moves into the union and claims restart.
func (s *ScanState) BeginIncrement() {
	s.all.Merge(s.next)
	s.next.Reset()
	for i := range s.claims {
		s.claims[i].Store(0)
	}
	for i := range s.chunkDirty {
		s.chunkDirty[i].Store(0)
	}
}

// FinishIncrement folds the current dirty set into the union.
func (s *ScanState) FinishIncrement() { s.all.Merge(s.next) }

// FreezeScanTop snapshots the region top. Only old and humongous regions
// outside the collection set are scanned, so others get a null top.
func (s *ScanState) FreezeScanTop(region uint32) {
	s.checkRegion(region)
	r := s.heap.RegionAt(region)
	top := heap.Null
	if r.IsOldOrHumongous() && !r.InCollectionSet() {
		top = r.Top()
	}
	s.scanTops[region].Store(uint64(top))
}

// ScanTop returns the frozen top of region.
func (s *ScanState) ScanTop(region uint32) heap.Addr {
	s.checkRegion(region)
	return heap.Addr(s.scanTops[region].Load())
}

// ContainsCardsToProcess reports whether region had a frozen top past its
// bottom, i.e. it is old or humongous, outside the collection set and not empty.
func (s *ScanState) ContainsCardsToProcess(region uint32) bool {
	top := s.ScanTop(region)
	return top != heap.Null && top > s.heap.RegionAt(region).Bottom()
}

// ClaimChunk advances the claim counter of region by size cards and returns
// the previous value. Callers stop once the result reaches CardsPerRegion.
func (s *ScanState) ClaimChunk(region uint32, size uint64) uint64 {
	s.checkRegion(region)
	c := &s.claims[region]
	if c.Load() >= s.cardsPerRegion {
		return s.cardsPerRegion
	}
	return c.Add(size) - size
}

// MarkChunkDirty sets the dirty bit of the chunk holding card.
func (s *ScanState) MarkChunkDirty(card uint64) {
	chunk := card >> s.logCardsPerChunk
	gcerrors.CheckIndex("chunk", chunk, uint64(s.maxRegions)*s.chunksPerRegion)
	w := &s.chunkDirty[chunk/64]
	bit := uint64(1) << (chunk % 64)
	if w.Load()&bit == 0 {
		w.Or(bit)
	}
}

// ChunkDirty reports whether the chunk holding card has a dirty bit.
func (s *ScanState) ChunkDirty(card uint64) bool {
	chunk := card >> s.logCardsPerChunk
	gcerrors.CheckIndex("chunk", chunk, uint64(s.maxRegions)*s.chunksPerRegion)
	return s.chunkDirty[chunk/64].Load()&(uint64(1)<<(chunk%64)) != 0
}

// ClaimCodeRoots returns true for the first caller per region per pause.
func (s *ScanState) ClaimCodeRoots(region uint32) bool {
	s.checkRegion(region)
	return !s.codeRootClaims[region].Load() && s.codeRootClaims[region].CompareAndSwap(false, true)
}

// AddDirtyRegion records region for scanning in this increment.
func (s *ScanState) AddDirtyRegion(region uint32) bool { return s.next.Add(region) }

// AddAllDirtyRegion records region for card clearing at pause end only.
func (s *ScanState) AddAllDirtyRegion(region uint32) bool { return s.all.Add(region) }

// ContainsCardsToClear reports whether region already has its cards
// scheduled for clearing at pause end.
func (s *ScanState) ContainsCardsToClear(region uint32) bool { return s.all.Contains(region) }

// DirtyRegions returns the set of regions to scan in this increment.
func (s *ScanState) DirtyRegions() *DirtyRegionSet { return s.next }

// AllDirtyRegions returns the union over all increments.
func (s *ScanState) AllDirtyRegions() *DirtyRegionSet { return s.all }

// ClearAllDirty cleans the cards of every region in the union. Called once
// at pause end; start and stride let workers split the list.
func (s *ScanState) ClearAllDirty(start, stride int) {
	if stride <= 0 {
		stride = 1
	}
	for i := start; i < s.all.Len(); i += stride {
		s.cards.ClearRegion(s.all.At(i))
	}
}

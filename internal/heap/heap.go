// Package heap provides the region-partitioned word heap the pause engine
// operates on: a flat arena of 64-bit words split into fixed-size regions,
// the object model laid over it, the block offset table, per-region
// remembered sets and the allocator used by mutators and by evacuation.
//
// Addresses are word addresses. The arena starts at a non-zero base so the
// zero Addr can serve as null. Every word is accessed atomically; the heap
// is shared by all pause workers and by concurrent refinement.
package heap

import (
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"

	gcerrors "github.com/orizon-lang/gcpause/internal/errors"
)

// Addr is a heap word address. The zero value is null.
type Addr uint64

// Null is the null reference.
const Null Addr = 0

const (
	// WordSize is the size of a heap word in bytes.
	WordSize = 8

	// LogCardWords is log2 of the words covered by one card (512 bytes).
	LogCardWords = 6
	CardWords    = 1 << LogCardWords

	// MinRegionWords keeps at least eight cards per region.
	MinRegionWords = 8 * CardWords
	// MaxRegionWords caps a region at 32MB.
	MaxRegionWords = 1 << 22
)

// Config describes heap geometry.
type Config struct {
	// RegionWords is the region size in words; a power of two.
	RegionWords uint64
	// MaxRegions is the reserved region count.
	MaxRegions uint32
	// MaxSurvivorRegions bounds survivor regions allocated during a pause; 0 means unbounded.
	MaxSurvivorRegions uint32
	// NumaNodes is the number of allocation nodes; 0 means 1.
	NumaNodes int
}

// DefaultConfig returns a small heap suitable for simulations.
func DefaultConfig() Config {
	return Config{RegionWords: 1 << 13, MaxRegions: 64, NumaNodes: 1}
}

// Validate checks geometry constraints.
func (c Config) Validate() error {
	if c.RegionWords < MinRegionWords || c.RegionWords > MaxRegionWords {
		return gcerrors.InvalidConfig("region_words", c.RegionWords,
			fmt.Sprintf("must be within [%d, %d]", MinRegionWords, MaxRegionWords))
	}
	if c.RegionWords&(c.RegionWords-1) != 0 {
		return gcerrors.InvalidConfig("region_words", c.RegionWords, "must be a power of two")
	}
	if c.MaxRegions < 2 {
		return gcerrors.InvalidConfig("max_regions", c.MaxRegions, "must be at least 2")
	}
	if c.NumaNodes > int(c.MaxRegions) {
		return gcerrors.InvalidConfig("numa_nodes", c.NumaNodes, "must not exceed max_regions")
	}
	return nil
}

// Heap is the word arena plus region metadata.
type Heap struct {
	words          []uint64
	release        func() error
	base           Addr
	end            Addr
	regionWords    uint64
	logRegionWords uint
	regions        []*Region
	classes        *ClassTable
	bot            *BlockOffsetTable
	allocator      *Allocator
	config         Config
	committed      atomic.Int64
}

// New reserves the arena and creates all region descriptors in the Free state.
func New(cfg Config) (*Heap, error) {
	if cfg.NumaNodes <= 0 {
		cfg.NumaNodes = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	total := cfg.RegionWords * uint64(cfg.MaxRegions)
	words, release, err := reserveArena(total)
	if err != nil {
		return nil, fmt.Errorf("reserve heap arena of %d words: %w", total, err)
	}

	h := &Heap{
		words:          words,
		release:        release,
		base:           Addr(cfg.RegionWords),
		regionWords:    cfg.RegionWords,
		logRegionWords: uint(bits.TrailingZeros64(cfg.RegionWords)),
		classes:        NewClassTable(),
		config:         cfg,
	}
	h.end = h.base + Addr(total)
	h.regions = make([]*Region, cfg.MaxRegions)
	for i := range h.regions {
		bottom := h.base + Addr(uint64(i)*cfg.RegionWords)
		node := int(uint64(i) * uint64(cfg.NumaNodes) / uint64(cfg.MaxRegions))
		h.regions[i] = newRegion(h, uint32(i), node, bottom, bottom+Addr(cfg.RegionWords))
	}
	h.bot = newBlockOffsetTable(h)
	h.allocator = newAllocator(h)

	return h, nil
}

// Close releases the arena. The heap must not be used afterwards.
func (h *Heap) Close() error {
	if h.release == nil {
		return nil
	}
	err := h.release()
	h.release = nil
	h.words = nil
	return err
}

// Config returns the geometry the heap was created with.
func (h *Heap) Config() Config { return h.config }

// Classes returns the class table.
func (h *Heap) Classes() *ClassTable { return h.classes }

// BOT returns the block offset table.
func (h *Heap) BOT() *BlockOffsetTable { return h.bot }

// Allocator returns the heap allocator.
func (h *Heap) Allocator() *Allocator { return h.allocator }

// Base returns the lowest heap address.
func (h *Heap) Base() Addr { return h.base }

// End returns one past the highest heap address.
func (h *Heap) End() Addr { return h.end }

// RegionWords returns the region size in words.
func (h *Heap) RegionWords() uint64 { return h.regionWords }

// CardsPerRegion returns the number of cards covering one region.
func (h *Heap) CardsPerRegion() uint64 { return h.regionWords >> LogCardWords }

// NumCards returns the number of cards covering the whole reserved heap.
func (h *Heap) NumCards() uint64 { return uint64(h.end-h.base) >> LogCardWords }

// MaxRegions returns the reserved region count.
func (h *Heap) MaxRegions() uint32 { return uint32(len(h.regions)) }

// IsIn reports whether a lies inside the reserved heap.
func (h *Heap) IsIn(a Addr) bool { return a >= h.base && a < h.end }

// RegionAt returns the region with the given index.
func (h *Heap) RegionAt(index uint32) *Region {
	if uint64(index) >= uint64(len(h.regions)) {
		gcerrors.CheckIndex("region", uint64(index), uint64(len(h.regions)))
	}
	return h.regions[index]
}

// RegionIndexOf returns the index of the region containing a.
func (h *Heap) RegionIndexOf(a Addr) uint32 {
	if !h.IsIn(a) {
		gcerrors.Fatal("ADDR_NOT_IN_HEAP", "address %#x outside heap [%#x, %#x)", uint64(a), uint64(h.base), uint64(h.end))
	}
	return uint32(uint64(a-h.base) >> h.logRegionWords)
}

// RegionContaining returns the region containing a.
func (h *Heap) RegionContaining(a Addr) *Region {
	return h.regions[h.RegionIndexOf(a)]
}

// CardIndexOf returns the global card index of a.
func (h *Heap) CardIndexOf(a Addr) uint64 {
	return uint64(a-h.base) >> LogCardWords
}

// CardStart returns the first address covered by card.
func (h *Heap) CardStart(card uint64) Addr {
	return h.base + Addr(card<<LogCardWords)
}

// RegionIndexOfCard returns the region owning card.
func (h *Heap) RegionIndexOfCard(card uint64) uint32 {
	return uint32(card >> (h.logRegionWords - LogCardWords))
}

// Regions calls fn for every region in index order until fn returns false.
func (h *Heap) Regions(fn func(r *Region) bool) {
	for _, r := range h.regions {
		if !fn(r) {
			return
		}
	}
}

// CommittedRegions returns the number of non-free regions.
func (h *Heap) CommittedRegions() int { return int(h.committed.Load()) }

func (h *Heap) index(a Addr) uint64 {
	return uint64(a - h.base)
}

// Word returns a pointer to the word at a for use with sync/atomic.
func (h *Heap) Word(a Addr) *uint64 {
	return &h.words[h.index(a)]
}

// Load atomically reads the word at a.
func (h *Heap) Load(a Addr) uint64 {
	return atomic.LoadUint64(&h.words[h.index(a)])
}

// Store atomically writes the word at a.
func (h *Heap) Store(a Addr, v uint64) {
	atomic.StoreUint64(&h.words[h.index(a)], v)
}

// LoadRef reads a reference slot.
func (h *Heap) LoadRef(slot Addr) Addr { return Addr(h.Load(slot)) }

// StoreRef writes a reference slot without any barrier.
func (h *Heap) StoreRef(slot Addr, v Addr) { h.Store(slot, uint64(v)) }

// CopyWords copies n words from src to dst. The destination must be
// private to the caller; the source may be read concurrently.
func (h *Heap) CopyWords(dst, src Addr, n uint64) {
	d := h.words[h.index(dst) : h.index(dst)+n]
	s := h.words[h.index(src) : h.index(src)+n]
	for i := range d {
		atomic.StoreUint64(&d[i], atomic.LoadUint64(&s[i]))
	}
}

// ClearWords zeroes n words starting at a.
func (h *Heap) ClearWords(a Addr, n uint64) {
	w := h.words[h.index(a) : h.index(a)+n]
	for i := range w {
		atomic.StoreUint64(&w[i], 0)
	}
}

// wordsFromBytes views an mmapped byte slice as words.
func wordsFromBytes(b []byte) []uint64 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), len(b)/WordSize)
}

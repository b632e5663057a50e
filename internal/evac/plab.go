package evac

import (
	"github.com/orizon-lang/gcpause/internal/heap"
)

// PLAB is a worker-private bump-pointer buffer carved out of a GC
// allocation region.
type PLAB struct {
	start heap.Addr
	top   heap.Addr
	end   heap.Addr
}

// Allocate bumps the buffer by words; Null when it does not fit.
func (p *PLAB) Allocate(words uint64) heap.Addr {
	if p.top == heap.Null || uint64(p.end-p.top) < words {
		return heap.Null
	}
	obj := p.top
	p.top += heap.Addr(words)
	return obj
}

// Contains reports whether a lies in the buffer.
func (p *PLAB) Contains(a heap.Addr) bool { return a >= p.start && a < p.end }

// UndoLast rewinds the buffer if obj is its most recent allocation.
func (p *PLAB) UndoLast(obj heap.Addr, words uint64) bool {
	if obj+heap.Addr(words) != p.top {
		return false
	}
	p.top = obj
	return true
}

// Remaining returns the free words.
func (p *PLAB) Remaining() uint64 { return uint64(p.end - p.top) }

// Words returns the buffer size.
func (p *PLAB) Words() uint64 { return uint64(p.end - p.start) }

func (p *PLAB) set(start heap.Addr, words uint64) {
	p.start, p.top, p.end = start, start, start+heap.Addr(words)
}

// retire fills the unused tail so the region stays parsable and returns the
// number of wasted words.
func (p *PLAB) retire(h *heap.Heap, bot bool) uint64 {
	if p.top == heap.Null {
		return 0
	}
	wasted := uint64(p.end - p.top)
	h.FillWithDummy(p.top, p.end, bot)
	*p = PLAB{}
	return wasted
}

// PLABStats counts promotion buffer activity per generation.
type PLABStats struct {
	Allocated       uint64 // Words handed out as buffers
	Wasted          uint64 // Words filled at buffer retirement
	Undone          uint64 // Words returned by rewinding the last allocation
	UndoWasted      uint64 // Words of undone allocations that could not be rewound
	DirectAllocated uint64 // Words allocated outside buffers
	Refills         uint64 // Buffers obtained
	RefillFailures  uint64 // Buffer requests the allocator refused
	Failures        uint64 // Allocations that found no space at all
}

// Used returns the words that hold surviving objects. Rewound words are
// either reused or end up in Wasted when the buffer retires.
func (s PLABStats) Used() uint64 {
	return s.Allocated + s.DirectAllocated - s.Wasted - s.UndoWasted
}

func (s *PLABStats) add(o PLABStats) {
	s.Allocated += o.Allocated
	s.Wasted += o.Wasted
	s.Undone += o.Undone
	s.UndoWasted += o.UndoWasted
	s.DirectAllocated += o.DirectAllocated
	s.Refills += o.Refills
	s.RefillFailures += o.RefillFailures
	s.Failures += o.Failures
}

// PLABConfig sizes promotion buffers.
type PLABConfig struct {
	YoungWords uint64
	OldWords   uint64
	// RefillWastePercent: an object smaller than this share of a buffer may
	// cause the current buffer to be retired; larger ones go direct.
	RefillWastePercent uint64
}

// DefaultPLABConfig returns buffer sizes for small simulated heaps.
func DefaultPLABConfig() PLABConfig {
	return PLABConfig{YoungWords: 256, OldWords: 256, RefillWastePercent: 10}
}

// PLABAllocator owns one buffer per generation per node for a worker.
type PLABAllocator struct {
	heap      *heap.Heap
	allocator *heap.Allocator
	config    PLABConfig
	plabs     [heap.NumGenerations][]PLAB
	stats     [heap.NumGenerations]PLABStats
}

// NewPLABAllocator creates empty buffers for every generation and node.
func NewPLABAllocator(h *heap.Heap, cfg PLABConfig) *PLABAllocator {
	nodes := h.Config().NumaNodes
	if nodes <= 0 {
		nodes = 1
	}
	pa := &PLABAllocator{heap: h, allocator: h.Allocator(), config: cfg}
	for g := range pa.plabs {
		pa.plabs[g] = make([]PLAB, nodes)
	}
	return pa
}

func (pa *PLABAllocator) plab(gen heap.Generation, node int) *PLAB {
	if node < 0 || node >= len(pa.plabs[gen]) {
		node = 0
	}
	return &pa.plabs[gen][node]
}

func (pa *PLABAllocator) desired(gen heap.Generation) uint64 {
	if gen == heap.GenYoung {
		return pa.config.YoungWords
	}
	return pa.config.OldWords
}

// Allocate tries the current buffer, then a refill or a direct allocation.
func (pa *PLABAllocator) Allocate(gen heap.Generation, words uint64, node int) heap.Addr {
	if obj := pa.plab(gen, node).Allocate(words); obj != heap.Null {
		return obj
	}
	return pa.AllocateDirectOrNewPLAB(gen, words, node)
}

// PLABAllocate is the bump-pointer fast path only.
func (pa *PLABAllocator) PLABAllocate(gen heap.Generation, words uint64, node int) heap.Addr {
	return pa.plab(gen, node).Allocate(words)
}

// AllocateDirectOrNewPLAB retires the buffer and takes a new one when the
// object is small compared to the buffer, otherwise allocates the object
// directly. A failed refill also falls back to direct allocation.
func (pa *PLABAllocator) AllocateDirectOrNewPLAB(gen heap.Generation, words uint64, node int) heap.Addr {
	size := pa.desired(gen)
	st := &pa.stats[gen]
	if words <= size && words*100 < size*pa.config.RefillWastePercent {
		p := pa.plab(gen, node)
		st.Wasted += p.retire(pa.heap, gen == heap.GenOld)
		if buf, n, ok := pa.allocator.TryAllocate(gen, words, size, node); ok {
			p.set(buf, n)
			st.Allocated += n
			st.Refills++
			return p.Allocate(words)
		}
		st.RefillFailures++
	}
	if obj, _, ok := pa.allocator.TryAllocate(gen, words, words, node); ok {
		st.DirectAllocated += words
		return obj
	}
	st.Failures++
	return heap.Null
}

// UndoAllocation gives back an allocation whose copy lost the forwarding
// race. The last allocation of a buffer is rewound; anything else becomes a
// filler and counts as undo waste.
func (pa *PLABAllocator) UndoAllocation(gen heap.Generation, obj heap.Addr, words uint64, node int) {
	st := &pa.stats[gen]
	p := pa.plab(gen, node)
	if p.Contains(obj) && p.UndoLast(obj, words) {
		st.Undone += words
		return
	}
	pa.heap.FillWithDummy(obj, obj+heap.Addr(words), gen == heap.GenOld)
	st.UndoWasted += words
}

// Flush retires every buffer and returns the statistics. The allocator
// must not be used afterwards.
func (pa *PLABAllocator) Flush() [heap.NumGenerations]PLABStats {
	for g := range pa.plabs {
		for n := range pa.plabs[g] {
			pa.stats[g].Wasted += pa.plabs[g][n].retire(pa.heap, heap.Generation(g) == heap.GenOld)
		}
	}
	return pa.stats
}

// Stats returns the current statistics.
func (pa *PLABAllocator) Stats(gen heap.Generation) PLABStats { return pa.stats[gen] }

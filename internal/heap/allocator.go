package heap

import (
	"fmt"
	"sync"
	"sync/atomic"

	gcerrors "github.com/orizon-lang/gcpause/internal/errors"
)

// Generation is the destination of an evacuation allocation.
type Generation uint8

const (
	GenYoung Generation = iota // survivor space
	GenOld
	NumGenerations
)

func (g Generation) String() string {
	if g == GenYoung {
		return "young"
	}
	return "old"
}

// AllocatorStats counts region transitions.
type AllocatorStats struct {
	EdenRegions      uint64 // Regions handed to mutators
	SurvivorRegions  uint64 // Survivor regions taken during pauses
	OldRegions       uint64 // Old regions taken during pauses or by mutators
	HumongousObjects uint64 // Humongous allocations
	FreedRegions     uint64 // Regions returned to the free state
	FailedRequests   uint64 // GC allocation requests that found no region
}

// Allocator hands regions to mutators and to evacuation. Mutator paths
// serialize region changes on a mutex and bump with CAS; GC paths keep one
// allocation region per generation per node.
type Allocator struct {
	heap  *Heap
	mutex sync.Mutex

	eden    atomic.Pointer[Region]
	oldMut  atomic.Pointer[Region]
	gcAlloc [NumGenerations][]atomic.Pointer[Region]

	survivorsThisPause atomic.Uint32
	nodeOrder          func(node int) []int

	edenRegions      atomic.Uint64
	survivorRegions  atomic.Uint64
	oldRegions       atomic.Uint64
	humongousObjects atomic.Uint64
	freedRegions     atomic.Uint64
	failedRequests   atomic.Uint64
}

func newAllocator(h *Heap) *Allocator {
	a := &Allocator{heap: h, nodeOrder: adjacentNodes(h.config.NumaNodes)}
	for g := range a.gcAlloc {
		a.gcAlloc[g] = make([]atomic.Pointer[Region], h.config.NumaNodes)
	}
	return a
}

// HumongousThreshold is the object size from which allocation takes whole regions.
func (a *Allocator) HumongousThreshold() uint64 { return a.heap.regionWords / 2 }

// adjacentNodes orders nodes by index distance from node, node first.
func adjacentNodes(nodes int) func(int) []int {
	return func(node int) []int {
		out := []int{node}
		for d := 1; d < nodes; d++ {
			if node-d >= 0 {
				out = append(out, node-d)
			}
			if node+d < nodes {
				out = append(out, node+d)
			}
		}
		return out
	}
}

// SetNodeOrder replaces the fallback order used when a node has no free
// region. order(node) must list node first.
func (a *Allocator) SetNodeOrder(order func(node int) []int) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.nodeOrder = order
}

// takeRegionLocked commits the lowest free region of node as typ, falling
// back to the other nodes in nodeOrder.
func (a *Allocator) takeRegionLocked(typ RegionType, node int) *Region {
	for _, n := range a.nodeOrder(node) {
		for _, r := range a.heap.regions {
			if r.node == n && r.IsFree() {
				a.commitLocked(r, typ)
				return r
			}
		}
	}
	return nil
}

func (a *Allocator) commitLocked(r *Region, typ RegionType) {
	r.SetType(typ)
	r.remSet.SetState(RemSetComplete)
	a.heap.committed.Add(1)
	switch typ {
	case RegionEden:
		a.edenRegions.Add(1)
	case RegionSurvivor:
		a.survivorRegions.Add(1)
	case RegionOld:
		a.oldRegions.Add(1)
	}
}

// retire grabs whatever is left in r and covers it with a filler.
func (a *Allocator) retire(r *Region) {
	if r == nil {
		return
	}
	start, n, ok := r.ParAllocate(MinObjectWords, a.heap.regionWords)
	if !ok {
		return
	}
	a.heap.FillWithDummy(start, start+Addr(n), r.IsOldOrHumongous())
}

// AllocateEden allocates words in the current eden region.
func (a *Allocator) AllocateEden(words uint64) (Addr, error) {
	return a.allocateMutator(&a.eden, RegionEden, words)
}

// AllocateOld allocates words directly in an old region and records the
// block in the offset table. Used to build old data for simulations.
func (a *Allocator) AllocateOld(words uint64) (Addr, error) {
	obj, err := a.allocateMutator(&a.oldMut, RegionOld, words)
	if err != nil {
		return Null, err
	}
	a.heap.bot.Record(obj, obj+Addr(words))
	return obj, nil
}

func (a *Allocator) allocateMutator(cur *atomic.Pointer[Region], typ RegionType, words uint64) (Addr, error) {
	if words > a.heap.regionWords {
		return Null, gcerrors.InvalidSize(words, "mutator allocation larger than a region")
	}
	for {
		if r := cur.Load(); r != nil {
			if obj, ok := r.Allocate(words); ok {
				return obj, nil
			}
		}
		a.mutex.Lock()
		r := cur.Load()
		if r != nil && r.FreeWords() >= words {
			a.mutex.Unlock()
			continue
		}
		a.retire(r)
		next := a.takeRegionLocked(typ, 0)
		cur.Store(next)
		a.mutex.Unlock()
		if next == nil {
			return Null, gcerrors.OutOfMemory(fmt.Sprintf("no free region for %d-word %s allocation", words, typ))
		}
	}
}

// AllocateHumongous commits enough contiguous regions for words and returns
// the start of the object area.
func (a *Allocator) AllocateHumongous(words uint64) (Addr, error) {
	h := a.heap
	n := (words + h.regionWords - 1) / h.regionWords

	a.mutex.Lock()
	defer a.mutex.Unlock()

	run := uint64(0)
	for i, r := range h.regions {
		if !r.IsFree() {
			run = 0
			continue
		}
		run++
		if run < n {
			continue
		}
		first := uint64(i) + 1 - n
		start := h.regions[first]
		for j := first; j <= uint64(i); j++ {
			rr := h.regions[j]
			typ := RegionHumongousCont
			if j == first {
				typ = RegionHumongousStart
			}
			a.commitLocked(rr, typ)
			rr.humStart.Store(int64(first))
			end := start.bottom + Addr(words)
			if end > rr.end {
				end = rr.end
			}
			rr.SetTop(end)
		}
		a.humongousObjects.Add(1)
		return start.bottom, nil
	}
	return Null, gcerrors.OutOfMemory(fmt.Sprintf("no %d contiguous free regions for humongous object", n))
}

// NewObject allocates and initializes an object of class c. Arrays take a
// length; instances ignore it. Objects of at least HumongousThreshold words
// get their own regions; old selects old space for the rest.
func (a *Allocator) NewObject(c *Class, length uint64, old bool) (Addr, error) {
	words := c.Words
	if c.Kind != KindInstance {
		words = ArraySizeWords(length)
	}
	var (
		obj Addr
		err error
	)
	switch {
	case words >= a.HumongousThreshold():
		obj, err = a.AllocateHumongous(words)
	case old:
		obj, err = a.allocateMutator(&a.oldMut, RegionOld, words)
	default:
		obj, err = a.AllocateEden(words)
	}
	if err != nil {
		return Null, err
	}
	a.heap.InitObject(obj, c, length)
	if old || words >= a.HumongousThreshold() {
		a.heap.bot.Record(obj, obj+Addr(words))
	}
	return obj, nil
}

// BeginPause retires mutator regions so every region is parsable and resets
// the per-pause survivor budget.
func (a *Allocator) BeginPause() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.retire(a.eden.Swap(nil))
	a.retire(a.oldMut.Swap(nil))
	a.survivorsThisPause.Store(0)
}

// TryAllocate allocates between minWords and desiredWords in the GC
// allocation region of gen on node. It returns false when no region can be
// committed for gen.
func (a *Allocator) TryAllocate(gen Generation, minWords, desiredWords uint64, node int) (Addr, uint64, bool) {
	if node < 0 || node >= len(a.gcAlloc[gen]) {
		node = 0
	}
	cur := &a.gcAlloc[gen][node]
	for {
		if r := cur.Load(); r != nil {
			if obj, n, ok := r.ParAllocate(minWords, desiredWords); ok {
				return obj, n, true
			}
		}
		if !a.refillGCRegion(gen, node, cur, minWords) {
			a.failedRequests.Add(1)
			return Null, 0, false
		}
	}
}

func (a *Allocator) refillGCRegion(gen Generation, node int, cur *atomic.Pointer[Region], minWords uint64) bool {
	if minWords > a.heap.regionWords {
		return false
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	r := cur.Load()
	if r != nil && r.FreeWords() >= minWords {
		return true
	}
	typ := RegionOld
	if gen == GenYoung {
		limit := a.heap.config.MaxSurvivorRegions
		if limit > 0 && a.survivorsThisPause.Load() >= limit {
			return false
		}
		typ = RegionSurvivor
	}
	next := a.takeRegionLocked(typ, node)
	if next == nil {
		return false
	}
	if gen == GenYoung {
		a.survivorsThisPause.Add(1)
	}
	a.retire(r)
	cur.Store(next)
	return true
}

// ReleaseGCAllocRegions retires all GC allocation regions at pause end.
func (a *Allocator) ReleaseGCAllocRegions() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for g := range a.gcAlloc {
		for n := range a.gcAlloc[g] {
			a.retire(a.gcAlloc[g][n].Swap(nil))
		}
	}
}

// FreeRegion returns r to the free state, clearing its memory so stale
// headers are never parsed again.
func (a *Allocator) FreeRegion(r *Region) {
	h := a.heap
	if r.IsFree() {
		return
	}
	if used := r.Used(); used > 0 {
		h.ClearWords(r.bottom, used)
	}
	if r.IsOldOrHumongous() {
		h.bot.ClearRegion(r)
	}
	r.reset()
	h.committed.Add(-1)
	a.freedRegions.Add(1)
}

// SurvivorRegionsThisPause returns the survivor regions committed since BeginPause.
func (a *Allocator) SurvivorRegionsThisPause() uint32 { return a.survivorsThisPause.Load() }

// Stats returns a snapshot of the counters.
func (a *Allocator) Stats() AllocatorStats {
	return AllocatorStats{
		EdenRegions:      a.edenRegions.Load(),
		SurvivorRegions:  a.survivorRegions.Load(),
		OldRegions:       a.oldRegions.Load(),
		HumongousObjects: a.humongousObjects.Load(),
		FreedRegions:     a.freedRegions.Load(),
		FailedRequests:   a.failedRequests.Load(),
	}
}

// RegisterCodeBlob attaches blob to the code-root list of every region one
// of its embedded references points into.
func (h *Heap) RegisterCodeBlob(blob *CodeBlob) {
	for i := 0; i < blob.Len(); i++ {
		if o := blob.Oop(i); o != Null && h.IsIn(o) {
			h.RegionContaining(o).codeRoots.Add(blob)
		}
	}
}

package heap

import (
	"fmt"
	"sync/atomic"
)

// RegionType is the role a region currently plays.
type RegionType uint32

const (
	RegionFree RegionType = iota
	RegionEden
	RegionSurvivor
	RegionOld
	RegionHumongousStart
	RegionHumongousCont
)

func (t RegionType) String() string {
	switch t {
	case RegionFree:
		return "free"
	case RegionEden:
		return "eden"
	case RegionSurvivor:
		return "survivor"
	case RegionOld:
		return "old"
	case RegionHumongousStart:
		return "humongous-start"
	case RegionHumongousCont:
		return "humongous-cont"
	default:
		return fmt.Sprintf("region-type(%d)", uint32(t))
	}
}

// Region is a fixed-size contiguous extent of the heap.
type Region struct {
	heap      *Heap
	bottom    Addr
	end       Addr
	top       atomic.Uint64
	typ       atomic.Uint32
	inCSet    atomic.Bool
	node      int
	humStart  atomic.Int64 // index of the humongous start region, -1 otherwise
	index     uint32
	remSet    *RememberedSet
	codeRoots *CodeRootSet
}

func newRegion(h *Heap, index uint32, node int, bottom, end Addr) *Region {
	r := &Region{
		heap:      h,
		index:     index,
		node:      node,
		bottom:    bottom,
		end:       end,
		remSet:    NewRememberedSet(),
		codeRoots: NewCodeRootSet(),
	}
	r.top.Store(uint64(bottom))
	r.humStart.Store(-1)
	return r
}

// Index returns the region index.
func (r *Region) Index() uint32 { return r.index }

// Bottom returns the first address of the region.
func (r *Region) Bottom() Addr { return r.bottom }

// End returns one past the last address of the region.
func (r *Region) End() Addr { return r.end }

// Top returns the current allocation high-water mark.
func (r *Region) Top() Addr { return Addr(r.top.Load()) }

// SetTop overwrites the high-water mark.
func (r *Region) SetTop(a Addr) { r.top.Store(uint64(a)) }

// Type returns the region type.
func (r *Region) Type() RegionType { return RegionType(r.typ.Load()) }

// SetType changes the region role.
func (r *Region) SetType(t RegionType) { r.typ.Store(uint32(t)) }

// Node returns the home node of the region. Regions are split into equal
// contiguous ranges, one per node.
func (r *Region) Node() int { return r.node }

func (r *Region) IsFree() bool      { return r.Type() == RegionFree }
func (r *Region) IsEden() bool      { return r.Type() == RegionEden }
func (r *Region) IsSurvivor() bool  { return r.Type() == RegionSurvivor }
func (r *Region) IsYoung() bool     { return r.IsEden() || r.IsSurvivor() }
func (r *Region) IsOld() bool       { return r.Type() == RegionOld }
func (r *Region) IsHumongous() bool { t := r.Type(); return t == RegionHumongousStart || t == RegionHumongousCont }

// IsStartsHumongous reports whether the region holds the header of a humongous object.
func (r *Region) IsStartsHumongous() bool { return r.Type() == RegionHumongousStart }

// IsOldOrHumongous reports whether the region holds permanent data whose
// cards are tracked by the card table.
func (r *Region) IsOldOrHumongous() bool { return r.IsOld() || r.IsHumongous() }

// HumongousStartIndex returns the start region of the humongous object this
// region belongs to, or false when the region is not humongous.
func (r *Region) HumongousStartIndex() (uint32, bool) {
	v := r.humStart.Load()
	if v < 0 {
		return 0, false
	}
	return uint32(v), true
}

// InCollectionSet reports whether the region is being evacuated.
func (r *Region) InCollectionSet() bool { return r.inCSet.Load() }

// SetInCollectionSet flips collection set membership.
func (r *Region) SetInCollectionSet(v bool) { r.inCSet.Store(v) }

// RemSet returns the remembered set of the region.
func (r *Region) RemSet() *RememberedSet { return r.remSet }

// CodeRoots returns the code-root list of the region.
func (r *Region) CodeRoots() *CodeRootSet { return r.codeRoots }

// Contains reports whether a is within [bottom, end).
func (r *Region) Contains(a Addr) bool { return a >= r.bottom && a < r.end }

// Used returns the allocated words.
func (r *Region) Used() uint64 { return uint64(r.Top() - r.bottom) }

// FreeWords returns the unallocated words.
func (r *Region) FreeWords() uint64 { return uint64(r.end - r.Top()) }

// ParAllocate bumps top by between minWords and desiredWords words with a
// CAS loop, returning the start and the actual size.
func (r *Region) ParAllocate(minWords, desiredWords uint64) (Addr, uint64, bool) {
	for {
		top := r.top.Load()
		avail := uint64(r.end) - top
		if avail < minWords {
			return Null, 0, false
		}
		want := desiredWords
		if want > avail {
			want = avail
		}
		if r.top.CompareAndSwap(top, top+want) {
			return Addr(top), want, true
		}
	}
}

// Allocate bumps top by exactly words words.
func (r *Region) Allocate(words uint64) (Addr, bool) {
	a, _, ok := r.ParAllocate(words, words)
	return a, ok
}

// ObjectsIn calls fn for every object in [from, to) of a parsable region,
// starting from the object containing from, until fn returns false.
func (r *Region) ObjectsIn(from, to Addr, fn func(obj Addr, words uint64) bool) {
	h := r.heap
	cur := from
	if cur > r.bottom {
		cur = h.bot.BlockStart(from)
	}
	for cur < to {
		size := h.SizeOf(cur)
		if !fn(cur, size) {
			return
		}
		cur += Addr(size)
	}
}

// Objects calls fn for every object in the region up to top.
func (r *Region) Objects(fn func(obj Addr, words uint64) bool) {
	h := r.heap
	top := r.Top()
	for cur := r.bottom; cur < top; {
		size := h.SizeOf(cur)
		if !fn(cur, size) {
			return
		}
		cur += Addr(size)
	}
}

// RebuildBOT re-establishes block offset entries by walking the region.
// Used for regions that were young and are now kept as old.
func (r *Region) RebuildBOT() {
	r.Objects(func(obj Addr, words uint64) bool {
		r.heap.bot.Record(obj, obj+Addr(words))
		return true
	})
}

// reset returns the region to the free state.
func (r *Region) reset() {
	r.top.Store(uint64(r.bottom))
	r.typ.Store(uint32(RegionFree))
	r.inCSet.Store(false)
	r.humStart.Store(-1)
	r.remSet.Clear()
	r.codeRoots.Clear()
}

func (r *Region) String() string {
	return fmt.Sprintf("region %d [%#x, %#x) top %#x %s", r.index, uint64(r.bottom), uint64(r.end), uint64(r.Top()), r.Type())
}

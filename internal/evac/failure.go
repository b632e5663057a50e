package evac

import (
	"sync"
	"sync/atomic"

	"github.com/orizon-lang/gcpause/internal/heap"
)

// PreservedMark remembers the header of a self-forwarded object.
type PreservedMark struct {
	Obj  heap.Addr
	Mark uint64
}

// PreservedMarks is a worker-private stack of headers to restore once the
// pause has finished using the forwarding state.
type PreservedMarks struct {
	marks []PreservedMark
}

// Push records mark for obj.
func (pm *PreservedMarks) Push(obj heap.Addr, mark uint64) {
	pm.marks = append(pm.marks, PreservedMark{Obj: obj, Mark: mark})
}

// Len returns the number of preserved headers.
func (pm *PreservedMarks) Len() int { return len(pm.marks) }

// Restore writes every preserved header back and empties the stack.
func (pm *PreservedMarks) Restore(h *heap.Heap) {
	for _, m := range pm.marks {
		h.SetMark(m.Obj, m.Mark)
	}
	pm.marks = pm.marks[:0]
}

// FailureInfo counts the objects a worker left in place.
type FailureInfo struct {
	Objects uint64
	Words   uint64
}

func (fi *FailureInfo) record(words uint64) {
	fi.Objects++
	fi.Words += words
}

// FailureInjector makes every interval-th copy attempt fail while armed.
// It exercises the evacuation failure path in tests and simulations.
type FailureInjector struct {
	interval uint64
	armed    atomic.Bool
	attempts atomic.Uint64
	injected atomic.Uint64
}

// NewFailureInjector creates an injector; an interval of zero never fires.
func NewFailureInjector(interval uint64) *FailureInjector {
	return &FailureInjector{interval: interval}
}

// Arm enables or disables injection for the next pause.
func (fi *FailureInjector) Arm(on bool) {
	if fi == nil {
		return
	}
	fi.armed.Store(on && fi.interval > 0)
	fi.attempts.Store(0)
}

// ShouldFail reports whether the current copy attempt must fail.
func (fi *FailureInjector) ShouldFail() bool {
	if fi == nil || !fi.armed.Load() {
		return false
	}
	if fi.attempts.Add(1)%fi.interval != 0 {
		return false
	}
	fi.injected.Add(1)
	return true
}

// Injected returns the number of forced failures.
func (fi *FailureInjector) Injected() uint64 {
	if fi == nil {
		return 0
	}
	return fi.injected.Load()
}

// OptionalRemSets collects, per optional region, the heap slots found to
// point into it by earlier increments of the pause.
type OptionalRemSets struct {
	mutex sync.Mutex
	slots map[uint32][]heap.Addr
}

// NewOptionalRemSets creates empty lists.
func NewOptionalRemSets() *OptionalRemSets {
	return &OptionalRemSets{slots: make(map[uint32][]heap.Addr)}
}

// Add appends slots to the list of region.
func (o *OptionalRemSets) Add(region uint32, slots []heap.Addr) {
	if len(slots) == 0 {
		return
	}
	o.mutex.Lock()
	o.slots[region] = append(o.slots[region], slots...)
	o.mutex.Unlock()
}

// Take removes and returns the list of region.
func (o *OptionalRemSets) Take(region uint32) []heap.Addr {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	s := o.slots[region]
	delete(o.slots, region)
	return s
}

// Len returns the list length of region.
func (o *OptionalRemSets) Len(region uint32) int {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return len(o.slots[region])
}

// Reset drops every list.
func (o *OptionalRemSets) Reset() {
	o.mutex.Lock()
	o.slots = make(map[uint32][]heap.Addr)
	o.mutex.Unlock()
}

// RemoveSelfForwards makes a region that failed evacuation usable as old:
// self-forwarded objects get a fresh header (preserved headers are restored
// afterwards), everything else is dead and covered by fillers, and the
// block offset table is rebuilt. It returns the live words.
func RemoveSelfForwards(h *heap.Heap, r *heap.Region) uint64 {
	var live uint64
	top := r.Top()
	deadStart := heap.Null
	for cur := r.Bottom(); cur < top; {
		mark := h.Mark(cur)
		var size uint64
		switch {
		case heap.IsForwarded(mark) && heap.Forwardee(mark) == cur:
			if deadStart != heap.Null {
				h.FillWithDummy(deadStart, cur, false)
				deadStart = heap.Null
			}
			size = h.SizeOf(cur)
			h.SetMark(cur, heap.MarkPrototype)
			live += size
		case heap.IsForwarded(mark):
			// the from-space length of a chunked array was reused as a
			// claim counter; the copy holds the real size.
			size = h.SizeOf(heap.Forwardee(mark))
			if deadStart == heap.Null {
				deadStart = cur
			}
		default:
			size = h.SizeOf(cur)
			if deadStart == heap.Null {
				deadStart = cur
			}
		}
		cur += heap.Addr(size)
	}
	if deadStart != heap.Null {
		h.FillWithDummy(deadStart, top, false)
	}
	r.RebuildBOT()
	r.SetInCollectionSet(false)
	r.SetType(heap.RegionOld)
	return live
}

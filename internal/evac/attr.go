// Package evac is the per-worker evacuation engine: region attributes,
// scanner tasks and their work-stealing queues, promotion buffers, the
// copy-or-forward state machine with its evacuation failure path, queue
// trimming, termination and the aggregation of per-worker statistics.
//
// Worker states hold plain references to collector-owned singletons
// (heap, card table, queues, attribute table). Worker states never outlive
// one pause.
package evac

import (
	"sync/atomic"

	gcerrors "github.com/orizon-lang/gcpause/internal/errors"
	"github.com/orizon-lang/gcpause/internal/heap"
)

// RegionAttr is the role of a region in the current pause, consulted on
// every reference visited during evacuation.
type RegionAttr uint32

const (
	AttrNotInCSet RegionAttr = iota
	AttrYoung
	AttrOld
	AttrOptional
	AttrHumongousCandidate
)

// IsInCSet reports whether objects of the region are evacuated in the
// current increment.
func (a RegionAttr) IsInCSet() bool { return a == AttrYoung || a == AttrOld }

// IsYoung reports young collection set membership.
func (a RegionAttr) IsYoung() bool { return a == AttrYoung }

// IsOptional reports whether the region may be evacuated in a later increment.
func (a RegionAttr) IsOptional() bool { return a == AttrOptional }

// IsHumongousCandidate reports eager reclaim candidacy.
func (a RegionAttr) IsHumongousCandidate() bool { return a == AttrHumongousCandidate }

func (a RegionAttr) String() string {
	switch a {
	case AttrNotInCSet:
		return "not-in-cset"
	case AttrYoung:
		return "young"
	case AttrOld:
		return "old"
	case AttrOptional:
		return "optional"
	case AttrHumongousCandidate:
		return "humongous-candidate"
	default:
		return "invalid"
	}
}

// AttrTable holds one RegionAttr per reserved region.
type AttrTable struct {
	heap  *heap.Heap
	attrs []atomic.Uint32
}

// NewAttrTable creates a table with every region not in the collection set.
func NewAttrTable(h *heap.Heap) *AttrTable {
	return &AttrTable{heap: h, attrs: make([]atomic.Uint32, h.MaxRegions())}
}

// At returns the attribute of region.
func (t *AttrTable) At(region uint32) RegionAttr {
	gcerrors.CheckIndex("region", uint64(region), uint64(len(t.attrs)))
	return RegionAttr(t.attrs[region].Load())
}

// AtAddr returns the attribute of the region containing a.
func (t *AttrTable) AtAddr(a heap.Addr) RegionAttr {
	return RegionAttr(t.attrs[t.heap.RegionIndexOf(a)].Load())
}

// Set overwrites the attribute of region.
func (t *AttrTable) Set(region uint32, a RegionAttr) {
	gcerrors.CheckIndex("region", uint64(region), uint64(len(t.attrs)))
	t.attrs[region].Store(uint32(a))
}

// ClearHumongous drops the candidacy of region. Reports whether this call
// made the change.
func (t *AttrTable) ClearHumongous(region uint32) bool {
	return t.attrs[region].CompareAndSwap(uint32(AttrHumongousCandidate), uint32(AttrNotInCSet))
}

// Reset marks every region not in the collection set.
func (t *AttrTable) Reset() {
	for i := range t.attrs {
		t.attrs[i].Store(uint32(AttrNotInCSet))
	}
}

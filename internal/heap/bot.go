package heap

import (
	"sync/atomic"

	gcerrors "github.com/orizon-lang/gcpause/internal/errors"
)

// BlockOffsetTable records, for every card, the start of the object that
// covers the first word of the card. Entries are maintained for old and
// humongous regions only; young regions are always parsed from bottom.
type BlockOffsetTable struct {
	heap    *Heap
	entries []atomic.Uint64
}

func newBlockOffsetTable(h *Heap) *BlockOffsetTable {
	return &BlockOffsetTable{heap: h, entries: make([]atomic.Uint64, h.NumCards())}
}

// Record notes that the block [start, end) covers every card whose first
// word lies inside it.
func (b *BlockOffsetTable) Record(start, end Addr) {
	h := b.heap
	card := h.CardIndexOf(start)
	if h.CardStart(card) != start {
		card++
	}
	for ; card < uint64(len(b.entries)) && h.CardStart(card) < end; card++ {
		b.entries[card].Store(uint64(start))
	}
}

// Entry returns the raw entry of card; Null when unknown.
func (b *BlockOffsetTable) Entry(card uint64) Addr {
	gcerrors.CheckIndex("card", card, uint64(len(b.entries)))
	return Addr(b.entries[card].Load())
}

// BlockStart returns the start of the object containing a. The region must
// be parsable up to a; a missing entry is a precondition violation.
func (b *BlockOffsetTable) BlockStart(a Addr) Addr {
	s, ok := b.TryBlockStart(a)
	if !ok {
		gcerrors.Fatal("BOT_LOOKUP", "no block start for %#x in %s", uint64(a), b.heap.RegionContaining(a))
	}
	return s
}

// TryBlockStart is BlockStart for callers racing with allocation. It fails
// when the entry is missing or the walk meets an object whose header has not
// been published yet.
func (b *BlockOffsetTable) TryBlockStart(a Addr) (Addr, bool) {
	h := b.heap
	r := h.RegionContaining(a)
	if a == r.bottom && r.Type() != RegionHumongousCont {
		return a, true
	}
	s := Addr(b.entries[h.CardIndexOf(a)].Load())
	if s == Null {
		return Null, false
	}
	for {
		id := h.Load(s + ClassOffset)
		if id == 0 {
			return Null, false
		}
		size := h.SizeOfClass(s, h.classes.Lookup(uint32(id)))
		if s+Addr(size) > a {
			return s, true
		}
		s += Addr(size)
	}
}

// ClearRegion drops all entries of r.
func (b *BlockOffsetTable) ClearRegion(r *Region) {
	h := b.heap
	first := h.CardIndexOf(r.bottom)
	for c := first; c < first+h.CardsPerRegion(); c++ {
		b.entries[c].Store(0)
	}
}

package refine

import (
	"github.com/orizon-lang/gcpause/internal/cardtable"
	"github.com/orizon-lang/gcpause/internal/heap"
)

// Barrier is a mutator's view of the post-write barrier. Each mutator
// goroutine owns one.
type Barrier struct {
	heap  *heap.Heap
	cards *cardtable.CardTable
	queue *DirtyCardQueue
}

// NewBarrier creates a barrier logging into a fresh queue of set.
func NewBarrier(h *heap.Heap, cards *cardtable.CardTable, set *DirtyCardQueueSet) *Barrier {
	return &Barrier{heap: h, cards: cards, queue: set.NewQueue()}
}

// WriteRef stores val into slot and runs the post-write barrier.
func (b *Barrier) WriteRef(slot, val heap.Addr) {
	b.heap.StoreRef(slot, val)
	PostWriteBarrier(b.heap, b.cards, b.queue, slot, val)
}

// Queue returns the barrier's log buffer.
func (b *Barrier) Queue() *DirtyCardQueue { return b.queue }

// PostWriteBarrier dirties and logs the card of slot when the store created
// a cross-region reference from a non-young region.
func PostWriteBarrier(h *heap.Heap, cards *cardtable.CardTable, q *DirtyCardQueue, slot, val heap.Addr) {
	if val == heap.Null || !h.IsIn(slot) || !h.IsIn(val) {
		return
	}
	src := h.RegionIndexOf(slot)
	if src == h.RegionIndexOf(val) {
		return
	}
	if h.RegionAt(src).IsYoung() {
		return
	}
	card := h.CardIndexOf(slot)
	if cards.IsDirty(card) {
		return
	}
	if cards.MarkDirty(card) {
		q.Enqueue(card)
	}
}

package refine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/orizon-lang/gcpause/internal/cardtable"
	"github.com/orizon-lang/gcpause/internal/heap"
)

// Stats counts refinement outcomes.
type Stats struct {
	Refined       uint64 // Cards walked to completion
	NotApplicable uint64 // Cards dropped by CleanCardBeforeRefine
	Absorbed      uint64 // Cards kept by the hot card cache
	Requeued      uint64 // Cards re-dirtied after a parse failure
	RemSetAdds    uint64 // New remembered set entries
}

// Refiner cleans logged cards and records the cross-region references they
// contain in the remembered sets of the target regions.
type Refiner struct {
	heap  *heap.Heap
	cards *cardtable.CardTable
	hcc   *HotCardCache
	dcqs  *DirtyCardQueueSet

	// gate excludes pauses while a buffer is being refined.
	gate *sync.RWMutex

	refined       atomic.Uint64
	notApplicable atomic.Uint64
	absorbed      atomic.Uint64
	requeued      atomic.Uint64
	remSetAdds    atomic.Uint64
}

// NewRefiner wires a refiner. gate may be nil when no pause can run
// concurrently.
func NewRefiner(h *heap.Heap, cards *cardtable.CardTable, hcc *HotCardCache, dcqs *DirtyCardQueueSet, gate *sync.RWMutex) *Refiner {
	if gate == nil {
		gate = &sync.RWMutex{}
	}
	return &Refiner{heap: h, cards: cards, hcc: hcc, dcqs: dcqs, gate: gate}
}

// HotCards returns the hot card cache.
func (rf *Refiner) HotCards() *HotCardCache { return rf.hcc }

// Queues returns the dirty card queue set.
func (rf *Refiner) Queues() *DirtyCardQueueSet { return rf.dcqs }

// eligible reports whether card lies in a committed old or humongous
// region outside the collection set whose top is past the card start.
func (rf *Refiner) eligible(card uint64) bool {
	h := rf.heap
	r := h.RegionAt(h.RegionIndexOfCard(card))
	if r.IsFree() || !r.IsOldOrHumongous() || r.InCollectionSet() {
		return false
	}
	return r.Top() > h.CardStart(card)
}

// CleanCardBeforeRefine validates a logged card and passes it through the
// hot card cache. It returns the card to refine, possibly a different one
// evicted from the cache, and false when there is nothing to do. The
// returned card has been moved from dirty to clean.
func (rf *Refiner) CleanCardBeforeRefine(card uint64) (uint64, bool) {
	if !rf.cards.IsDirty(card) || !rf.eligible(card) {
		rf.notApplicable.Add(1)
		return 0, false
	}
	c, ok := rf.hcc.Insert(card)
	if !ok {
		rf.absorbed.Add(1)
		return 0, false
	}
	if c != card && (!rf.cards.IsDirty(c) || !rf.eligible(c)) {
		rf.notApplicable.Add(1)
		return 0, false
	}
	if !rf.cards.CASCard(c, cardtable.Dirty, cardtable.Clean) {
		rf.notApplicable.Add(1)
		return 0, false
	}
	return c, true
}

// RefineCardConcurrently walks the objects covering [cardStart,
// min(top, cardEnd)) and adds the card to the remembered set of every other
// region referenced from that range. If an object cannot be parsed yet the
// card is dirtied again and handed to the shared retry queue.
func (rf *Refiner) RefineCardConcurrently(card uint64) bool {
	h := rf.heap
	r := h.RegionAt(h.RegionIndexOfCard(card))
	start := h.CardStart(card)
	limit := start + heap.CardWords
	if top := r.Top(); top < limit {
		limit = top
	}
	if limit <= start {
		return true
	}

	if !rf.walk(r, card, start, limit) {
		rf.requeued.Add(1)
		rf.cards.MarkDirty(card)
		rf.dcqs.EnqueueShared(card)
		return false
	}
	rf.refined.Add(1)
	return true
}

func (rf *Refiner) walk(r *heap.Region, card uint64, start, limit heap.Addr) bool {
	h := rf.heap
	obj, ok := h.BOT().TryBlockStart(start)
	if !ok {
		return false
	}
	for obj < limit {
		id := h.Load(obj + heap.ClassOffset)
		if id == 0 {
			return false
		}
		c := h.Classes().Lookup(uint32(id))
		size := h.SizeOfClass(obj, c)
		h.ForEachRefIn(obj, start, limit, func(slot heap.Addr) {
			rf.recordRef(r, card, h.LoadRef(slot))
		})
		obj += heap.Addr(size)
	}
	return true
}

func (rf *Refiner) recordRef(from *heap.Region, card uint64, val heap.Addr) {
	h := rf.heap
	if val == heap.Null || !h.IsIn(val) || from.Contains(val) {
		return
	}
	if h.RegionContaining(val).RemSet().Add(card) {
		rf.remSetAdds.Add(1)
	}
}

// RefineBuffer refines every card of buf.
func (rf *Refiner) RefineBuffer(buf []uint64) {
	rf.gate.RLock()
	defer rf.gate.RUnlock()
	for _, card := range buf {
		if c, ok := rf.CleanCardBeforeRefine(card); ok {
			rf.RefineCardConcurrently(c)
		}
	}
}

// Step refines one completed buffer or a batch of retry cards. Reports
// whether any work was found.
func (rf *Refiner) Step() bool {
	if buf, ok := rf.dcqs.TakeCompleted(); ok {
		rf.RefineBuffer(buf)
		return true
	}
	if cards := rf.dcqs.TakeShared(rf.dcqs.BufferSize()); len(cards) > 0 {
		rf.RefineBuffer(cards)
		return true
	}
	return false
}

// Run refines until ctx is done, waiting for new buffers when idle.
func (rf *Refiner) Run(ctx context.Context) error {
	for {
		for rf.Step() {
			if ctx.Err() != nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-rf.dcqs.Notify():
		}
	}
}

// Stats returns a snapshot of the counters.
func (rf *Refiner) Stats() Stats {
	return Stats{
		Refined:       rf.refined.Load(),
		NotApplicable: rf.notApplicable.Load(),
		Absorbed:      rf.absorbed.Load(),
		Requeued:      rf.requeued.Load(),
		RemSetAdds:    rf.remSetAdds.Load(),
	}
}

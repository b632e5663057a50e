package concurrency

import "sync/atomic"

// CardRing is a bounded lock-free FIFO of card indices shared by mutator
// and refinement threads. Each slot carries a turn counter: a slot at ring
// position pos accepts a card when its turn equals pos and yields it when
// its turn equals pos+1. Popping hands the slot to the next lap.
type CardRing struct {
	mask  uint64
	_     [56]byte
	head  atomic.Uint64 // next push position
	_     [56]byte
	tail  atomic.Uint64 // next pop position
	_     [56]byte
	slots []ringSlot
}

type ringSlot struct {
	turn atomic.Uint64
	card uint64
	_    [48]byte
}

// NewCardRing creates a ring holding at least capacity cards; the size is
// rounded up to a power of two.
func NewCardRing(capacity uint64) *CardRing {
	size := uint64(2)
	for size < capacity {
		size <<= 1
	}
	r := &CardRing{mask: size - 1, slots: make([]ringSlot, size)}
	for i := range r.slots {
		r.slots[i].turn.Store(uint64(i))
	}
	return r
}

// Push appends card. It returns false when the ring is full.
func (r *CardRing) Push(card uint64) bool {
	for {
		pos := r.head.Load()
		s := &r.slots[pos&r.mask]
		turn := s.turn.Load()
		switch {
		case turn == pos:
			if r.head.CompareAndSwap(pos, pos+1) {
				s.card = card
				s.turn.Store(pos + 1)
				return true
			}
		case turn < pos:
			// the slot still holds a card from the previous lap
			return false
		}
	}
}

// Pop removes the oldest card. It returns false when no published card is
// available.
func (r *CardRing) Pop() (uint64, bool) {
	for {
		pos := r.tail.Load()
		s := &r.slots[pos&r.mask]
		turn := s.turn.Load()
		switch {
		case turn == pos+1:
			if r.tail.CompareAndSwap(pos, pos+1) {
				card := s.card
				s.turn.Store(pos + r.mask + 1)
				return card, true
			}
		case turn < pos+1:
			return 0, false
		}
	}
}

// Len estimates the number of queued cards.
func (r *CardRing) Len() int {
	n := int64(r.head.Load()) - int64(r.tail.Load())
	if n < 0 {
		return 0
	}
	return int(n)
}

// Cap returns the ring size.
func (r *CardRing) Cap() int { return len(r.slots) }

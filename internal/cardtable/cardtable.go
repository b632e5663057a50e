// Package cardtable holds the shared card table and the per-pause region
// scan state: claim counters, chunk dirty bits, frozen scan tops and the
// dirty region sets built while merging card sources.
package cardtable

import (
	"math/bits"
	"sync/atomic"

	gcerrors "github.com/orizon-lang/gcpause/internal/errors"
	"github.com/orizon-lang/gcpause/internal/heap"
)

// CardValue is the state of one card.
type CardValue uint8

const (
	Clean   CardValue = 0
	Dirty   CardValue = 1
	Scanned CardValue = 2
)

func (v CardValue) String() string {
	switch v {
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case Scanned:
		return "scanned"
	default:
		return "invalid"
	}
}

const (
	cardsPerWord    = 8
	logCardsPerWord = 3
	cardBits        = 8
	cardMask        = 0xff
)

// CardTable has one byte per card over the whole reserved heap, packed eight
// to a word so transitions are single-word CAS operations.
type CardTable struct {
	heap  *heap.Heap
	words []uint64
	cards uint64
}

// New creates a clean table covering h.
func New(h *heap.Heap) *CardTable {
	n := h.NumCards()
	return &CardTable{
		heap:  h,
		words: make([]uint64, (n+cardsPerWord-1)/cardsPerWord),
		cards: n,
	}
}

// Len returns the number of cards.
func (ct *CardTable) Len() uint64 { return ct.cards }

// CardIndex returns the card covering a.
func (ct *CardTable) CardIndex(a heap.Addr) uint64 { return ct.heap.CardIndexOf(a) }

// CardAddr returns the first address covered by card.
func (ct *CardTable) CardAddr(card uint64) heap.Addr { return ct.heap.CardStart(card) }

func (ct *CardTable) locate(card uint64) (*uint64, uint) {
	gcerrors.CheckIndex("card", card, ct.cards)
	return &ct.words[card>>logCardsPerWord], uint(card&(cardsPerWord-1)) * cardBits
}

// Value returns the state of card.
func (ct *CardTable) Value(card uint64) CardValue {
	w, shift := ct.locate(card)
	return CardValue(atomic.LoadUint64(w) >> shift & cardMask)
}

// IsClean reports whether card is clean.
func (ct *CardTable) IsClean(card uint64) bool { return ct.Value(card) == Clean }

// IsDirty reports whether card is dirty.
func (ct *CardTable) IsDirty(card uint64) bool { return ct.Value(card) == Dirty }

// CASCard moves card from old to new. It fails if the card is not in state old.
func (ct *CardTable) CASCard(card uint64, old, new CardValue) bool {
	w, shift := ct.locate(card)
	for {
		cur := atomic.LoadUint64(w)
		if CardValue(cur>>shift&cardMask) != old {
			return false
		}
		next := cur&^(cardMask<<shift) | uint64(new)<<shift
		if atomic.CompareAndSwapUint64(w, cur, next) {
			return true
		}
	}
}

// Set stores v unconditionally and returns the previous value.
func (ct *CardTable) Set(card uint64, v CardValue) CardValue {
	w, shift := ct.locate(card)
	for {
		cur := atomic.LoadUint64(w)
		next := cur&^(cardMask<<shift) | uint64(v)<<shift
		if atomic.CompareAndSwapUint64(w, cur, next) {
			return CardValue(cur >> shift & cardMask)
		}
	}
}

// Mark sets card to v and reports whether the value changed.
func (ct *CardTable) Mark(card uint64, v CardValue) bool { return ct.Set(card, v) != v }

// MarkDirty dirties card. Reports whether the card was not dirty before.
func (ct *CardTable) MarkDirty(card uint64) bool { return ct.Mark(card, Dirty) }

// MarkScanned records that the card was visited in this pause.
func (ct *CardTable) MarkScanned(card uint64) { ct.Set(card, Scanned) }

// MarkRangeScanned marks [from, to) scanned.
func (ct *CardTable) MarkRangeScanned(from, to uint64) {
	for c := from; c < to; c++ {
		ct.Set(c, Scanned)
	}
}

// ClearRange cleans the cards [from, to). Whole words are stored directly.
func (ct *CardTable) ClearRange(from, to uint64) {
	if to > ct.cards {
		to = ct.cards
	}
	for c := from; c < to; {
		if c&(cardsPerWord-1) == 0 && c+cardsPerWord <= to {
			atomic.StoreUint64(&ct.words[c>>logCardsPerWord], 0)
			c += cardsPerWord
			continue
		}
		ct.Set(c, Clean)
		c++
	}
}

// ClearRegion cleans every card of region.
func (ct *CardTable) ClearRegion(region uint32) {
	per := ct.heap.CardsPerRegion()
	first := uint64(region) * per
	ct.ClearRange(first, first+per)
}

// FindDirty returns the first dirty card in [from, to), or to.
func (ct *CardTable) FindDirty(from, to uint64) uint64 {
	c := from
	for c < to {
		if c&(cardsPerWord-1) == 0 && c+cardsPerWord <= to {
			w := atomic.LoadUint64(&ct.words[c>>logCardsPerWord])
			m := dirtyBytes(w)
			if m == 0 {
				c += cardsPerWord
				continue
			}
			return c + uint64(bits.TrailingZeros64(m))/cardBits
		}
		if ct.Value(c) == Dirty {
			return c
		}
		c++
	}
	return to
}

// FindNonDirty returns the first card in [from, to) that is not dirty, or to.
func (ct *CardTable) FindNonDirty(from, to uint64) uint64 {
	c := from
	for c < to && ct.Value(c) == Dirty {
		c++
	}
	return c
}

// dirtyBytes returns a mask with the low bit of every byte of w equal to Dirty set.
func dirtyBytes(w uint64) uint64 {
	const lows = 0x0101010101010101
	// Dirty is 0b01: low bit set, second bit clear.
	return w & lows &^ (w >> 1)
}

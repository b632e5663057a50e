package concurrency

import "sync/atomic"

// CardSet is a lock-free set of card indices with a fixed number of hash
// chains. Inserts push a new entry at the head of the chain with a CAS, so
// concurrent refinement threads can record cards while other threads read.
// Entries are never removed one by one; Clear drops everything and must
// not race with Add.
type CardSet struct {
	chains []atomic.Pointer[cardEntry]
	mask   uint64
	size   atomic.Int64
}

type cardEntry struct {
	card uint64
	next *cardEntry
}

// NewCardSet creates a set with chains rounded up to a power of two.
func NewCardSet(chains uint64) *CardSet {
	n := uint64(2)
	for n < chains {
		n <<= 1
	}
	return &CardSet{chains: make([]atomic.Pointer[cardEntry], n), mask: n - 1}
}

// mix64 is the splitmix64 finalizer; it spreads dense card indices evenly
// across chains.
func mix64(k uint64) uint64 {
	k ^= k >> 30
	k *= 0xbf58476d1ce4e5b9
	k ^= k >> 27
	k *= 0x94d049bb133111eb
	k ^= k >> 31
	return k
}

func (s *CardSet) chain(card uint64) *atomic.Pointer[cardEntry] {
	return &s.chains[mix64(card)&s.mask]
}

func find(e *cardEntry, card uint64) bool {
	for ; e != nil; e = e.next {
		if e.card == card {
			return true
		}
	}
	return false
}

// Add inserts card and reports whether it was absent. Of several racing
// adds of the same card exactly one returns true.
func (s *CardSet) Add(card uint64) bool {
	c := s.chain(card)
	var entry *cardEntry
	for {
		head := c.Load()
		if find(head, card) {
			return false
		}
		if entry == nil {
			entry = &cardEntry{card: card}
		}
		entry.next = head
		if c.CompareAndSwap(head, entry) {
			s.size.Add(1)
			return true
		}
	}
}

// Contains reports whether card is in the set.
func (s *CardSet) Contains(card uint64) bool { return find(s.chain(card).Load(), card) }

// Len returns the number of cards.
func (s *CardSet) Len() int { return int(s.size.Load()) }

// Clear empties the set.
func (s *CardSet) Clear() {
	for i := range s.chains {
		s.chains[i].Store(nil)
	}
	s.size.Store(0)
}

// Range calls fn for each card until fn returns false.
func (s *CardSet) Range(fn func(card uint64) bool) {
	for i := range s.chains {
		for e := s.chains[i].Load(); e != nil; e = e.next {
			if !fn(e.card) {
				return
			}
		}
	}
}

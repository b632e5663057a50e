package cardtable

// MarkClean cleans card. Reports whether the card was not clean before.
func (ct *CardTable) MarkClean(card uint64) bool { return ct.Mark(card, Clean) }

// CountDirty returns the number of dirty cards in [from, to).
func (ct *CardTable) CountDirty(from, to uint64) uint64 {
	n := uint64(0)
	for c := from; c < to; c++ {
		if ct.Value(c) == Dirty {
			n++
		}
	}
	return n
}

// HasUnclaimed reports whether region still has chunks to claim.
func (s *ScanState) HasUnclaimed(region uint32) bool {
	s.checkRegion(region)
	return s.claims[region].Load() < s.cardsPerRegion
}

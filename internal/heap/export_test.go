package heap

func (r *Region) IsEmpty() bool { return r.Top() == r.bottom }

func (rs *RememberedSet) IsEmpty() bool { return rs.cards.Len() == 0 }

package concurrency

// Capacity returns the number of elements Push accepts before failing.
func (d *Deque) Capacity() int { return len(d.buf) - 1 }

// IsEmpty reports whether the deque holds no elements.
func (d *Deque) IsEmpty() bool { return d.Size() == 0 }

// OverflowSize returns the overflow stack depth.
func (q *OverflowTaskQueue) OverflowSize() int { return len(q.overflow) }

package concurrency

import (
	"sync/atomic"
)

// Deque is a bounded Chase-Lev work-stealing deque of uint64 values. The
// owner pushes and pops at the bottom; any goroutine may steal from the top.
// Values are stored in atomic slots so a steal racing with the owner never
// observes a torn element, and the top CAS decides ownership.
type Deque struct {
	_pad0  [64]byte
	top    atomic.Int64
	_pad1  [56]byte
	bottom atomic.Int64
	_pad2  [56]byte
	mask   int64
	buf    []atomic.Uint64
}

// NewDeque creates a deque holding up to capacity-1 elements (capacity is
// rounded up to a power of two, minimum 4).
func NewDeque(capacity int) *Deque {
	n := 4
	for n < capacity {
		n <<= 1
	}
	return &Deque{mask: int64(n - 1), buf: make([]atomic.Uint64, n)}
}

// Size is exact for the owner and an estimate for everyone else.
func (d *Deque) Size() int {
	n := d.bottom.Load() - d.top.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// Push appends v at the bottom. Owner only. Returns false when full.
func (d *Deque) Push(v uint64) bool {
	b := d.bottom.Load()
	t := d.top.Load()
	if b-t >= d.mask {
		return false
	}
	d.buf[b&d.mask].Store(v)
	d.bottom.Store(b + 1)
	return true
}

// PopLocal removes the most recently pushed element. Owner only.
func (d *Deque) PopLocal() (uint64, bool) {
	b := d.bottom.Load() - 1
	d.bottom.Store(b)
	t := d.top.Load()
	if t > b {
		d.bottom.Store(b + 1)
		return 0, false
	}
	v := d.buf[b&d.mask].Load()
	if t == b {
		// last element: race the thieves for it.
		won := d.top.CompareAndSwap(t, t+1)
		d.bottom.Store(b + 1)
		return v, won
	}
	return v, true
}

// Steal removes the oldest element. Safe from any goroutine. A false
// return means the deque looked empty or another thief won the race.
func (d *Deque) Steal() (uint64, bool) {
	t := d.top.Load()
	b := d.bottom.Load()
	if t >= b {
		return 0, false
	}
	v := d.buf[t&d.mask].Load()
	if !d.top.CompareAndSwap(t, t+1) {
		return 0, false
	}
	return v, true
}

// OverflowTaskQueue pairs a Deque with an unbounded owner-private overflow
// stack. Push spills to the stack when the deque is full; thieves only see
// the deque.
type OverflowTaskQueue struct {
	*Deque
	overflow []uint64
}

// NewOverflowTaskQueue creates a queue whose bounded part holds capacity elements.
func NewOverflowTaskQueue(capacity int) *OverflowTaskQueue {
	return &OverflowTaskQueue{Deque: NewDeque(capacity)}
}

// Push never fails.
func (q *OverflowTaskQueue) Push(v uint64) {
	if !q.Deque.Push(v) {
		q.overflow = append(q.overflow, v)
	}
}

// TryPushToDeque pushes only into the bounded part.
func (q *OverflowTaskQueue) TryPushToDeque(v uint64) bool { return q.Deque.Push(v) }

// PopOverflow removes the most recently spilled element.
func (q *OverflowTaskQueue) PopOverflow() (uint64, bool) {
	n := len(q.overflow)
	if n == 0 {
		return 0, false
	}
	v := q.overflow[n-1]
	q.overflow = q.overflow[:n-1]
	return v, true
}

// OverflowEmpty reports whether the overflow stack is empty.
func (q *OverflowTaskQueue) OverflowEmpty() bool { return len(q.overflow) == 0 }

// Package refine implements the mutator side of remembered set maintenance:
// the post-write barrier, per-thread dirty card log buffers, the hot card
// cache and concurrent refinement of dirty cards into remembered sets.
package refine

import (
	"sync"
	"sync/atomic"

	"github.com/orizon-lang/gcpause/internal/runtime/concurrency"
)

// DefaultLogBufferSize is the number of cards a log buffer holds.
const DefaultLogBufferSize = 256

// DirtyCardQueueSet collects completed log buffers from all mutator queues
// and holds the shared retry queue used when concurrent refinement has to
// give up on a card.
type DirtyCardQueueSet struct {
	bufferSize int

	mutex     sync.Mutex
	completed [][]uint64
	queues    []*DirtyCardQueue

	shared *concurrency.CardRing
	notify chan struct{}

	completedCards atomic.Int64
	sharedSpills   atomic.Uint64
}

// NewDirtyCardQueueSet creates a set whose buffers hold bufferSize cards.
func NewDirtyCardQueueSet(bufferSize int, sharedCapacity uint64) *DirtyCardQueueSet {
	if bufferSize <= 0 {
		bufferSize = DefaultLogBufferSize
	}
	return &DirtyCardQueueSet{
		bufferSize: bufferSize,
		shared:     concurrency.NewCardRing(sharedCapacity),
		notify:     make(chan struct{}, 1),
	}
}

// BufferSize returns the capacity of one log buffer.
func (s *DirtyCardQueueSet) BufferSize() int { return s.bufferSize }

// NewQueue registers a per-thread queue.
func (s *DirtyCardQueueSet) NewQueue() *DirtyCardQueue {
	q := &DirtyCardQueue{set: s, buf: make([]uint64, 0, s.bufferSize)}
	s.mutex.Lock()
	s.queues = append(s.queues, q)
	s.mutex.Unlock()
	return q
}

// EnqueueCompleted hands a full buffer to the set.
func (s *DirtyCardQueueSet) EnqueueCompleted(buf []uint64) {
	if len(buf) == 0 {
		return
	}
	s.mutex.Lock()
	s.completed = append(s.completed, buf)
	s.mutex.Unlock()
	s.completedCards.Add(int64(len(buf)))
	s.signal()
}

// EnqueueShared pushes a single card for retry by any thread. When the
// shared ring is full the card goes out as a one-card buffer.
func (s *DirtyCardQueueSet) EnqueueShared(card uint64) {
	if !s.shared.Push(card) {
		s.sharedSpills.Add(1)
		s.EnqueueCompleted([]uint64{card})
		return
	}
	s.signal()
}

func (s *DirtyCardQueueSet) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Notify returns a channel that receives after new work arrives.
func (s *DirtyCardQueueSet) Notify() <-chan struct{} { return s.notify }

// TakeCompleted removes one completed buffer.
func (s *DirtyCardQueueSet) TakeCompleted() ([]uint64, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	n := len(s.completed)
	if n == 0 {
		return nil, false
	}
	buf := s.completed[n-1]
	s.completed[n-1] = nil
	s.completed = s.completed[:n-1]
	s.completedCards.Add(-int64(len(buf)))
	return buf, true
}

// TakeShared drains up to max cards from the shared retry queue.
func (s *DirtyCardQueueSet) TakeShared(max int) []uint64 {
	var out []uint64
	for len(out) < max {
		card, ok := s.shared.Pop()
		if !ok {
			break
		}
		out = append(out, card)
	}
	return out
}

// FlushAll moves the partial buffers of every registered queue into the
// completed list. Mutators must be stopped.
func (s *DirtyCardQueueSet) FlushAll() {
	s.mutex.Lock()
	queues := make([]*DirtyCardQueue, len(s.queues))
	copy(queues, s.queues)
	s.mutex.Unlock()
	for _, q := range queues {
		q.Flush()
	}
}

// TakeAll flushes every queue and returns all pending buffers, the shared
// retry queue included. Used at pause start.
func (s *DirtyCardQueueSet) TakeAll() [][]uint64 {
	s.FlushAll()
	for {
		shared := s.TakeShared(s.bufferSize)
		if len(shared) == 0 {
			break
		}
		s.EnqueueCompleted(shared)
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := s.completed
	s.completed = nil
	s.completedCards.Store(0)
	return out
}

// NumCards returns the number of cards in completed buffers.
func (s *DirtyCardQueueSet) NumCards() int { return int(s.completedCards.Load()) + s.shared.Len() }

// SharedSpills counts retry cards that overflowed the shared ring.
func (s *DirtyCardQueueSet) SharedSpills() uint64 { return s.sharedSpills.Load() }

// DirtyCardQueue is a per-thread log buffer. It must only be used by its owner.
type DirtyCardQueue struct {
	set *DirtyCardQueueSet
	buf []uint64
}

// Enqueue logs card, handing the buffer to the set when it fills.
func (q *DirtyCardQueue) Enqueue(card uint64) {
	q.buf = append(q.buf, card)
	if len(q.buf) == cap(q.buf) {
		q.set.EnqueueCompleted(q.buf)
		q.buf = make([]uint64, 0, q.set.bufferSize)
	}
}

// Flush hands the partial buffer to the set.
func (q *DirtyCardQueue) Flush() {
	if len(q.buf) == 0 {
		return
	}
	q.set.EnqueueCompleted(q.buf)
	q.buf = make([]uint64, 0, q.set.bufferSize)
}

// Len returns the number of cards in the partial buffer.
func (q *DirtyCardQueue) Len() int { return len(q.buf) }

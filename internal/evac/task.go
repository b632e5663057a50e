package evac

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	gcerrors "github.com/orizon-lang/gcpause/internal/errors"
	"github.com/orizon-lang/gcpause/internal/heap"
	"github.com/orizon-lang/gcpause/internal/runtime/concurrency"
)

// ScannerTask is a tagged word: a heap slot to evacuate through, or the
// from-space address of an object array whose scan is split into chunks.
// The zero task is invalid.
type ScannerTask uint64

const (
	taskTagBits  = 2
	taskTagMask  = 1<<taskTagBits - 1
	taskTagSlot  = 0b01
	taskTagArray = 0b10
)

// SlotTask wraps a heap slot.
func SlotTask(slot heap.Addr) ScannerTask {
	return ScannerTask(uint64(slot)<<taskTagBits | taskTagSlot)
}

// PartialArrayTask wraps the from-space address of an array being scanned in chunks.
func PartialArrayTask(from heap.Addr) ScannerTask {
	return ScannerTask(uint64(from)<<taskTagBits | taskTagArray)
}

// IsSlot reports whether t is a slot task.
func (t ScannerTask) IsSlot() bool { return t&taskTagMask == taskTagSlot }

// IsPartialArray reports whether t is a partial array task.
func (t ScannerTask) IsPartialArray() bool { return t&taskTagMask == taskTagArray }

// Addr returns the payload address.
func (t ScannerTask) Addr() heap.Addr { return heap.Addr(uint64(t) >> taskTagBits) }

func (t ScannerTask) String() string {
	switch {
	case t.IsSlot():
		return fmt.Sprintf("slot(%#x)", uint64(t.Addr()))
	case t.IsPartialArray():
		return fmt.Sprintf("array(%#x)", uint64(t.Addr()))
	default:
		return fmt.Sprintf("invalid(%#x)", uint64(t))
	}
}

// TaskQueueSet is the set of per-worker queues thieves pick victims from.
type TaskQueueSet struct {
	queues []*concurrency.OverflowTaskQueue
}

// NewTaskQueueSet creates n queues whose bounded parts hold capacity tasks.
func NewTaskQueueSet(n, capacity int) *TaskQueueSet {
	qs := &TaskQueueSet{queues: make([]*concurrency.OverflowTaskQueue, n)}
	for i := range qs.queues {
		qs.queues[i] = concurrency.NewOverflowTaskQueue(capacity)
	}
	return qs
}

// Len returns the number of queues.
func (qs *TaskQueueSet) Len() int { return len(qs.queues) }

// Queue returns the queue of worker.
func (qs *TaskQueueSet) Queue(worker int) *concurrency.OverflowTaskQueue {
	gcerrors.CheckIndex("worker", uint64(worker), uint64(len(qs.queues)))
	return qs.queues[worker]
}

// Steal tries to take a task from another worker's queue, choosing the
// fuller of two pseudo-random victims per attempt.
func (qs *TaskQueueSet) Steal(worker int, seed *uint64) (ScannerTask, bool) {
	n := len(qs.queues)
	if n < 2 {
		return 0, false
	}
	for attempt := 0; attempt < 2*n; attempt++ {
		a := qs.victim(worker, seed)
		b := qs.victim(worker, seed)
		v := qs.queues[a]
		if qs.queues[b].Size() > v.Size() {
			v = qs.queues[b]
		}
		if t, ok := v.Steal(); ok {
			return ScannerTask(t), true
		}
	}
	return 0, false
}

func (qs *TaskQueueSet) victim(worker int, seed *uint64) int {
	x := *seed
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	*seed = x
	v := int(x % uint64(len(qs.queues)-1))
	if v >= worker {
		v++
	}
	return v
}

// PeekAny reports whether any stealable task exists.
func (qs *TaskQueueSet) PeekAny() bool {
	for _, q := range qs.queues {
		if q.Size() > 0 {
			return true
		}
	}
	return false
}

// Terminator detects that all workers ran out of work. Workers offer
// termination once their queues are empty; an offer is withdrawn when a
// stealable task shows up.
type Terminator struct {
	workers int
	queues  *TaskQueueSet
	offered atomic.Int32
	yields  atomic.Uint64
}

// NewTerminator creates a terminator for workers over queues.
func NewTerminator(workers int, queues *TaskQueueSet) *Terminator {
	return &Terminator{workers: workers, queues: queues}
}

// Reset prepares for another parallel phase.
func (t *Terminator) Reset() { t.offered.Store(0) }

// IsComplete reports whether every worker has offered termination.
func (t *Terminator) IsComplete() bool { return int(t.offered.Load()) >= t.workers }

// OfferTermination blocks until either all workers offered (true) or a
// task became stealable (false; the caller should steal again).
func (t *Terminator) OfferTermination() bool {
	if int(t.offered.Add(1)) >= t.workers {
		return true
	}
	for spins := 0; ; spins++ {
		if t.IsComplete() {
			return true
		}
		if t.queues.PeekAny() {
			t.offered.Add(-1)
			return false
		}
		t.yields.Add(1)
		if spins < 64 {
			runtime.Gosched()
		} else {
			time.Sleep(10 * time.Microsecond)
		}
	}
}

// Yields counts idle iterations spent waiting in OfferTermination.
func (t *Terminator) Yields() uint64 { return t.yields.Load() }

// TaskLedger checks that every pushed task is processed exactly as often as
// it was pushed. It is only installed by tests and diagnostics.
type TaskLedger struct {
	mutex     sync.Mutex
	pushed    map[ScannerTask]int
	processed map[ScannerTask]int
}

// NewTaskLedger creates an empty ledger.
func NewTaskLedger() *TaskLedger {
	return &TaskLedger{pushed: make(map[ScannerTask]int), processed: make(map[ScannerTask]int)}
}

func (l *TaskLedger) push(t ScannerTask) {
	l.mutex.Lock()
	l.pushed[t]++
	l.mutex.Unlock()
}

func (l *TaskLedger) process(t ScannerTask) {
	l.mutex.Lock()
	l.processed[t]++
	l.mutex.Unlock()
}

// Verify returns an error describing the first task processed a different
// number of times than it was pushed.
func (l *TaskLedger) Verify() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	for t, n := range l.pushed {
		if l.processed[t] != n {
			return fmt.Errorf("task %s pushed %d times, processed %d times", t, n, l.processed[t])
		}
	}
	for t, n := range l.processed {
		if _, ok := l.pushed[t]; !ok {
			return fmt.Errorf("task %s processed %d times without a push", t, n)
		}
	}
	return nil
}

// Totals returns the number of pushes and processings recorded.
func (l *TaskLedger) Totals() (pushed, processed int) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	for _, n := range l.pushed {
		pushed += n
	}
	for _, n := range l.processed {
		processed += n
	}
	return pushed, processed
}

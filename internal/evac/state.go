package evac

import (
	"sync/atomic"
	"time"

	"github.com/orizon-lang/gcpause/internal/cardtable"
	gcerrors "github.com/orizon-lang/gcpause/internal/errors"
	"github.com/orizon-lang/gcpause/internal/heap"
	"github.com/orizon-lang/gcpause/internal/runtime/concurrency"
)

// Config tunes the per-worker evacuation state.
type Config struct {
	Workers            int
	QueueCapacity      int
	PartialArrayStride uint64 // elements per partial array chunk
	TrimHighWatermark  int
	TrimLowWatermark   int
	PLAB               PLABConfig
	TenuringThreshold  uint
	OptionalRefLimit   int // slots buffered per optional region before flushing
	// PreservedMarksLimit bounds the headers a worker may preserve; beyond it
	// the pause fails. Zero means unbounded.
	PreservedMarksLimit int
}

// DefaultConfig returns settings for small simulated heaps.
func DefaultConfig() Config {
	return Config{
		Workers:            4,
		QueueCapacity:      1 << 10,
		PartialArrayStride: 64,
		TrimHighWatermark:  256,
		TrimLowWatermark:   64,
		PLAB:               DefaultPLABConfig(),
		TenuringThreshold:  7,
		OptionalRefLimit:   64,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	switch {
	case c.Workers <= 0:
		return gcerrors.InvalidConfig("parallel_workers", c.Workers, "must be positive")
	case c.QueueCapacity < 4:
		return gcerrors.InvalidConfig("queue_capacity", c.QueueCapacity, "must be at least 4")
	case c.PartialArrayStride == 0:
		return gcerrors.InvalidConfig("partial_array_stride", c.PartialArrayStride, "must be positive")
	case c.TrimLowWatermark < 0 || c.TrimHighWatermark < c.TrimLowWatermark:
		return gcerrors.InvalidConfig("trim_high_watermark", c.TrimHighWatermark, "must be at least trim_low_watermark")
	case c.TenuringThreshold > heap.MaxAge+1:
		return gcerrors.InvalidConfig("tenuring_threshold", c.TenuringThreshold, "exceeds the maximum age")
	case c.PLAB.YoungWords < heap.MinObjectWords || c.PLAB.OldWords < heap.MinObjectWords:
		return gcerrors.InvalidConfig("plab_words", c.PLAB.YoungWords, "must hold at least one object")
	}
	return nil
}

// ScanMode selects what happens to cross-region references found while
// scanning an object's slots.
type ScanMode uint8

const (
	// ScanInYoung: the slot lives in young space and needs no card.
	ScanInYoung ScanMode = iota
	// ScanInOld: the slot lives in old space; cross-region references into
	// tracked regions are enqueued for redirtying.
	ScanInOld
)

// Shared is the collector-owned state every worker references during a pause.
type Shared struct {
	Heap            *heap.Heap
	Cards           *cardtable.CardTable
	Attrs           *AttrTable
	Queues          *TaskQueueSet
	Terminator      *Terminator
	FailedRegions   *cardtable.DirtyRegionSet
	OptionalRemSets *OptionalRemSets
	Injector        *FailureInjector
	Ledger          *TaskLedger
	Config          Config
	// NodeForWorker picks the allocation node of a worker; nil means node 0.
	NodeForWorker func(worker int) int
}

// Counters counts work done by one worker.
type Counters struct {
	TasksPushed        uint64 // slot tasks pushed
	PartialTasksPushed uint64
	TasksProcessed     uint64 // tasks dispatched, stolen ones included
	Steals             uint64
	CopiedObjects      uint64
	CopiedWords        uint64
	LostRaces          uint64 // copies discarded after losing the forwarding CAS
	HumongousLive      uint64 // eager reclaim candidates found referenced
	OptionalRefs       uint64
	RedirtiedCards     uint64
	TrimTime           time.Duration
}

func (c *Counters) add(o Counters) {
	c.TasksPushed += o.TasksPushed
	c.PartialTasksPushed += o.PartialTasksPushed
	c.TasksProcessed += o.TasksProcessed
	c.Steals += o.Steals
	c.CopiedObjects += o.CopiedObjects
	c.CopiedWords += o.CopiedWords
	c.LostRaces += o.LostRaces
	c.HumongousLive += o.HumongousLive
	c.OptionalRefs += o.OptionalRefs
	c.RedirtiedCards += o.RedirtiedCards
	c.TrimTime += o.TrimTime
}

// ParScanThreadState is everything one worker owns during a pause.
type ParScanThreadState struct {
	worker int
	node   int
	shared *Shared
	heap   *heap.Heap
	attrs  *AttrTable
	queue  *concurrency.OverflowTaskQueue

	plab              *PLABAllocator
	ages              AgeTable
	tenuringThreshold uint
	survivingYoung    []uint64

	preserved PreservedMarks
	failure   FailureInfo

	optionalRefs map[uint32][]heap.Addr

	redirty       []uint64
	lastRedirtied uint64

	counters  Counters
	seed      uint64
	flushed   bool
	markLimit bool
}

func newParScanThreadState(shared *Shared, worker int) *ParScanThreadState {
	h := shared.Heap
	node := 0
	if shared.NodeForWorker != nil {
		node = shared.NodeForWorker(worker)
	}
	return &ParScanThreadState{
		worker:            worker,
		node:              node,
		shared:            shared,
		heap:              h,
		attrs:             shared.Attrs,
		queue:             shared.Queues.Queue(worker),
		plab:              NewPLABAllocator(h, shared.Config.PLAB),
		tenuringThreshold: shared.Config.TenuringThreshold,
		survivingYoung:    make([]uint64, h.MaxRegions()),
		optionalRefs:      make(map[uint32][]heap.Addr),
		lastRedirtied:     ^uint64(0),
		seed:              uint64(worker)*0x9e3779b97f4a7c15 + 1,
	}
}

// Worker returns the worker id.
func (s *ParScanThreadState) Worker() int { return s.worker }

// Node returns the node the worker copies objects to.
func (s *ParScanThreadState) Node() int { return s.node }

// Counters returns the work counters so far.
func (s *ParScanThreadState) Counters() Counters { return s.counters }

// PLABs returns the promotion buffer allocator.
func (s *ParScanThreadState) PLABs() *PLABAllocator { return s.plab }

// PushOnQueue makes task available to this worker and thieves.
func (s *ParScanThreadState) PushOnQueue(task ScannerTask) {
	if s.shared.Ledger != nil {
		s.shared.Ledger.push(task)
	}
	s.queue.Push(uint64(task))
}

// DispatchTask processes one task.
func (s *ParScanThreadState) DispatchTask(task ScannerTask) {
	if s.shared.Ledger != nil {
		s.shared.Ledger.process(task)
	}
	s.counters.TasksProcessed++
	switch {
	case task.IsSlot():
		s.doOopEvac(task.Addr())
	case task.IsPartialArray():
		s.doPartialArray(task.Addr())
	default:
		gcerrors.Fatal("BAD_TASK", "unknown scanner task %s", task)
	}
}

// ScanSlot handles one reference slot of an object being scanned. Slots
// into the collection set become tasks; other cross-region references mark
// humongous candidates live, are remembered for optional regions and, in
// ScanInOld mode, get their card enqueued for redirtying.
func (s *ParScanThreadState) ScanSlot(slot heap.Addr, mode ScanMode) {
	obj := s.heap.LoadRef(slot)
	if obj == heap.Null {
		return
	}
	attr := s.attrs.AtAddr(obj)
	if attr.IsInCSet() {
		s.counters.TasksPushed++
		s.PushOnQueue(SlotTask(slot))
		return
	}
	if s.heap.RegionIndexOf(slot) == s.heap.RegionIndexOf(obj) {
		return
	}
	s.handleNonCSetObj(attr, slot, obj)
	if mode == ScanInOld {
		s.enqueueCardIfTracked(slot, obj)
	}
}

func (s *ParScanThreadState) handleNonCSetObj(attr RegionAttr, slot, obj heap.Addr) {
	switch {
	case attr.IsHumongousCandidate():
		if s.attrs.ClearHumongous(s.heap.RegionIndexOf(obj)) {
			s.counters.HumongousLive++
		}
	case attr.IsOptional():
		s.rememberOptional(s.heap.RegionIndexOf(obj), slot)
	}
}

func (s *ParScanThreadState) rememberOptional(region uint32, slot heap.Addr) {
	s.counters.OptionalRefs++
	refs := append(s.optionalRefs[region], slot)
	if limit := s.shared.Config.OptionalRefLimit; limit > 0 && len(refs) >= limit {
		s.shared.OptionalRemSets.Add(region, refs)
		refs = nil
	}
	s.optionalRefs[region] = refs
}

func (s *ParScanThreadState) enqueueCardIfTracked(slot, obj heap.Addr) {
	if !s.heap.RegionContaining(obj).RemSet().IsTracked() {
		return
	}
	card := s.heap.CardIndexOf(slot)
	if card == s.lastRedirtied {
		return
	}
	s.lastRedirtied = card
	s.redirty = append(s.redirty, card)
	s.counters.RedirtiedCards++
}

// SlotMode returns the scan mode for a slot that is being updated in place:
// young slots need no card unless their region failed evacuation and will
// become old.
func (s *ParScanThreadState) SlotMode(slot heap.Addr) ScanMode {
	r := s.heap.RegionContaining(slot)
	if r.IsYoung() && !s.shared.FailedRegions.Contains(r.Index()) {
		return ScanInYoung
	}
	return ScanInOld
}

func (s *ParScanThreadState) doOopEvac(slot heap.Addr) {
	obj := s.heap.LoadRef(slot)
	attr := s.attrs.AtAddr(obj)
	// cards may be scanned more than once; the referent may have been
	// handled already.
	if !attr.IsInCSet() {
		return
	}
	mark := s.heap.Mark(obj)
	if heap.IsForwarded(mark) {
		obj = heap.Forwardee(mark)
	} else {
		obj = s.CopyToSurvivorSpace(attr, obj, mark)
	}
	s.heap.StoreRef(slot, obj)
	s.writeRefFieldPost(slot, obj)
}

func (s *ParScanThreadState) writeRefFieldPost(slot, obj heap.Addr) {
	if s.heap.RegionIndexOf(slot) == s.heap.RegionIndexOf(obj) {
		return
	}
	if s.SlotMode(slot) == ScanInOld {
		s.enqueueCardIfTracked(slot, obj)
	}
}

// EvacuateRoot evacuates through an off-heap slot such as a thread root or
// an embedded code reference. Returns the final referent.
func (s *ParScanThreadState) EvacuateRoot(slot *atomic.Uint64) heap.Addr {
	obj := heap.Addr(slot.Load())
	if obj == heap.Null || !s.heap.IsIn(obj) {
		return obj
	}
	attr := s.attrs.AtAddr(obj)
	switch {
	case attr.IsInCSet():
		mark := s.heap.Mark(obj)
		if heap.IsForwarded(mark) {
			obj = heap.Forwardee(mark)
		} else {
			obj = s.CopyToSurvivorSpace(attr, obj, mark)
		}
		slot.Store(uint64(obj))
	case attr.IsHumongousCandidate():
		if s.attrs.ClearHumongous(s.heap.RegionIndexOf(obj)) {
			s.counters.HumongousLive++
		}
	}
	return obj
}

// destination picks the generation for a copy of an object of age from a
// region with attribute attr.
func (s *ParScanThreadState) destination(attr RegionAttr, age uint) heap.Generation {
	if attr.IsYoung() && age < s.tenuringThreshold {
		return heap.GenYoung
	}
	return heap.GenOld
}

func (s *ParScanThreadState) allocateCopySlow(dest *heap.Generation, words uint64, node int) heap.Addr {
	obj := s.plab.AllocateDirectOrNewPLAB(*dest, words, node)
	if obj == heap.Null && *dest == heap.GenYoung {
		// a full survivor space is not fatal; try promoting instead.
		*dest = heap.GenOld
		obj = s.plab.Allocate(heap.GenOld, words, node)
	}
	return obj
}

// UndoAllocation returns a discarded copy to the promotion buffers.
func (s *ParScanThreadState) UndoAllocation(dest heap.Generation, obj heap.Addr, words uint64, node int) {
	s.plab.UndoAllocation(dest, obj, words, node)
}

// CopyToSurvivorSpace copies old out of the collection set and installs the
// forwarding pointer. The loser of a forwarding race gives its copy back and
// returns the winner's. When no space is left the object is forwarded to
// itself and scanned in place.
func (s *ParScanThreadState) CopyToSurvivorSpace(attr RegionAttr, old heap.Addr, oldMark uint64) heap.Addr {
	h := s.heap
	class := h.ClassOf(old)
	words := h.SizeOfClass(old, class)
	age := heap.MarkAge(oldMark)
	dest := s.destination(attr, age)
	node := s.node

	obj := s.plab.PLABAllocate(dest, words, node)
	if obj == heap.Null {
		obj = s.allocateCopySlow(&dest, words, node)
		if obj == heap.Null {
			return s.HandleEvacuationFailure(old, oldMark, words)
		}
	}
	if s.shared.Injector.ShouldFail() {
		s.UndoAllocation(dest, obj, words, node)
		return s.HandleEvacuationFailure(old, oldMark, words)
	}

	h.CopyWords(obj, old, words)

	winner, installed := h.TryForward(old, obj)
	if !installed {
		s.UndoAllocation(dest, obj, words, node)
		s.counters.LostRaces++
		return winner
	}

	s.counters.CopiedObjects++
	s.counters.CopiedWords += words
	if attr.IsYoung() {
		s.survivingYoung[h.RegionIndexOf(old)] += words
	}
	if dest == heap.GenYoung {
		newMark := heap.MarkIncAge(oldMark)
		h.SetMark(obj, newMark)
		s.ages.Add(heap.MarkAge(newMark), words)
	} else {
		h.SetMark(obj, oldMark)
		h.BOT().Record(obj, obj+heap.Addr(words))
	}

	mode := ScanInYoung
	if dest == heap.GenOld {
		mode = ScanInOld
	}
	if class.Kind == heap.KindObjArray && h.ArrayLength(obj) >= 2*s.shared.Config.PartialArrayStride {
		s.startPartialArray(old, obj, mode)
	} else {
		h.ForEachRef(obj, func(slot heap.Addr) { s.ScanSlot(slot, mode) })
	}
	return obj
}

// HandleEvacuationFailure forwards old to itself. The winner of that
// forwarding keeps the object in place, preserves its header and scans its
// fields there; the region is retained and becomes old after the pause.
func (s *ParScanThreadState) HandleEvacuationFailure(old heap.Addr, oldMark uint64, words uint64) heap.Addr {
	h := s.heap
	winner, installed := h.TryForward(old, old)
	if !installed {
		return winner
	}
	s.shared.FailedRegions.Add(h.RegionIndexOf(old))
	s.failure.record(words)
	s.preserved.Push(old, oldMark)
	if limit := s.shared.Config.PreservedMarksLimit; limit > 0 && s.preserved.Len() > limit {
		s.markLimit = true
	}
	h.ForEachRef(old, func(slot heap.Addr) { s.ScanSlot(slot, ScanInOld) })
	return old
}

// startPartialArray splits the scan of a copied object array into chunks of
// the configured stride. The from-space length word becomes the claim
// index; every chunk beyond the first gets its own stealable task and the
// first chunk is scanned here.
func (s *ParScanThreadState) startPartialArray(from, to heap.Addr, mode ScanMode) {
	h := s.heap
	stride := s.shared.Config.PartialArrayStride
	length := h.ArrayLength(to)
	first := length % stride
	if first == 0 {
		first = stride
	}
	h.SetArrayLength(from, first)
	tasks := (length - first) / stride
	for i := uint64(0); i < tasks; i++ {
		s.counters.PartialTasksPushed++
		s.PushOnQueue(PartialArrayTask(from))
	}
	s.scanArrayRange(to, 0, first, mode)
}

func (s *ParScanThreadState) doPartialArray(from heap.Addr) {
	h := s.heap
	mark := h.Mark(from)
	gcerrors.Assert(heap.IsForwarded(mark), "BAD_PARTIAL_ARRAY", "partial array %#x is not forwarded", uint64(from))
	to := heap.Forwardee(mark)
	stride := s.shared.Config.PartialArrayStride
	end := concurrency.FetchAddUint64(h.Word(from+heap.LengthOffset), stride) + stride
	start := end - stride
	length := h.ArrayLength(to)
	gcerrors.Assert(start < length, "BAD_PARTIAL_ARRAY", "chunk [%d, %d) beyond length %d", start, end, length)
	if end > length {
		end = length
	}
	mode := ScanInYoung
	if !h.RegionContaining(to).IsYoung() {
		mode = ScanInOld
	}
	s.scanArrayRange(to, start, end, mode)
	s.TrimQueuePartially()
}

func (s *ParScanThreadState) scanArrayRange(arr heap.Addr, start, end uint64, mode ScanMode) {
	for i := start; i < end; i++ {
		s.ScanSlot(heap.ArrayElement(arr, i), mode)
	}
}

// TrimQueueToThreshold drains the overflow stack into the bounded queue
// (processing what does not fit), then pops the bounded queue down to
// threshold, until both are below it.
func (s *ParScanThreadState) TrimQueueToThreshold(threshold int) {
	q := s.queue
	for {
		for v, ok := q.PopOverflow(); ok; v, ok = q.PopOverflow() {
			if !q.TryPushToDeque(v) {
				s.DispatchTask(ScannerTask(v))
			}
		}
		for q.Size() > threshold {
			v, ok := q.PopLocal()
			if !ok {
				break
			}
			s.DispatchTask(ScannerTask(v))
		}
		if q.OverflowEmpty() && q.Size() <= threshold {
			return
		}
	}
}

// TrimQueue empties the local queue.
func (s *ParScanThreadState) TrimQueue() { s.TrimQueueToThreshold(0) }

// TrimQueuePartially drains to the low watermark once the queue grew past
// the high watermark.
func (s *ParScanThreadState) TrimQueuePartially() {
	if s.queue.OverflowEmpty() && s.queue.Size() <= s.shared.Config.TrimHighWatermark {
		return
	}
	start := time.Now()
	s.TrimQueueToThreshold(s.shared.Config.TrimLowWatermark)
	s.counters.TrimTime += time.Since(start)
}

// StealAndTrimQueue steals from other workers until no victim yields a
// task, emptying the local queue after every successful steal.
func (s *ParScanThreadState) StealAndTrimQueue() {
	for {
		task, ok := s.shared.Queues.Steal(s.worker, &s.seed)
		if !ok {
			return
		}
		s.counters.Steals++
		s.DispatchTask(task)
		s.TrimQueue()
	}
}

// EvacuateFollowers drains all reachable work: trim locally, then steal
// and offer termination until every worker is done.
func (s *ParScanThreadState) EvacuateFollowers() {
	s.TrimQueue()
	for {
		s.StealAndTrimQueue()
		if s.shared.Terminator.OfferTermination() {
			return
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/orizon-lang/gcpause/internal/cli"
	"github.com/orizon-lang/gcpause/internal/collector"
	"github.com/orizon-lang/gcpause/internal/config"
	gcerrors "github.com/orizon-lang/gcpause/internal/errors"
	"github.com/orizon-lang/gcpause/internal/heap"
	"github.com/orizon-lang/gcpause/internal/refine"
)

// Root slot layout of the synthetic mutator. Every reference the mutator
// keeps across an allocation lives in a root slot, since any allocation may
// trigger a pause that moves objects.
const (
	holderSlots = 16
	ringSlots   = 32
	headSlot    = holderSlots
	ringStart   = headSlot + 1
	dataStart   = ringStart + ringSlots

	maxListLength = 8
	arrayLength   = 64
)

// workloadOptions tunes the mutator and the pause schedule.
type workloadOptions struct {
	YoungRegions uint64 // eden regions between pauses
	MixedEvery   int    // every n-th pause also evacuates old regions
	InjectEvery  int    // every n-th pause arms failure injection
	Verify       bool
	Seed         int64
}

// pauseRecord is the per-pause line of the JSON report.
type pauseRecord struct {
	Pause          uint64  `json:"pause"`
	Kind           string  `json:"kind"`
	DurationMS     float64 `json:"duration_ms"`
	Increments     int     `json:"increments"`
	Regions        int     `json:"collection_set_regions"`
	Failed         int     `json:"failed_regions"`
	Freed          int     `json:"freed_regions"`
	CopiedWords    uint64  `json:"copied_words"`
	Redirtied      int     `json:"redirtied_cards"`
	EagerReclaimed int     `json:"eager_reclaimed"`
	Injected       uint64  `json:"injected_failures"`
	Tenuring       uint    `json:"tenuring_threshold"`
	Error          string  `json:"error,omitempty"`
}

// workload is a single mutator driving allocation, reference stores and
// pauses against one collector.
type workload struct {
	ctx     context.Context
	c       *collector.Collector
	h       *heap.Heap
	logger  *cli.Logger
	barrier *refine.Barrier
	rng     *rand.Rand
	opts    workloadOptions
	configs <-chan config.Config

	pair    *heap.Class
	objects *heap.Class
	longs   *heap.Class

	listLength int
	ringNext   int
	edenMark   uint64
	records    []pauseRecord
	steps      uint64
}

func newWorkload(ctx context.Context, c *collector.Collector, logger *cli.Logger, opts workloadOptions) (*workload, error) {
	if c.Roots().Len() <= dataStart {
		return nil, fmt.Errorf("need more than %d root slots, have %d", dataStart, c.Roots().Len())
	}
	if opts.YoungRegions == 0 {
		opts.YoungRegions = 1
	}
	h := c.Heap()
	w := &workload{
		ctx:     ctx,
		c:       c,
		h:       h,
		logger:  logger,
		barrier: c.NewBarrier(),
		rng:     rand.New(rand.NewSource(opts.Seed)),
		opts:    opts,
		pair:    h.Classes().DefineInstance("Pair", 2, 0),
		objects: h.Classes().Lookup(heap.ClassObjectArray),
		longs:   h.Classes().Lookup(heap.ClassLongArray),
	}
	for i := 0; i < holderSlots; i++ {
		obj, err := w.alloc(w.pair, 0, true)
		if err != nil {
			return nil, err
		}
		c.Roots().Set(i, obj)
	}
	return w, nil
}

func field(obj heap.Addr, i int) heap.Addr { return obj + heap.InstanceHeaderWords + heap.Addr(i) }

func isOutOfMemory(err error) bool {
	return errors.Is(err, &gcerrors.StandardError{Category: gcerrors.CategoryMemory, Code: "OUT_OF_MEMORY"})
}

// alloc allocates, pausing when eden is exhausted. If a pause does not free
// enough space the mutator drops its data and tries once more.
func (w *workload) alloc(c *heap.Class, length uint64, old bool) (heap.Addr, error) {
	obj, err := w.h.Allocator().NewObject(c, length, old)
	if err == nil || !isOutOfMemory(err) {
		return obj, err
	}
	if err := w.collect(); err != nil {
		return heap.Null, err
	}
	if obj, err = w.h.Allocator().NewObject(c, length, old); err == nil || !isOutOfMemory(err) {
		return obj, err
	}
	w.logger.Warn("heap exhausted after pause %d, dropping mutator data", len(w.records))
	w.dropData()
	if err := w.collect(); err != nil {
		return heap.Null, err
	}
	return w.h.Allocator().NewObject(c, length, old)
}

func (w *workload) dropData() {
	roots := w.c.Roots()
	for i := headSlot; i < roots.Len(); i++ {
		roots.Set(i, heap.Null)
	}
	for i := 0; i < holderSlots; i++ {
		holder := roots.Get(i)
		w.h.StoreRef(field(holder, 0), heap.Null)
		w.h.StoreRef(field(holder, 1), heap.Null)
	}
	w.listLength = 0
}

func (w *workload) ringEntry() heap.Addr {
	return w.c.Roots().Get(ringStart + w.rng.Intn(ringSlots))
}

func (w *workload) dataSlot() int {
	return dataStart + w.rng.Intn(w.c.Roots().Len()-dataStart)
}

func (w *workload) holder() heap.Addr {
	return w.c.Roots().Get(w.rng.Intn(holderSlots))
}

// Step performs one mutator action: a young pair appended to the current
// list, plus occasionally an old-to-young store, an object array, an old
// object or a humongous array.
func (w *workload) Step() error {
	roots := w.c.Roots()
	p, err := w.alloc(w.pair, 0, false)
	if err != nil {
		return err
	}
	if head := roots.Get(headSlot); head != heap.Null && w.listLength < maxListLength {
		w.barrier.WriteRef(field(p, 0), head)
		w.listLength++
	} else {
		if head != heap.Null {
			roots.Set(w.dataSlot(), head)
		}
		w.listLength = 1
	}
	roots.Set(headSlot, p)
	roots.Set(ringStart+w.ringNext, p)
	w.ringNext = (w.ringNext + 1) % ringSlots

	switch n := w.rng.Intn(1000); {
	case n < 60:
		w.barrier.WriteRef(field(w.holder(), w.rng.Intn(2)), roots.Get(headSlot))
	case n < 65:
		arr, err := w.alloc(w.objects, arrayLength, false)
		if err != nil {
			return err
		}
		for i := uint64(0); i < arrayLength; i++ {
			w.barrier.WriteRef(heap.ArrayElement(arr, i), w.ringEntry())
		}
		w.barrier.WriteRef(field(w.holder(), w.rng.Intn(2)), arr)
	case n < 85:
		o, err := w.alloc(w.pair, 0, true)
		if err != nil {
			return err
		}
		w.barrier.WriteRef(field(o, 0), w.ringEntry())
		roots.Set(w.dataSlot(), o)
	case n < 87:
		arr, err := w.alloc(w.longs, w.h.RegionWords()*3/4, false)
		if err != nil {
			return err
		}
		if w.rng.Intn(2) == 0 {
			roots.Set(w.dataSlot(), arr)
		}
	}
	w.steps++

	if w.h.Allocator().Stats().EdenRegions-w.edenMark >= w.opts.YoungRegions {
		return w.collect()
	}
	return nil
}

// request builds the collection set of the next pause: young regions
// always, and on mixed pauses up to two old regions plus one optional.
func (w *workload) request(pause int) collector.PauseRequest {
	req := collector.PauseRequest{
		InjectFailure: w.opts.InjectEvery > 0 && pause%w.opts.InjectEvery == 0,
		VerifyTasks:   w.opts.Verify,
	}
	if w.opts.MixedEvery <= 0 || pause%w.opts.MixedEvery != 0 {
		return req
	}
	var old []*heap.Region
	w.h.Regions(func(r *heap.Region) bool {
		if r.IsOld() && r.RemSet().IsComplete() {
			old = append(old, r)
		}
		return true
	})
	sort.Slice(old, func(i, j int) bool { return old[i].Used() < old[j].Used() })
	for i, r := range old {
		switch {
		case i < 2:
			req.OldRegions = append(req.OldRegions, r.Index())
		case i == 2:
			req.OptionalRegions = [][]uint32{{r.Index()}}
		}
	}
	return req
}

func (w *workload) applyPending() {
	for {
		select {
		case cfg := <-w.configs:
			if err := w.c.Apply(cfg); err != nil {
				w.logger.Warn("configuration rejected: %v", err)
			}
		default:
			return
		}
	}
}

func (w *workload) collect() error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	w.applyPending()
	pause := len(w.records) + 1
	st, err := w.c.Pause(w.ctx, w.request(pause))
	if st == nil {
		return err
	}
	rec := pauseRecord{
		Pause:          st.Pause,
		Kind:           st.Kind,
		DurationMS:     float64(st.Duration) / float64(time.Millisecond),
		Increments:     st.Increments,
		Regions:        len(st.CollectionSet),
		Failed:         len(st.FailedRegions),
		Freed:          st.FreedRegions,
		CopiedWords:    st.Evac.Counters.CopiedWords,
		Redirtied:      st.RedirtiedCards,
		EagerReclaimed: len(st.EagerReclaimed),
		Injected:       st.InjectedFailures,
		Tenuring:       st.TenuringThreshold,
	}
	if err != nil {
		if !errors.Is(err, &gcerrors.StandardError{Category: gcerrors.CategoryPause, Code: "TO_SPACE_EXHAUSTED"}) {
			return err
		}
		rec.Error = err.Error()
		w.logger.Warn("pause %d: %v", st.Pause, err)
	}
	w.records = append(w.records, rec)
	w.logger.Debug("pause %d: merged %d remset, %d log, %d hot cards; scanned %d cards; copied %d objects",
		st.Pause, st.Merge.RemSetCards, st.Merge.LogCards, st.Merge.HotCards, st.Scan.CardsScanned,
		st.Evac.Counters.CopiedObjects)
	w.edenMark = w.h.Allocator().Stats().EdenRegions
	return nil
}

// Run steps the mutator until pauses pauses have completed or ctx is done.
func (w *workload) Run(pauses int) error {
	for len(w.records) < pauses {
		if err := w.ctx.Err(); err != nil {
			return nil
		}
		if err := w.Step(); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Records returns the pauses run so far.
func (w *workload) Records() []pauseRecord { return w.records }

// Steps returns the mutator actions performed.
func (w *workload) Steps() uint64 { return w.steps }

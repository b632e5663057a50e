// Package collector drives evacuation pauses: it builds the collection set,
// runs the merge, scan and copy phases for the initial and every optional
// increment on a pool of workers, and cleans up afterwards. Between pauses
// it runs concurrent refinement.
package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/gcpause/internal/cardtable"
	"github.com/orizon-lang/gcpause/internal/cli"
	"github.com/orizon-lang/gcpause/internal/config"
	gcerrors "github.com/orizon-lang/gcpause/internal/errors"
	"github.com/orizon-lang/gcpause/internal/evac"
	"github.com/orizon-lang/gcpause/internal/heap"
	"github.com/orizon-lang/gcpause/internal/refine"
	"github.com/orizon-lang/gcpause/internal/remset"
	"github.com/orizon-lang/gcpause/internal/runtime/numa"
	"github.com/orizon-lang/gcpause/internal/telemetry"
)

// PauseRequest selects what a pause evacuates besides the young regions,
// which are always collected.
type PauseRequest struct {
	// OldRegions join the initial increment.
	OldRegions []uint32
	// OptionalRegions are evacuated group by group in further increments.
	OptionalRegions [][]uint32
	// InjectFailure arms the configured evacuation failure injection.
	InjectFailure bool
	// VerifyTasks checks that every queued task is processed exactly once.
	VerifyTasks bool
}

// PauseStats describes one finished pause.
type PauseStats struct {
	Pause             uint64
	Kind              string
	Duration          time.Duration
	Increments        int
	YoungRegions      int
	OldRegions        int
	CollectionSet     []uint32 // every region evacuated, in increment order
	FailedRegions     []uint32
	RetainedWords     uint64 // live words left in failed regions
	FreedRegions      int
	EagerReclaimed    []uint32 // start regions of reclaimed humongous objects
	RedirtiedCards    int
	InjectedFailures  uint64 // copy attempts failed on purpose
	TerminationYields uint64 // idle spins while offering termination
	TasksPushed       int    // ledger totals, only with VerifyTasks
	TasksProcessed    int
	TenuringThreshold uint // for the next pause
	Merge             remset.MergeStats
	Scan              remset.ScanStats
	Evac              evac.Stats
}

// Collector owns the heap and every structure shared across pauses.
type Collector struct {
	mutex  sync.Mutex   // one pause or reconfiguration at a time
	gate   sync.RWMutex // pauses exclude refinement
	config config.Config
	logger *cli.Logger

	heap     *heap.Heap
	topology *numa.Topology
	roots    *heap.RootSet
	cards    *cardtable.CardTable
	scan     *cardtable.ScanState
	attrs    *evac.AttrTable
	dcqs     *refine.DirtyCardQueueSet
	hcc      *refine.HotCardCache
	refiner  *refine.Refiner
	merger   *remset.Merger
	scanner  *remset.Scanner
	injector *evac.FailureInjector
	optional *evac.OptionalRemSets
	failed   *cardtable.DirtyRegionSet
	times    *telemetry.PhaseTimes

	tenuringThreshold uint
	pauses            uint64
	failedPauses      uint64
	injectedTotal     uint64
	last              *PauseStats
}

// New creates the heap and the collector for cfg with rootSlots root slots.
func New(cfg config.Config, logger *cli.Logger, rootSlots int) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = cli.Discard()
	}
	topo := numa.NewTopology(cfg.NumaNodes)
	hcfg := cfg.Heap()
	hcfg.NumaNodes = topo.NodeCount()
	h, err := heap.New(hcfg)
	if err != nil {
		return nil, err
	}
	h.Allocator().SetNodeOrder(topo.Nearest)

	c := &Collector{
		config:            cfg,
		logger:            logger,
		heap:              h,
		topology:          topo,
		roots:             heap.NewRootSet(rootSlots),
		attrs:             evac.NewAttrTable(h),
		optional:          evac.NewOptionalRemSets(),
		failed:            cardtable.NewDirtyRegionSet(h.MaxRegions()),
		times:             telemetry.NewPhaseTimes(cfg.ParallelWorkers),
		tenuringThreshold: cfg.TenuringThreshold,
	}
	c.cards = cardtable.New(h)
	c.scan = cardtable.NewScanState(h, c.cards)
	c.dcqs = refine.NewDirtyCardQueueSet(cfg.LogBufferSize, cfg.SharedQueueSize)
	c.hcc = refine.NewHotCardCache(h.NumCards(), cfg.HotCardCacheSize, cfg.HotCardCountLimit)
	c.refiner = refine.NewRefiner(h, c.cards, c.hcc, c.dcqs, &c.gate)
	if err := c.configure(cfg); err != nil {
		_ = h.Close()
		return nil, err
	}
	logger.Debug("heap: %d regions of %d words, %s", h.MaxRegions(), h.RegionWords(), topo)
	return c, nil
}

// configure installs the settings that may change between pauses.
func (c *Collector) configure(cfg config.Config) error {
	merger, err := remset.NewMerger(c.heap, c.scan, c.attrs, c.hcc, c.dcqs, c.times, cfg.Merge())
	if err != nil {
		return err
	}
	c.merger = merger
	c.scanner = remset.NewScanner(c.heap, c.scan, c.optional, c.times, cfg.ParallelWorkers)
	c.injector = evac.NewFailureInjector(cfg.EvacuationFailureALotInterval)
	if cfg.Verbose {
		c.logger.Verbose = true
	}
	if cfg.Debug {
		c.logger.DebugMode = true
	}
	c.config = cfg
	return nil
}

// Apply switches to cfg for the following pauses. Heap geometry and the
// sizes of the refinement structures are fixed at creation.
func (c *Collector) Apply(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	old := c.config
	switch {
	case cfg.Heap() != old.Heap():
		return gcerrors.InvalidConfig("region_words", cfg.RegionWords, "heap geometry cannot change at runtime")
	case cfg.HotCardCacheSize != old.HotCardCacheSize || cfg.HotCardCountLimit != old.HotCardCountLimit:
		return gcerrors.InvalidConfig("hot_card_cache_size", cfg.HotCardCacheSize, "cannot change at runtime")
	case cfg.LogBufferSize != old.LogBufferSize || cfg.SharedQueueSize != old.SharedQueueSize:
		return gcerrors.InvalidConfig("log_buffer_size", cfg.LogBufferSize, "cannot change at runtime")
	}
	if err := c.configure(cfg); err != nil {
		return err
	}
	if cfg.TenuringThreshold != old.TenuringThreshold {
		c.tenuringThreshold = cfg.TenuringThreshold
	}
	c.logger.Info("configuration applied: %d workers", cfg.ParallelWorkers)
	return nil
}

// Close releases the heap.
func (c *Collector) Close() error { return c.heap.Close() }

// Heap returns the collected heap.
func (c *Collector) Heap() *heap.Heap { return c.heap }

// Roots returns the root slots scanned by every pause.
func (c *Collector) Roots() *heap.RootSet { return c.roots }

// Cards returns the card table.
func (c *Collector) Cards() *cardtable.CardTable { return c.cards }

// Queues returns the dirty card queue set fed by barriers.
func (c *Collector) Queues() *refine.DirtyCardQueueSet { return c.dcqs }

// Refiner returns the concurrent refinement engine.
func (c *Collector) Refiner() *refine.Refiner { return c.refiner }

// PhaseTimes returns the measurements of the last pause.
func (c *Collector) PhaseTimes() *telemetry.PhaseTimes { return c.times }

// TenuringThreshold returns the threshold the next pause uses.
func (c *Collector) TenuringThreshold() uint {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.tenuringThreshold
}

// NewBarrier returns a post-write barrier for one mutator.
func (c *Collector) NewBarrier() *refine.Barrier {
	return refine.NewBarrier(c.heap, c.cards, c.dcqs)
}

// Refine runs workers refinement goroutines until ctx is done.
func (c *Collector) Refine(ctx context.Context, workers int) error {
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error { return c.refiner.Run(gctx) })
	}
	return g.Wait()
}

// RefineAll refines every pending log buffer on the calling goroutine.
func (c *Collector) RefineAll() {
	c.dcqs.FlushAll()
	for c.refiner.Step() {
	}
}

// Metrics flattens the last pause and the heap state for an exporter.
func (c *Collector) Metrics() map[string]float64 {
	out := c.times.Snapshot()
	c.mutex.Lock()
	out["pauses_total"] = float64(c.pauses)
	out["failed_pauses_total"] = float64(c.failedPauses)
	out["injected_failures_total"] = float64(c.injectedTotal)
	out["tenuring_threshold"] = float64(c.tenuringThreshold)
	if c.last != nil {
		out["last_pause_seconds"] = c.last.Duration.Seconds()
		out["last_pause_copied_words"] = float64(c.last.Evac.Counters.CopiedWords)
		out["last_pause_failed_regions"] = float64(len(c.last.FailedRegions))
		out["last_pause_termination_yields"] = float64(c.last.TerminationYields)
	}
	c.mutex.Unlock()
	out["regions_committed"] = float64(c.heap.CommittedRegions())
	rs := c.refiner.Stats()
	out["refined_cards_total"] = float64(rs.Refined)
	out["remset_adds_total"] = float64(rs.RemSetAdds)
	return out
}

func invalidCSet(region uint32, reason string) error {
	return gcerrors.NewStandardError(gcerrors.CategoryValidation, "INVALID_COLLECTION_SET",
		fmt.Sprintf("region %d cannot be collected: %s", region, reason),
		map[string]interface{}{"region": region})
}

// checkRequest accepts old regions with complete remembered sets, each at
// most once.
func (c *Collector) checkRequest(req PauseRequest) error {
	seen := make(map[uint32]bool)
	check := func(i uint32) error {
		if i >= c.heap.MaxRegions() {
			return invalidCSet(i, "no such region")
		}
		if seen[i] {
			return invalidCSet(i, "listed twice")
		}
		seen[i] = true
		r := c.heap.RegionAt(i)
		if !r.IsOld() {
			return invalidCSet(i, "not an old region ("+r.Type().String()+")")
		}
		if !r.RemSet().IsComplete() {
			return invalidCSet(i, "remembered set is "+r.RemSet().State().String())
		}
		return nil
	}
	for _, i := range req.OldRegions {
		if err := check(i); err != nil {
			return err
		}
	}
	for _, group := range req.OptionalRegions {
		for _, i := range group {
			if err := check(i); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Collector) addToCSet(region uint32, attr evac.RegionAttr) {
	c.attrs.Set(region, attr)
	c.heap.RegionAt(region).SetInCollectionSet(true)
}

// Pause stops refinement and evacuates the young regions plus the
// requested old regions. Mutators must not run concurrently. Errors other
// than request validation leave the heap consistent; the returned stats
// are valid whenever they are non-nil.
func (c *Collector) Pause(ctx context.Context, req PauseRequest) (*PauseStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.checkRequest(req); err != nil {
		return nil, err
	}
	c.gate.Lock()
	defer c.gate.Unlock()

	start := time.Now()
	h := c.heap
	workers := c.config.ParallelWorkers
	c.pauses++
	c.times.Reset(workers)
	st := &PauseStats{Pause: c.pauses}

	c.dcqs.FlushAll()
	h.Allocator().BeginPause()

	c.attrs.Reset()
	c.failed.Reset()
	c.optional.Reset()
	var young []uint32
	h.Regions(func(r *heap.Region) bool {
		if r.IsYoung() {
			young = append(young, r.Index())
		}
		return true
	})
	for _, i := range young {
		c.addToCSet(i, evac.AttrYoung)
	}
	for _, i := range req.OldRegions {
		c.addToCSet(i, evac.AttrOld)
	}
	for _, group := range req.OptionalRegions {
		for _, i := range group {
			c.attrs.Set(i, evac.AttrOptional)
		}
	}
	c.scan.Reset()
	for i := uint32(0); i < h.MaxRegions(); i++ {
		c.scan.FreezeScanTop(i)
	}
	candidates := c.merger.SelectEagerReclaimCandidates()
	c.injector.Arm(req.InjectFailure)
	injectedBefore := c.injector.Injected()

	ecfg := c.config.Evac()
	ecfg.TenuringThreshold = c.tenuringThreshold
	queues := evac.NewTaskQueueSet(workers, ecfg.QueueCapacity)
	shared := &evac.Shared{
		Heap:            h,
		Cards:           c.cards,
		Attrs:           c.attrs,
		Queues:          queues,
		Terminator:      evac.NewTerminator(workers, queues),
		FailedRegions:   c.failed,
		OptionalRemSets: c.optional,
		Injector:        c.injector,
		Config:          ecfg,
		NodeForWorker:   c.topology.NodeForWorker,
	}
	if req.VerifyTasks {
		shared.Ledger = evac.NewTaskLedger()
	}
	pss := evac.NewThreadStateSet(shared)

	initial := append(append([]uint32(nil), young...), req.OldRegions...)
	increments := append([][]uint32{initial}, req.OptionalRegions...)
	prev := make([]evac.Counters, workers)
	for n, regions := range increments {
		first := n == 0
		if !first {
			c.scan.BeginIncrement()
			for _, i := range regions {
				c.addToCSet(i, evac.AttrOld)
				c.scan.FreezeScanTop(i)
			}
		}
		merge := regions
		if first {
			merge = append(append([]uint32(nil), regions...), candidates...)
		}
		ms, err := c.merger.MergeHeapRoots(ctx, first, merge)
		if err != nil {
			return nil, fmt.Errorf("merge increment %d: %w", n, err)
		}
		st.Merge = addMerge(st.Merge, ms)
		scanned, err := c.evacuateIncrement(shared, pss, regions, first, prev)
		if err != nil {
			return nil, fmt.Errorf("evacuate increment %d: %w", n, err)
		}
		st.Scan.Add(scanned)
		pss.FlushOptionalRefs()
		c.scan.FinishIncrement()
		st.CollectionSet = append(st.CollectionSet, regions...)
		st.Increments++
	}
	st.YoungRegions = len(young)
	st.OldRegions = len(st.CollectionSet) - len(young)
	if len(candidates) > 0 {
		c.times.RecordWorkItem(telemetry.PhaseMergeRS, 0, uint64(len(candidates)), telemetry.MergeRSEagerCandidates)
	}

	st.Evac = pss.Flush()
	st.InjectedFailures = c.injector.Injected() - injectedBefore
	st.TerminationYields = shared.Terminator.Yields()
	c.injectedTotal += st.InjectedFailures
	c.postEvacuate(pss, st, candidates)

	threshold := c.nextTenuringThreshold(&st.Evac, len(young))
	c.tenuringThreshold = threshold
	st.TenuringThreshold = threshold
	st.Kind = pauseKind(st)
	st.Duration = time.Since(start)
	c.last = st
	if st.Evac.Failed() {
		c.failedPauses++
	}

	var err error
	if shared.Ledger != nil {
		st.TasksPushed, st.TasksProcessed = shared.Ledger.Totals()
		if lerr := shared.Ledger.Verify(); lerr != nil {
			err = gcerrors.NewStandardError(gcerrors.CategoryPause, "TASK_ACCOUNTING", lerr.Error(), nil)
		}
	}
	if err == nil && pss.PreservedMarksOverflow() {
		err = gcerrors.ToSpaceExhausted(fmt.Sprintf("more than %d preserved headers in one worker", ecfg.PreservedMarksLimit))
	}
	c.logger.Info("Pause %s %d regions, %d failed, %.3fms", st.Kind, len(st.CollectionSet), len(st.FailedRegions),
		float64(st.Duration.Microseconds())/1000)
	return st, err
}

func addMerge(a, b remset.MergeStats) remset.MergeStats {
	a.RemSetCards += b.RemSetCards
	a.HotCards += b.HotCards
	a.LogCards += b.LogCards
	a.Skipped += b.Skipped
	a.Dirtied += b.Dirtied
	a.RegionsMerged += b.RegionsMerged
	a.LogBuffersMerged += b.LogBuffersMerged
	return a
}

func pauseKind(st *PauseStats) string {
	kind := "Young (Normal)"
	if st.OldRegions > 0 {
		kind = "Young (Mixed)"
	}
	if st.Evac.Failed() {
		kind += " (Evacuation Failure)"
	}
	return kind
}

// evacuateIncrement runs every worker over one increment: roots, dirty
// cards, collection set regions, then draining and stealing until
// termination. All workers must run at once for termination to complete.
func (c *Collector) evacuateIncrement(shared *evac.Shared, pss *evac.ThreadStateSet, regions []uint32, first bool, prev []evac.Counters) (remset.ScanStats, error) {
	workers := shared.Config.Workers
	shared.Terminator.Reset()
	claimer := remset.NewRegionClaimer(regions)
	copyPhase := telemetry.PhaseOptObjCopy
	if first {
		copyPhase = telemetry.PhaseObjCopy
	}
	perWorker := make([]remset.ScanStats, workers)

	var g errgroup.Group
	g.SetLimit(workers)
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			s := pss.StateFor(w)
			st := c.scanner.ScanRoots(s, c.roots)
			st.Add(c.scanner.ScanHeapRoots(s, first))
			st.Add(c.scanner.ScanCollectionSetRegions(s, claimer, first))

			start := time.Now()
			s.EvacuateFollowers()
			c.times.RecordTimeSeconds(copyPhase, w, time.Since(start).Seconds())
			cur := s.Counters()
			c.times.RecordWorkItem(copyPhase, w, cur.CopiedObjects-prev[w].CopiedObjects, telemetry.ObjCopyCopiedObjects)
			c.times.RecordWorkItem(copyPhase, w, cur.LostRaces-prev[w].LostRaces, telemetry.ObjCopyLostRaces)
			c.times.RecordWorkItem(copyPhase, w, cur.Steals-prev[w].Steals, telemetry.ObjCopySteals)
			prev[w] = cur
			perWorker[w] = st
			return nil
		})
	}
	err := g.Wait()
	var total remset.ScanStats
	for _, st := range perWorker {
		total.Add(st)
	}
	return total, err
}

// postEvacuate clears the merged cards, restores failed regions, frees the
// evacuated and eagerly reclaimed regions and redirties the cards of
// cross-region references created by copying.
func (c *Collector) postEvacuate(pss *evac.ThreadStateSet, st *PauseStats, candidates []uint32) {
	h := c.heap
	workers := c.config.ParallelWorkers

	start := time.Now()
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			c.scan.ClearAllDirty(w, workers)
			return nil
		})
	}
	_ = g.Wait()
	c.times.RecordTimeSeconds(telemetry.PhaseClearCards, 0, time.Since(start).Seconds())

	start = time.Now()
	st.FailedRegions = c.failed.Regions()
	for _, i := range st.FailedRegions {
		st.RetainedWords += evac.RemoveSelfForwards(h, h.RegionAt(i))
	}
	pss.RestorePreservedMarks()
	if len(st.FailedRegions) > 0 {
		c.logger.Debug("evacuation failed for %d objects (%d words) in %d regions",
			st.Evac.Failure.Objects, st.Evac.Failure.Words, len(st.FailedRegions))
	}
	c.times.RecordTimeSeconds(telemetry.PhaseRemoveSelfForwards, 0, time.Since(start).Seconds())

	start = time.Now()
	for _, i := range st.CollectionSet {
		if c.failed.Contains(i) {
			continue
		}
		c.freeRegion(i)
		st.FreedRegions++
	}
	c.times.RecordTimeSeconds(telemetry.PhaseFreeCSet, 0, time.Since(start).Seconds())

	start = time.Now()
	for _, i := range candidates {
		if !c.attrs.At(i).IsHumongousCandidate() {
			continue
		}
		st.FreedRegions += c.freeHumongous(i)
		st.EagerReclaimed = append(st.EagerReclaimed, i)
	}
	c.times.RecordTimeSeconds(telemetry.PhaseEagerReclaim, 0, time.Since(start).Seconds())

	start = time.Now()
	st.RedirtiedCards = c.redirty(st.Evac.RedirtyCards)
	c.times.RecordTimeSeconds(telemetry.PhaseRedirtyCards, 0, time.Since(start).Seconds())

	h.Allocator().ReleaseGCAllocRegions()
	c.attrs.Reset()
	c.optional.Reset()
	c.hcc.ResetCounts()
}

func (c *Collector) freeRegion(i uint32) {
	per := c.heap.CardsPerRegion()
	c.cards.ClearRegion(i)
	c.hcc.ResetCountsFor(uint64(i)*per, uint64(i+1)*per)
	c.heap.Allocator().FreeRegion(c.heap.RegionAt(i))
}

// freeHumongous frees the regions of the humongous object starting at
// region start and returns their number.
func (c *Collector) freeHumongous(start uint32) int {
	h := c.heap
	n := 1
	for i := start + 1; i < h.MaxRegions(); i++ {
		r := h.RegionAt(i)
		if s, ok := r.HumongousStartIndex(); !ok || s != start || r.IsStartsHumongous() {
			break
		}
		c.freeRegion(i)
		n++
	}
	c.freeRegion(start)
	return n
}

// redirty dirties cards and hands them to refinement in full buffers.
func (c *Collector) redirty(cards []uint64) int {
	size := c.dcqs.BufferSize()
	n := 0
	buf := make([]uint64, 0, size)
	for _, card := range cards {
		r := c.heap.RegionAt(c.heap.RegionIndexOfCard(card))
		if !r.IsOldOrHumongous() {
			continue
		}
		c.cards.MarkDirty(card)
		buf = append(buf, card)
		n++
		if len(buf) == size {
			c.dcqs.EnqueueCompleted(buf)
			buf = make([]uint64, 0, size)
		}
	}
	c.dcqs.EnqueueCompleted(buf)
	return n
}

// nextTenuringThreshold sizes survivor space from the configured limit, or
// from the young regions just collected when there is none.
func (c *Collector) nextTenuringThreshold(st *evac.Stats, youngRegions int) uint {
	capacity := uint64(c.config.MaxSurvivorRegions)
	if capacity == 0 {
		capacity = uint64(youngRegions)
	}
	capacity *= c.heap.RegionWords()
	return st.Ages.ComputeTenuringThreshold(capacity, c.config.TargetSurvivorPercent, c.config.MaxTenuringThreshold)
}

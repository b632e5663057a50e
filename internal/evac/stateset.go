package evac

import (
	"sort"
	"sync"

	gcerrors "github.com/orizon-lang/gcpause/internal/errors"
	"github.com/orizon-lang/gcpause/internal/heap"
)

// Stats aggregates every worker's results at the end of a pause.
type Stats struct {
	PLAB                [heap.NumGenerations]PLABStats
	Ages                AgeTable
	Counters            Counters
	Failure             FailureInfo
	PreservedMarks      int
	SurvivingYoungWords []uint64 // indexed by source region
	RedirtyCards        []uint64 // sorted, duplicates removed
	TenuringThreshold   uint
	Workers             int
}

// Merge adds o into s. Per-region and card lists are concatenated.
func (s *Stats) Merge(o Stats) {
	for g := range s.PLAB {
		s.PLAB[g].add(o.PLAB[g])
	}
	s.Ages.Merge(&o.Ages)
	s.Counters.add(o.Counters)
	s.Failure.Objects += o.Failure.Objects
	s.Failure.Words += o.Failure.Words
	s.PreservedMarks += o.PreservedMarks
	if len(s.SurvivingYoungWords) < len(o.SurvivingYoungWords) {
		grown := make([]uint64, len(o.SurvivingYoungWords))
		copy(grown, s.SurvivingYoungWords)
		s.SurvivingYoungWords = grown
	}
	for i, w := range o.SurvivingYoungWords {
		s.SurvivingYoungWords[i] += w
	}
	s.RedirtyCards = append(s.RedirtyCards, o.RedirtyCards...)
	if o.Workers > s.Workers {
		s.Workers = o.Workers
	}
}

// Failed reports whether any object failed to evacuate.
func (s *Stats) Failed() bool { return s.Failure.Objects > 0 }

// ThreadStateSet lazily creates one ParScanThreadState per worker and
// flushes them all exactly once.
type ThreadStateSet struct {
	shared  *Shared
	mutex   sync.Mutex
	states  []*ParScanThreadState
	flushed bool
}

// NewThreadStateSet creates the set for shared.Config.Workers workers.
func NewThreadStateSet(shared *Shared) *ThreadStateSet {
	return &ThreadStateSet{shared: shared, states: make([]*ParScanThreadState, shared.Config.Workers)}
}

// Shared returns the state shared by every worker.
func (ts *ThreadStateSet) Shared() *Shared { return ts.shared }

// StateFor returns the state of worker, creating it on first use.
func (ts *ThreadStateSet) StateFor(worker int) *ParScanThreadState {
	gcerrors.CheckIndex("worker", uint64(worker), uint64(len(ts.states)))
	ts.mutex.Lock()
	defer ts.mutex.Unlock()
	gcerrors.Assert(!ts.flushed, "STATE_FLUSHED", "worker state requested after flush")
	if ts.states[worker] == nil {
		ts.states[worker] = newParScanThreadState(ts.shared, worker)
	}
	return ts.states[worker]
}

// PreservedMarksOverflow reports whether some worker preserved more
// headers than allowed.
func (ts *ThreadStateSet) PreservedMarksOverflow() bool {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()
	for _, s := range ts.states {
		if s != nil && s.markLimit {
			return true
		}
	}
	return false
}

// FlushOptionalRefs hands every worker's buffered optional-region slots to
// the shared lists. Done between increments so the next one sees them.
func (ts *ThreadStateSet) FlushOptionalRefs() {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()
	for _, s := range ts.states {
		if s != nil {
			s.flushOptionalRefs()
		}
	}
}

// RestorePreservedMarks writes back the headers of self-forwarded objects.
// Call after the failed regions were cleaned up.
func (ts *ThreadStateSet) RestorePreservedMarks() {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()
	for _, s := range ts.states {
		if s != nil {
			s.preserved.Restore(ts.shared.Heap)
		}
	}
}

// Flush retires every buffer and aggregates worker results. A second call
// panics; worker states do not survive their pause.
func (ts *ThreadStateSet) Flush() Stats {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()
	gcerrors.Assert(!ts.flushed, "STATE_FLUSHED", "thread state set flushed twice")
	ts.flushed = true

	total := Stats{
		SurvivingYoungWords: make([]uint64, ts.shared.Heap.MaxRegions()),
		Workers:             len(ts.states),
	}
	for _, s := range ts.states {
		if s == nil {
			continue
		}
		total.Merge(s.flush())
	}
	total.RedirtyCards = dedupCards(total.RedirtyCards)
	return total
}

func dedupCards(cards []uint64) []uint64 {
	if len(cards) < 2 {
		return cards
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i] < cards[j] })
	out := cards[:1]
	for _, c := range cards[1:] {
		if c != out[len(out)-1] {
			out = append(out, c)
		}
	}
	return out
}

func (s *ParScanThreadState) flushOptionalRefs() {
	for region, refs := range s.optionalRefs {
		s.shared.OptionalRemSets.Add(region, refs)
		delete(s.optionalRefs, region)
	}
}

func (s *ParScanThreadState) flush() Stats {
	gcerrors.Assert(!s.flushed, "STATE_FLUSHED", "worker %d flushed twice", s.worker)
	s.flushed = true
	s.flushOptionalRefs()
	st := Stats{
		PLAB:                s.plab.Flush(),
		Ages:                s.ages,
		Counters:            s.counters,
		Failure:             s.failure,
		PreservedMarks:      s.preserved.Len(),
		SurvivingYoungWords: s.survivingYoung,
		RedirtyCards:        s.redirty,
	}
	s.redirty = nil
	return st
}

// Package telemetry records per-phase, per-worker pause timings and work
// counts and exposes them to scrapers over HTTP or HTTP/3.
package telemetry

import (
	"fmt"
	"math"
	"sync"
)

// Phase identifies a timed part of a pause.
type Phase int

const (
	PhaseExtRootScan Phase = iota
	PhaseMergeRS
	PhaseOptMergeRS
	PhaseScanHR
	PhaseOptScanHR
	PhaseCodeRoots
	PhaseObjCopy
	PhaseOptObjCopy
	PhaseTermination
	PhaseClearCards
	PhaseFreeCSet
	PhaseRemoveSelfForwards
	PhaseEagerReclaim
	PhaseRedirtyCards
	NumPhases
)

var phaseNames = [NumPhases]string{
	"ext_root_scan",
	"merge_rs",
	"opt_merge_rs",
	"scan_hr",
	"opt_scan_hr",
	"code_roots",
	"obj_copy",
	"opt_obj_copy",
	"termination",
	"clear_cards",
	"free_cset",
	"remove_self_forwards",
	"eager_reclaim",
	"redirty_cards",
}

func (p Phase) String() string {
	if p < 0 || p >= NumPhases {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Work item subcategories. Each phase uses its own subset.
const (
	MergeRSRemSetCards = iota
	MergeRSHotCards
	MergeRSLogCards
	MergeRSSkippedCards
	MergeRSEagerCandidates
	numMergeItems
)

const (
	ScanHRScannedCards = iota
	ScanHRScannedBlocks
	ScanHRClaimedChunks
	ScanHRScannedOptRefs
	numScanItems
)

const (
	CodeRootsScannedBlobs = iota
	numCodeRootItems
)

const (
	ObjCopyCopiedObjects = iota
	ObjCopyLostRaces
	ObjCopySteals
	numObjCopyItems
)

const maxItems = numMergeItems

// Sink receives pause measurements from the engine.
type Sink interface {
	RecordTimeSeconds(phase Phase, worker int, seconds float64)
	RecordWorkItem(phase Phase, worker int, count uint64, item int)
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) RecordTimeSeconds(Phase, int, float64)   {}
func (discard) RecordWorkItem(Phase, int, uint64, int) {}

// PhaseTimes keeps the measurements of the last pause. Workers record into
// disjoint slots; reads lock out writers.
type PhaseTimes struct {
	mutex   sync.RWMutex
	workers int
	times   [NumPhases][]float64
	items   [NumPhases][maxItems][]uint64
	set     [NumPhases][]bool
	pauses  uint64
}

// NewPhaseTimes creates a sink for workers.
func NewPhaseTimes(workers int) *PhaseTimes {
	pt := &PhaseTimes{}
	pt.Reset(workers)
	return pt
}

// Reset forgets the previous pause.
func (pt *PhaseTimes) Reset(workers int) {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()
	if workers < 1 {
		workers = 1
	}
	pt.workers = workers
	for p := range pt.times {
		pt.times[p] = make([]float64, workers)
		pt.set[p] = make([]bool, workers)
		for i := range pt.items[p] {
			pt.items[p][i] = make([]uint64, workers)
		}
	}
	pt.pauses++
}

// Workers returns the worker count of the current pause.
func (pt *PhaseTimes) Workers() int {
	pt.mutex.RLock()
	defer pt.mutex.RUnlock()
	return pt.workers
}

func (pt *PhaseTimes) valid(phase Phase, worker int) bool {
	return phase >= 0 && phase < NumPhases && worker >= 0 && worker < pt.workers
}

// RecordTimeSeconds adds seconds to the time of worker in phase.
func (pt *PhaseTimes) RecordTimeSeconds(phase Phase, worker int, seconds float64) {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()
	if !pt.valid(phase, worker) {
		return
	}
	pt.times[phase][worker] += seconds
	pt.set[phase][worker] = true
}

// RecordWorkItem adds count to subcategory item of worker in phase.
func (pt *PhaseTimes) RecordWorkItem(phase Phase, worker int, count uint64, item int) {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()
	if !pt.valid(phase, worker) || item < 0 || item >= maxItems {
		return
	}
	pt.items[phase][item][worker] += count
}

// Summary aggregates one phase over workers.
type Summary struct {
	Workers int // workers that recorded a time
	Sum     float64
	Min     float64
	Max     float64
}

// Avg returns the mean over recording workers.
func (s Summary) Avg() float64 {
	if s.Workers == 0 {
		return 0
	}
	return s.Sum / float64(s.Workers)
}

// Summarize aggregates the times of phase.
func (pt *PhaseTimes) Summarize(phase Phase) Summary {
	pt.mutex.RLock()
	defer pt.mutex.RUnlock()
	s := Summary{Min: math.Inf(1)}
	for w, t := range pt.times[phase] {
		if !pt.set[phase][w] {
			continue
		}
		s.Workers++
		s.Sum += t
		s.Min = math.Min(s.Min, t)
		s.Max = math.Max(s.Max, t)
	}
	if s.Workers == 0 {
		s.Min = 0
	}
	return s
}

// WorkItems returns the total of subcategory item in phase.
func (pt *PhaseTimes) WorkItems(phase Phase, item int) uint64 {
	pt.mutex.RLock()
	defer pt.mutex.RUnlock()
	var n uint64
	for _, c := range pt.items[phase][item] {
		n += c
	}
	return n
}

// Snapshot flattens the last pause into metric name/value pairs.
func (pt *PhaseTimes) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	for p := Phase(0); p < NumPhases; p++ {
		s := pt.Summarize(p)
		if s.Workers == 0 {
			continue
		}
		out[p.String()+"_seconds_sum"] = s.Sum
		out[p.String()+"_seconds_max"] = s.Max
		for i := 0; i < maxItems; i++ {
			if n := pt.WorkItems(p, i); n > 0 {
				out[fmt.Sprintf("%s_items_%d", p, i)] = float64(n)
			}
		}
	}
	pt.mutex.RLock()
	out["pauses"] = float64(pt.pauses - 1)
	pt.mutex.RUnlock()
	return out
}

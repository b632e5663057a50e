package evac

import "github.com/orizon-lang/gcpause/internal/heap"

// AgeTable is a histogram of surviving young words by object age.
type AgeTable struct {
	sizes [heap.MaxAge + 1]uint64
}

// Add records words surviving at age.
func (t *AgeTable) Add(age uint, words uint64) {
	if age > heap.MaxAge {
		age = heap.MaxAge
	}
	t.sizes[age] += words
}

// Words returns the words recorded at age.
func (t *AgeTable) Words(age uint) uint64 { return t.sizes[age] }

// Merge adds other into t.
func (t *AgeTable) Merge(other *AgeTable) {
	for i := range t.sizes {
		t.sizes[i] += other.sizes[i]
	}
}

// Total returns all recorded words.
func (t *AgeTable) Total() uint64 {
	var n uint64
	for _, s := range t.sizes {
		n += s
	}
	return n
}

// ComputeTenuringThreshold returns the smallest age at which the
// cumulative survivor volume exceeds targetPercent of survivorCapacity,
// capped at maxThreshold.
func (t *AgeTable) ComputeTenuringThreshold(survivorCapacity uint64, targetPercent uint64, maxThreshold uint) uint {
	desired := survivorCapacity * targetPercent / 100
	var total uint64
	age := uint(1)
	for age < uint(len(t.sizes)) {
		total += t.sizes[age]
		if total > desired {
			break
		}
		age++
	}
	if age > maxThreshold {
		age = maxThreshold
	}
	return age
}

package proctor

import (
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Record is the outcome of one recorded violation.
type Record struct {
	Count    int
	Exceeded bool
}

// Tracker keeps per-category violation counts against a shared threshold.
// It decides when a category is exhausted, not what happens then.
type Tracker struct {
	max    int
	counts map[model.ViolationCategory]int
}

// NewTracker returns a Tracker with all categories at zero. A non-positive
// max falls back to model.DefaultMaxWarnings.
func NewTracker(max int) *Tracker {
	if max <= 0 {
		max = model.DefaultMaxWarnings
	}
	t := &Tracker{max: max}
	t.Reset()
	return t
}

// RecordViolation increments the category and reports whether the threshold
// has been reached.
func (t *Tracker) RecordViolation(c model.ViolationCategory) Record {
	t.counts[c]++
	n := t.counts[c]
	return Record{Count: n, Exceeded: n >= t.max}
}

// Reset zeroes every category. Only used when a session is created.
func (t *Tracker) Reset() {
	t.counts = make(map[model.ViolationCategory]int, len(model.ViolationCategories))
	for _, c := range model.ViolationCategories {
		t.counts[c] = 0
	}
}

// Count returns the current count for c.
func (t *Tracker) Count(c model.ViolationCategory) int {
	return t.counts[c]
}

// Counts returns a copy of all counters.
func (t *Tracker) Counts() map[model.ViolationCategory]int {
	out := make(map[model.ViolationCategory]int, len(t.counts))
	for c, n := range t.counts {
		out[c] = n
	}
	return out
}

// Max returns the configured threshold.
func (t *Tracker) Max() int {
	return t.max
}

package frontier

import (
	"iter"
	"slices"
)

// MutableAntichain tracks a multiset of timestamps with signed counts and
// exposes the antichain of minimal elements whose count is positive.
//
// The frontier is recomputed lazily on the first read after an update.
// Not goroutine-safe.
type MutableAntichain[T Timestamp[T]] struct {
	counts   map[T]int64
	frontier Antichain[T]
	dirty    bool
}

// NewMutableAntichain returns an empty MutableAntichain.
func NewMutableAntichain[T Timestamp[T]]() *MutableAntichain[T] {
	return &MutableAntichain[T]{counts: make(map[T]int64)}
}

// Update applies a single signed delta.
func (m *MutableAntichain[T]) Update(t T, delta int64) {
	if delta == 0 {
		return
	}
	if m.counts == nil {
		m.counts = make(map[T]int64)
	}
	n := m.counts[t] + delta
	if n == 0 {
		delete(m.counts, t)
	} else {
		m.counts[t] = n
	}
	m.dirty = true
}

// UpdateIter applies a sequence of signed deltas.
func (m *MutableAntichain[T]) UpdateIter(updates iter.Seq2[T, int64]) {
	for t, d := range updates {
		m.Update(t, d)
	}
}

// Frontier returns the minimal elements with positive count. The result
// is cached until the next update.
func (m *MutableAntichain[T]) Frontier() Antichain[T] {
	if m.dirty {
		m.rebuild()
	}
	return m.frontier
}

// Count returns the accumulated count of t.
func (m *MutableAntichain[T]) Count(t T) int64 { return m.counts[t] }

// IsEmpty reports whether no element has a positive count.
func (m *MutableAntichain[T]) IsEmpty() bool { return m.Frontier().IsEmpty() }

// LessEqual reports whether some frontier element is less than or equal
// to t.
func (m *MutableAntichain[T]) LessEqual(t T) bool { return m.Frontier().LessEqual(t) }

func (m *MutableAntichain[T]) rebuild() {
	positive := make([]T, 0, len(m.counts))
	for t, n := range m.counts {
		if n > 0 {
			positive = append(positive, t)
		}
	}
	// Sorting by a linear extension means an element can only be dominated
	// by one already inserted, so no insert ever evicts.
	slices.SortFunc(positive, func(a, b T) int { return a.Compare(b) })
	var f Antichain[T]
	for _, t := range positive {
		f.Insert(t)
	}
	m.frontier = f
	m.dirty = false
}

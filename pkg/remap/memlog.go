package remap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/daviddao/reclock/pkg/frontier"
	"github.com/daviddao/reclock/pkg/model"
)

// MemLog is an in-process remap log. It is safe for concurrent use and
// linearizes appends under a single mutex, which makes it a faithful
// stand-in for a durable log in tests and simulations.
type MemLog[F frontier.Timestamp[F], I frontier.Lattice[I]] struct {
	mu               sync.Mutex
	batches          []memBatch[F, I]
	upper            frontier.Antichain[I]
	since            frontier.Antichain[I]
	seqno            uint64
	compactedThrough uint64
	changed          chan struct{}
}

type memBatch[F frontier.Timestamp[F], I frontier.Lattice[I]] struct {
	seqno   uint64
	updates []model.Binding[F, I]
	upper   frontier.Antichain[I]
}

// NewMemLog returns an empty log whose upper and since are the minimum.
func NewMemLog[F frontier.Timestamp[F], I frontier.Lattice[I]]() *MemLog[F, I] {
	return &MemLog[F, I]{
		upper:   frontier.MinimumAntichain[I](),
		since:   frontier.MinimumAntichain[I](),
		changed: make(chan struct{}),
	}
}

// Open returns a handle that reads the log from the beginning with every
// binding time advanced by asOf.
func (l *MemLog[F, I]) Open(asOf frontier.Antichain[I]) (*MemHandle[F, I], error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !frontier.FrontierLessEqual(l.since, asOf) {
		return nil, fmt.Errorf("%w: as-of %v, since %v", ErrSinceAhead, asOf, l.since)
	}
	return &MemHandle[F, I]{log: l, asOf: asOf.Clone(), upper: l.upper.Clone()}, nil
}

// Upper returns the current upper.
func (l *MemLog[F, I]) Upper() frontier.Antichain[I] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.upper.Clone()
}

// Since returns the current compaction frontier.
func (l *MemLog[F, I]) Since() frontier.Antichain[I] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.since.Clone()
}

// Snapshot returns every binding in the log in append order.
func (l *MemLog[F, I]) Snapshot() []model.Binding[F, I] {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.Binding[F, I]
	for _, b := range l.batches {
		out = append(out, b.updates...)
	}
	return out
}

// Appends returns the number of successful appends.
func (l *MemLog[F, I]) Appends() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seqno
}

// DowngradeSince advances the since to the given frontier and compacts
// every batch whose upper is not beyond it into a single batch with its
// times advanced by since.
func (l *MemLog[F, I]) DowngradeSince(since frontier.Antichain[I]) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !frontier.FrontierLessEqual(l.since, since) {
		return fmt.Errorf("%w: since %v is behind %v", ErrInvalidUsage, since, l.since)
	}
	l.since = since.Clone()

	n := 0
	for n < len(l.batches) && frontier.FrontierLessEqual(l.batches[n].upper, since) {
		n++
	}
	if n == 0 {
		return nil
	}
	var settled []model.Binding[F, I]
	for _, b := range l.batches[:n] {
		settled = append(settled, b.updates...)
	}
	last := l.batches[n-1]
	merged := memBatch[F, I]{seqno: last.seqno, updates: Advance(settled, since), upper: last.upper}
	l.batches = append([]memBatch[F, I]{merged}, l.batches[n:]...)
	l.compactedThrough = last.seqno
	return nil
}

func (l *MemLog[F, I]) compareAndAppend(updates []model.Binding[F, I], expected, newUpper frontier.Antichain[I]) error {
	if err := ValidateAppend(updates, expected, newUpper); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.upper.Equal(expected) {
		return &UpperMismatch[I]{Expected: expected.Clone(), Current: l.upper.Clone()}
	}
	l.seqno++
	l.batches = append(l.batches, memBatch[F, I]{
		seqno:   l.seqno,
		updates: model.Consolidate(updates),
		upper:   newUpper.Clone(),
	})
	l.upper = newUpper.Clone()
	close(l.changed)
	l.changed = make(chan struct{})
	return nil
}

// MemHandle reads and writes a MemLog. A handle is owned by a single
// goroutine.
type MemHandle[F frontier.Timestamp[F], I frontier.Lattice[I]] struct {
	log    *MemLog[F, I]
	asOf   frontier.Antichain[I]
	cursor uint64
	read   frontier.Antichain[I]
	upper  frontier.Antichain[I]
}

var _ Handle[model.Partitioned, model.Millis] = (*MemHandle[model.Partitioned, model.Millis])(nil)

func (h *MemHandle[F, I]) Upper() frontier.Antichain[I] { return h.upper }

func (h *MemHandle[F, I]) Next(ctx context.Context) ([]model.Binding[F, I], frontier.Antichain[I], error) {
	l := h.log
	for {
		l.mu.Lock()
		if h.cursor < l.compactedThrough && (h.cursor != 0 || !frontier.FrontierLessEqual(l.since, h.asOf)) {
			l.mu.Unlock()
			return nil, frontier.Antichain[I]{}, fmt.Errorf("%w: read through %d, compacted through %d", ErrCompacted, h.cursor, l.compactedThrough)
		}
		var updates []model.Binding[F, I]
		found := false
		for _, b := range l.batches {
			if b.seqno <= h.cursor {
				continue
			}
			updates = append(updates, b.updates...)
			h.cursor = b.seqno
			h.read = b.upper.Clone()
			found = true
		}
		if found {
			h.upper = l.upper.Clone()
			l.mu.Unlock()
			return Advance(updates, h.asOf), h.read.Clone(), nil
		}
		if h.cursor > 0 && h.read.IsEmpty() {
			l.mu.Unlock()
			return nil, frontier.Antichain[I]{}, ErrClosed
		}
		changed := l.changed
		l.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, frontier.Antichain[I]{}, ctx.Err()
		}
	}
}

func (h *MemHandle[F, I]) CompareAndAppend(ctx context.Context, updates []model.Binding[F, I], expected, newUpper frontier.Antichain[I]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := h.log.compareAndAppend(updates, expected, newUpper)
	var mismatch *UpperMismatch[I]
	switch {
	case err == nil:
		h.upper = newUpper.Clone()
	case errors.As(err, &mismatch):
		h.upper = mismatch.Current.Clone()
	}
	return err
}

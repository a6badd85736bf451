// Package model defines the core domain types for reclock.
//
// Reclock maintains the correspondence between two notions of time:
//
//   - FromTime: the source's native progress coordinate, e.g. a Kafka
//     offset per partition. It is only partially ordered: partitions
//     advance independently.
//
//   - IntoTime: the logical time of the processing engine. It must form
//     a lattice so frontiers can be advanced and compacted.
//
// The correspondence is a collection of signed bindings. Accumulating all
// bindings at or before an IntoTime t yields, with multiplicity one, the
// source frontier as of t.
package model

import (
	"cmp"
	"fmt"
	"math"
	"strconv"

	"github.com/daviddao/reclock/pkg/frontier"
)

// Millis is a totally ordered IntoTime, typically milliseconds since the
// Unix epoch.
type Millis uint64

func (m Millis) LessEqual(other Millis) bool { return m <= other }
func (m Millis) Minimum() Millis { return 0 }
func (m Millis) Join(other Millis) Millis { return max(m, other) }
func (m Millis) Meet(other Millis) Millis { return min(m, other) }
func (m Millis) String() string { return strconv.FormatUint(uint64(m), 10) }

func (m Millis) Compare(other Millis) int {
	switch {
	case m < other:
		return -1
	case m > other:
		return 1
	}
	return 0
}

// Next returns m+1, saturating at the maximum value.
func (m Millis) Next() Millis {
	if m == math.MaxUint64 {
		return m
	}
	return m + 1
}

// Timestamp is a Naiad-style structured timestamp: (Epoch, Round).
// Epoch identifies a batch of work; Round a refinement iteration within
// it. The product order makes it a lattice that is not a total order.
// Coordinates are unsigned so (0,0) is the least element.
type Timestamp struct {
	Epoch uint64 `json:"epoch"`
	Round uint64 `json:"round"`
}

// LessEqual returns true if t <= other in the product order.
// (e1,r1) <= (e2,r2) iff e1<=e2 AND r1<=r2.
func (t Timestamp) LessEqual(other Timestamp) bool {
	return t.Epoch <= other.Epoch && t.Round <= other.Round
}

// Less returns true if t < other (strictly less in the partial order).
func (t Timestamp) Less(other Timestamp) bool {
	return t.LessEqual(other) && t != other
}

// Minimum is (0,0), below every other timestamp.
func (t Timestamp) Minimum() Timestamp { return Timestamp{} }

// Compare orders by epoch, then round.
func (t Timestamp) Compare(other Timestamp) int {
	if t.Epoch != other.Epoch {
		return cmp.Compare(t.Epoch, other.Epoch)
	}
	return cmp.Compare(t.Round, other.Round)
}

func cmpInt64(a, b int64) int { return cmp.Compare(a, b) }

func (t Timestamp) Join(other Timestamp) Timestamp {
	return Timestamp{Epoch: max(t.Epoch, other.Epoch), Round: max(t.Round, other.Round)}
}

func (t Timestamp) Meet(other Timestamp) Timestamp {
	return Timestamp{Epoch: min(t.Epoch, other.Epoch), Round: min(t.Round, other.Round)}
}

func (t Timestamp) String() string { return fmt.Sprintf("(%d,%d)", t.Epoch, t.Round) }

func isLattice[T frontier.Lattice[T]]() {}
func isTimestamp[T frontier.Timestamp[T]]() {}

var (
	_ = isLattice[Millis]
	_ = isLattice[Timestamp]
	_ = isTimestamp[Partitioned]
)


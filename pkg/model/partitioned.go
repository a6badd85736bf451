package model

import (
	"fmt"
	"slices"
)

// BoundKind distinguishes the positions a RangeBound can take relative to
// a partition ID.
type BoundKind uint8

const (
	NegInfinity BoundKind = iota
	Before
	Exact
	After
	PosInfinity
)

var boundKindNames = [...]string{"-inf", "before", "exact", "after", "+inf"}

func (k BoundKind) String() string {
	if int(k) < len(boundKindNames) {
		return boundKindNames[k]
	}
	return fmt.Sprintf("BoundKind(%d)", k)
}

func (k BoundKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *BoundKind) UnmarshalText(text []byte) error {
	for i, n := range boundKindNames {
		if n == string(text) {
			*k = BoundKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown bound kind %q", text)
}

// RangeBound is one end of an interval of partition IDs. Bounds are
// totally ordered:
//
//	-inf < before(p) < exact(p) < after(p) < before(p+1) < ... < +inf
type RangeBound struct {
	Kind      BoundKind `json:"kind"`
	Partition int32     `json:"partition,omitempty"`
}

func NegInf() RangeBound { return RangeBound{Kind: NegInfinity} }
func PosInf() RangeBound { return RangeBound{Kind: PosInfinity} }
func BeforeP(p int32) RangeBound { return RangeBound{Kind: Before, Partition: p} }
func ExactP(p int32) RangeBound { return RangeBound{Kind: Exact, Partition: p} }
func AfterP(p int32) RangeBound { return RangeBound{Kind: After, Partition: p} }

func (b RangeBound) LessEqual(o RangeBound) bool { return b.Compare(o) <= 0 }

// Compare implements the total order on bounds.
func (b RangeBound) Compare(o RangeBound) int {
	br, orr := b.rank(), o.rank()
	if br != orr {
		return cmpInt64(int64(br), int64(orr))
	}
	if b.Kind == NegInfinity || b.Kind == PosInfinity {
		return 0
	}
	if b.Partition != o.Partition {
		return cmpInt64(int64(b.Partition), int64(o.Partition))
	}
	return cmpInt64(int64(b.Kind), int64(o.Kind))
}

func (b RangeBound) rank() int {
	switch b.Kind {
	case NegInfinity:
		return 0
	case PosInfinity:
		return 2
	}
	return 1
}

func (b RangeBound) String() string {
	switch b.Kind {
	case NegInfinity, PosInfinity:
		return b.Kind.String()
	}
	return fmt.Sprintf("%s(%d)", b.Kind, b.Partition)
}

// Partitioned is a FromTime for partitioned sources: an interval of
// partitions [Lo, Hi] all of which have reached Offset.
//
// (i1, o1) <= (i2, o2) iff interval i1 contains i2 and o1 <= o2. The
// minimum covers every partition at offset zero, so a source that has
// discovered new partitions can split it into ranges and singletons.
type Partitioned struct {
	Lo     RangeBound `json:"lo"`
	Hi     RangeBound `json:"hi"`
	Offset uint64     `json:"offset"`
}

// NewRange returns the timestamp for every partition in [lo, hi] at offset.
func NewRange(lo, hi RangeBound, offset uint64) Partitioned {
	return Partitioned{Lo: lo, Hi: hi, Offset: offset}
}

// NewSingleton returns the timestamp for partition pid at offset.
func NewSingleton(pid int32, offset uint64) Partitioned {
	return Partitioned{Lo: ExactP(pid), Hi: ExactP(pid), Offset: offset}
}

func (p Partitioned) LessEqual(o Partitioned) bool {
	return p.Lo.LessEqual(o.Lo) && o.Hi.LessEqual(p.Hi) && p.Offset <= o.Offset
}

func (p Partitioned) Minimum() Partitioned {
	return Partitioned{Lo: NegInf(), Hi: PosInf()}
}

// Compare orders by lower bound ascending, then upper bound descending
// (wider intervals first), then offset.
func (p Partitioned) Compare(o Partitioned) int {
	if c := p.Lo.Compare(o.Lo); c != 0 {
		return c
	}
	if c := o.Hi.Compare(p.Hi); c != 0 {
		return c
	}
	switch {
	case p.Offset < o.Offset:
		return -1
	case p.Offset > o.Offset:
		return 1
	}
	return 0
}

// IsSingleton reports whether the interval covers exactly one partition.
func (p Partitioned) IsSingleton() bool {
	return p.Lo.Kind == Exact && p.Lo == p.Hi
}

func (p Partitioned) String() string {
	if p.IsSingleton() {
		return fmt.Sprintf("p%d@%d", p.Lo.Partition, p.Offset)
	}
	return fmt.Sprintf("[%s, %s]@%d", p.Lo, p.Hi, p.Offset)
}

// PartitionOffset pairs a partition ID with the next offset to read.
type PartitionOffset struct {
	Partition int32  `json:"partition"`
	Offset    uint64 `json:"offset"`
}

// PartitionedFrontier builds the source frontier where each listed
// partition is at its offset and the gaps between them are ranges at
// offset zero. Duplicate partitions keep the last offset.
func PartitionedFrontier(items ...PartitionOffset) []Partitioned {
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b PartitionOffset) int {
		return cmpInt64(int64(a.Partition), int64(b.Partition))
	})
	var out []Partitioned
	prev := NegInf()
	for i, it := range sorted {
		if i+1 < len(sorted) && sorted[i+1].Partition == it.Partition {
			continue
		}
		out = append(out,
			NewRange(prev, BeforeP(it.Partition), 0),
			NewSingleton(it.Partition, it.Offset),
		)
		prev = AfterP(it.Partition)
	}
	return append(out, NewRange(prev, PosInf(), 0))
}

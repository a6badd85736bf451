// Package frontier implements Naiad-style progress frontiers over
// partially ordered timestamps.
//
// A frontier is an antichain: a set of mutually incomparable timestamps
// that summarizes progress. Everything at or beyond some element of the
// frontier may still happen; everything not beyond any element is settled.
// The empty antichain is the frontier of a stream that has finished.
//
// Timestamps are type parameters. A type supplies its partial order,
// its minimum, and a total order that extends the partial order (used
// only to keep antichains sorted and output deterministic).
package frontier

// PartialOrder is implemented by types with a reflexive, antisymmetric,
// transitive order.
type PartialOrder[T any] interface {
	LessEqual(other T) bool
}

// Timestamp is the constraint for progress coordinates.
//
// Minimum must return the unique least element regardless of the
// receiver. Compare must be a linear extension of LessEqual: if
// a.LessEqual(b) then a.Compare(b) <= 0.
type Timestamp[T any] interface {
	comparable
	PartialOrder[T]
	Minimum() T
	Compare(other T) int
}

// Lattice is a Timestamp where any two values have a least upper bound
// (Join) and a greatest lower bound (Meet).
type Lattice[T any] interface {
	Timestamp[T]
	Join(other T) T
	Meet(other T) T
}

// LessThan reports whether a is strictly less than b.
func LessThan[T Timestamp[T]](a, b T) bool {
	return a != b && a.LessEqual(b)
}

// Minimum returns the least element of T.
func Minimum[T Timestamp[T]]() T {
	var zero T
	return zero.Minimum()
}

// AdvanceBy moves t forward to the meet over f of Join(t, e). For any time
// beyond f, the result and t compare to it the same way. An empty frontier
// leaves t unchanged.
func AdvanceBy[T Lattice[T]](t T, f Antichain[T]) T {
	elems := f.Elements()
	if len(elems) == 0 {
		return t
	}
	result := t.Join(elems[0])
	for _, e := range elems[1:] {
		result = result.Meet(t.Join(e))
	}
	return result
}

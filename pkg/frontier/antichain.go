package frontier

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Antichain is a set of mutually incomparable timestamps, kept sorted by
// Compare. The zero value is the empty antichain.
//
// Antichains have value semantics: copies never observe each other's
// inserts.
type Antichain[T Timestamp[T]] struct {
	elements []T
}

// NewAntichain returns an antichain holding the minimal elements of elems.
func NewAntichain[T Timestamp[T]](elems ...T) Antichain[T] {
	var a Antichain[T]
	a.Extend(elems...)
	return a
}

// FromElem returns the antichain {t}.
func FromElem[T Timestamp[T]](t T) Antichain[T] {
	return Antichain[T]{elements: []T{t}}
}

// MinimumAntichain returns {T.Minimum()}, the frontier of a stream that
// has not made any progress.
func MinimumAntichain[T Timestamp[T]]() Antichain[T] {
	return FromElem(Minimum[T]())
}

// Insert adds t unless some existing element is less than or equal to it.
// Elements greater than t are removed. Reports whether t was added.
func (a *Antichain[T]) Insert(t T) bool {
	for _, e := range a.elements {
		if e.LessEqual(t) {
			return false
		}
	}
	kept := make([]T, 0, len(a.elements)+1)
	for _, e := range a.elements {
		if !t.LessEqual(e) {
			kept = append(kept, e)
		}
	}
	i, _ := slices.BinarySearchFunc(kept, t, func(x, y T) int { return x.Compare(y) })
	a.elements = slices.Insert(kept, i, t)
	return true
}

// Extend inserts each element and reports whether any was added.
func (a *Antichain[T]) Extend(elems ...T) bool {
	added := false
	for _, t := range elems {
		if a.Insert(t) {
			added = true
		}
	}
	return added
}

// Elements returns the members in Compare order. The slice must not be
// modified.
func (a Antichain[T]) Elements() []T { return a.elements }

// Len returns the number of members.
func (a Antichain[T]) Len() int { return len(a.elements) }

// IsEmpty reports whether the antichain has no members.
func (a Antichain[T]) IsEmpty() bool { return len(a.elements) == 0 }

// IsMinimum reports whether the antichain is exactly {T.Minimum()}.
func (a Antichain[T]) IsMinimum() bool {
	return len(a.elements) == 1 && a.elements[0] == Minimum[T]()
}

// LessEqual reports whether some member is less than or equal to t.
func (a Antichain[T]) LessEqual(t T) bool {
	for _, e := range a.elements {
		if e.LessEqual(t) {
			return true
		}
	}
	return false
}

// LessThan reports whether some member is strictly less than t.
func (a Antichain[T]) LessThan(t T) bool {
	for _, e := range a.elements {
		if LessThan(e, t) {
			return true
		}
	}
	return false
}

// Clone returns an independent copy.
func (a Antichain[T]) Clone() Antichain[T] {
	return Antichain[T]{elements: slices.Clone(a.elements)}
}

// Equal reports whether a and b hold the same members.
func (a Antichain[T]) Equal(b Antichain[T]) bool {
	return slices.Equal(a.elements, b.elements)
}

// FrontierLessEqual reports whether every element of b is greater than or
// equal to some element of a. The empty antichain is greater than every
// other antichain.
func FrontierLessEqual[T Timestamp[T]](a, b Antichain[T]) bool {
	for _, t := range b.elements {
		if !a.LessEqual(t) {
			return false
		}
	}
	return true
}

// FrontierLessThan reports whether a <= b and a != b.
func FrontierLessThan[T Timestamp[T]](a, b Antichain[T]) bool {
	return FrontierLessEqual(a, b) && !a.Equal(b)
}

func (a Antichain[T]) String() string {
	parts := make([]string, len(a.elements))
	for i, e := range a.elements {
		parts[i] = fmt.Sprint(e)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// MarshalJSON encodes the antichain as a JSON array in Compare order, so
// equal antichains always produce identical bytes.
func (a Antichain[T]) MarshalJSON() ([]byte, error) {
	if a.elements == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(a.elements)
}

// UnmarshalJSON decodes a JSON array, keeping only its minimal elements.
func (a *Antichain[T]) UnmarshalJSON(data []byte) error {
	var elems []T
	if err := json.Unmarshal(data, &elems); err != nil {
		return fmt.Errorf("decode antichain: %w", err)
	}
	*a = NewAntichain(elems...)
	return nil
}

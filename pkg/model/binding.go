package model

import (
	"errors"
	"fmt"
	"slices"

	"github.com/daviddao/reclock/pkg/frontier"
)

// ErrMalformedRemap is returned when a remap collection does not
// accumulate to a well-formed source frontier.
var ErrMalformedRemap = errors.New("malformed remap collection")

// Binding records that at IntoTime Into the FromTime From entered
// (Diff > 0) or left (Diff < 0) the source frontier.
type Binding[F frontier.Timestamp[F], I frontier.Timestamp[I]] struct {
	From F     `json:"from"`
	Into I     `json:"into"`
	Diff int64 `json:"diff"`
}

func (b Binding[F, I]) String() string {
	return fmt.Sprintf("(%v, %v, %+d)", b.From, b.Into, b.Diff)
}

type bindingKey[F, I comparable] struct {
	from F
	into I
}

// Consolidate sums the diffs of bindings sharing (From, Into), drops the
// ones that cancel out, and returns the rest sorted by From then Into.
// The input slice is not modified.
func Consolidate[F frontier.Timestamp[F], I frontier.Timestamp[I]](updates []Binding[F, I]) []Binding[F, I] {
	if len(updates) == 0 {
		return nil
	}
	sums := make(map[bindingKey[F, I]]int64, len(updates))
	order := make([]bindingKey[F, I], 0, len(updates))
	for _, u := range updates {
		k := bindingKey[F, I]{u.From, u.Into}
		if _, ok := sums[k]; !ok {
			order = append(order, k)
		}
		sums[k] += u.Diff
	}
	out := make([]Binding[F, I], 0, len(order))
	for _, k := range order {
		if d := sums[k]; d != 0 {
			out = append(out, Binding[F, I]{From: k.from, Into: k.into, Diff: d})
		}
	}
	SortBindings(out)
	return out
}

// SortBindings sorts in place by From, then Into, then Diff.
func SortBindings[F frontier.Timestamp[F], I frontier.Timestamp[I]](bs []Binding[F, I]) {
	slices.SortFunc(bs, func(a, b Binding[F, I]) int {
		if c := a.From.Compare(b.From); c != 0 {
			return c
		}
		if c := a.Into.Compare(b.Into); c != 0 {
			return c
		}
		return cmpInt64(a.Diff, b.Diff)
	})
}

// SourceFrontierAt accumulates every binding with Into <= t and returns
// the source frontier they describe. It fails with ErrMalformedRemap if
// any FromTime accumulates to something other than 0 or 1, or if the
// FromTimes at count 1 are not mutually incomparable.
func SourceFrontierAt[F frontier.Timestamp[F], I frontier.Timestamp[I]](bindings []Binding[F, I], t I) (frontier.Antichain[F], error) {
	counts := make(map[F]int64)
	for _, b := range bindings {
		if b.Into.LessEqual(t) {
			counts[b.From] += b.Diff
		}
	}
	var members []F
	for from, n := range counts {
		switch n {
		case 0:
		case 1:
			members = append(members, from)
		default:
			return frontier.Antichain[F]{}, fmt.Errorf("%w: %v accumulates to %d at %v", ErrMalformedRemap, from, n, t)
		}
	}
	f := frontier.NewAntichain(members...)
	if f.Len() != len(members) {
		return frontier.Antichain[F]{}, fmt.Errorf("%w: comparable frontier members at %v", ErrMalformedRemap, t)
	}
	return f, nil
}

// BindingTimes returns the distinct IntoTimes in bindings, sorted.
func BindingTimes[F frontier.Timestamp[F], I frontier.Timestamp[I]](bindings []Binding[F, I]) []I {
	seen := make(map[I]struct{}, len(bindings))
	var out []I
	for _, b := range bindings {
		if _, ok := seen[b.Into]; !ok {
			seen[b.Into] = struct{}{}
			out = append(out, b.Into)
		}
	}
	slices.SortFunc(out, func(a, b I) int { return a.Compare(b) })
	return out
}

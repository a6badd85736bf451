// Package remap defines the contract of a remap log: a durable,
// linearizable, append-only collection of bindings shared by every
// process that mints or reads them.
//
// The only coordination primitive is CompareAndAppend. It appends a batch
// and advances the log's upper from expected to newUpper atomically, and
// only if the upper still equals expected. Concurrent writers therefore
// linearize through the upper without any lock.
package remap

import (
	"context"
	"errors"
	"fmt"

	"github.com/daviddao/reclock/pkg/frontier"
	"github.com/daviddao/reclock/pkg/model"
)

var (
	// ErrClosed is returned by Next once the upper is the empty antichain
	// and every batch has been read.
	ErrClosed = errors.New("remap: requested data after empty upper")

	// ErrCompacted is returned by Next when batches the reader had not yet
	// consumed were merged by compaction. The reader must be reopened.
	ErrCompacted = errors.New("remap: unread batches were compacted")

	// ErrInvalidUsage reports a CompareAndAppend whose arguments are
	// inconsistent regardless of the log's state.
	ErrInvalidUsage = errors.New("remap: invalid usage")

	// ErrSinceAhead is returned when opening a reader whose as-of is not
	// beyond the log's since.
	ErrSinceAhead = errors.New("remap: as-of is not beyond since")
)

// UpperMismatch is returned by CompareAndAppend when the log's upper is
// not the expected one. Current is the upper at the time of the attempt.
type UpperMismatch[I frontier.Timestamp[I]] struct {
	Expected frontier.Antichain[I]
	Current  frontier.Antichain[I]
}

func (e *UpperMismatch[I]) Error() string {
	return fmt.Sprintf("upper mismatch: expected %v, current %v", e.Expected, e.Current)
}

// Handle is a reader and writer on one remap log.
type Handle[F frontier.Timestamp[F], I frontier.Lattice[I]] interface {
	// Upper returns the log's upper as of this handle's last interaction
	// with it.
	Upper() frontier.Antichain[I]

	// Next blocks until bindings beyond what this handle has read are
	// available, then returns them together with the upper they reach.
	Next(ctx context.Context) ([]model.Binding[F, I], frontier.Antichain[I], error)

	// CompareAndAppend appends updates and advances the upper from
	// expected to newUpper, only if the current upper equals expected.
	// On conflict it returns *UpperMismatch.
	CompareAndAppend(ctx context.Context, updates []model.Binding[F, I], expected, newUpper frontier.Antichain[I]) error
}

// ValidateAppend checks the arguments of a CompareAndAppend: newUpper
// must not be behind expected, and every update must lie in
// [expected, newUpper).
func ValidateAppend[F frontier.Timestamp[F], I frontier.Timestamp[I]](updates []model.Binding[F, I], expected, newUpper frontier.Antichain[I]) error {
	if !frontier.FrontierLessEqual(expected, newUpper) {
		return fmt.Errorf("%w: new upper %v is behind expected %v", ErrInvalidUsage, newUpper, expected)
	}
	for _, u := range updates {
		if !expected.LessEqual(u.Into) || newUpper.LessEqual(u.Into) {
			return fmt.Errorf("%w: binding %v not in [%v, %v)", ErrInvalidUsage, u, expected, newUpper)
		}
	}
	return nil
}

// Advance returns updates with every Into advanced by asOf, consolidated.
func Advance[F frontier.Timestamp[F], I frontier.Lattice[I]](updates []model.Binding[F, I], asOf frontier.Antichain[I]) []model.Binding[F, I] {
	out := make([]model.Binding[F, I], len(updates))
	for i, u := range updates {
		u.Into = frontier.AdvanceBy(u.Into, asOf)
		out[i] = u
	}
	return model.Consolidate(out)
}

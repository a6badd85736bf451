// Package reclock mints and replays the bindings that translate a
// source's progress (FromTime) into the engine's logical time (IntoTime).
//
// An Operator observes a remap log through a remap.Handle. It keeps two
// pieces of state: the upper of the part of the log it has read, and the
// source frontier those bindings accumulate to. Minting retracts the
// current source frontier and asserts a new one at a binding time, and
// commits the pair with a single compare-and-append. A writer that loses
// a race reads what the winner wrote and recomputes its delta, so any
// number of operators may share one log.
//
// The log always accumulates into a well formed antichain of FromTimes
// with multiplicity one at every IntoTime.
package reclock

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/daviddao/reclock/pkg/frontier"
	"github.com/daviddao/reclock/pkg/model"
	"github.com/daviddao/reclock/pkg/remap"
)

// Batch is the part of the remap collection observed by one sync or mint
// step, together with the upper it reaches.
type Batch[F frontier.Timestamp[F], I frontier.Lattice[I]] struct {
	Updates []model.Binding[F, I] `json:"updates"`
	Upper   frontier.Antichain[I] `json:"upper"`
}

// Operator mints bindings into a remap log. It is owned by a single
// goroutine and does no locking of its own.
type Operator[F frontier.Timestamp[F], I frontier.Lattice[I]] struct {
	// Upper of the part of the remap log read so far.
	upper frontier.Antichain[I]
	// Source frontier the bindings read so far accumulate to. Reclocking
	// beyond it requires minting.
	sourceUpper *frontier.MutableAntichain[F]

	handle  remap.Handle[F, I]
	log     logrus.FieldLogger
	metrics *Metrics
}

// Option configures an Operator.
type Option func(*options)

type options struct {
	log     logrus.FieldLogger
	metrics *Metrics
}

// WithLogger sets the logger. Defaults to the logrus standard logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics records operator activity in m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New returns an operator over handle. If the log already holds bindings
// they are replayed, and returned as the initial batch.
func New[F frontier.Timestamp[F], I frontier.Lattice[I]](ctx context.Context, handle remap.Handle[F, I], opts ...Option) (*Operator[F, I], Batch[F, I], error) {
	cfg := options{log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&cfg)
	}
	upper := handle.Upper()

	o := &Operator[F, I]{
		upper:       frontier.MinimumAntichain[I](),
		sourceUpper: frontier.NewMutableAntichain[F](),
		handle:      handle,
		log:         cfg.log,
		metrics:     cfg.metrics,
	}

	if upper.IsMinimum() {
		return o, Batch[F, I]{Upper: frontier.MinimumAntichain[I]()}, nil
	}
	batch, err := o.sync(ctx, upper)
	if err != nil {
		return nil, Batch[F, I]{}, fmt.Errorf("replay remap log: %w", err)
	}
	o.log.WithFields(logrus.Fields{
		"upper":        o.upper.String(),
		"source_upper": o.sourceUpper.Frontier().String(),
		"bindings":     len(batch.Updates),
	}).Debug("replayed remap log")
	return o, batch, nil
}

// Upper returns the upper of the remap log as far as this operator has
// read it.
func (o *Operator[F, I]) Upper() frontier.Antichain[I] { return o.upper.Clone() }

// SourceUpper returns the source frontier the read bindings accumulate to.
func (o *Operator[F, I]) SourceUpper() frontier.Antichain[F] { return o.sourceUpper.Frontier() }

// Mint advances the remap collection so that newFromUpper becomes the
// source frontier at bindingTS, and the log's upper reaches newIntoUpper.
//
// Nothing is written if the log has already been advanced past bindingTS
// or newIntoUpper, or if the source frontier is already beyond
// newFromUpper. The returned batch holds every binding read or written
// during the call, including those of concurrent writers.
//
// Callers must pass newFromUpper values that never regress across calls.
// Mint panics if newIntoUpper is not beyond bindingTS.
func (o *Operator[F, I]) Mint(ctx context.Context, bindingTS I, newIntoUpper frontier.Antichain[I], newFromUpper frontier.Antichain[F]) (Batch[F, I], error) {
	if newIntoUpper.LessEqual(bindingTS) {
		panic(fmt.Sprintf("reclock: new into upper %v is not beyond binding time %v", newIntoUpper, bindingTS))
	}
	start := time.Now()
	defer o.metrics.observeMint(start)

	batch := Batch[F, I]{Upper: o.upper.Clone()}
	for attempt := 1; o.upper.IsMinimum() ||
		(frontier.FrontierLessEqual(o.sourceUpper.Frontier(), newFromUpper) &&
			frontier.FrontierLessThan(o.upper, newIntoUpper) &&
			o.upper.LessEqual(bindingTS)); attempt++ {
		o.metrics.incAttempt()

		// A closed source closes the remap log.
		if newFromUpper.IsEmpty() {
			newIntoUpper = frontier.Antichain[I]{}
		}

		// The first binding maps the initial source frontier to the minimum
		// IntoTime, so the collection is never empty at any time.
		ts := bindingTS
		if o.upper.IsMinimum() {
			ts = frontier.Minimum[I]()
		}

		var updates []model.Binding[F, I]
		for _, src := range o.sourceUpper.Frontier().Elements() {
			updates = append(updates, model.Binding[F, I]{From: src, Into: ts, Diff: -1})
		}
		for _, src := range newFromUpper.Elements() {
			updates = append(updates, model.Binding[F, I]{From: src, Into: ts, Diff: 1})
		}
		updates = model.Consolidate(updates)

		next, err := o.appendBatch(ctx, updates, newIntoUpper)
		var mismatch *remap.UpperMismatch[I]
		if errors.As(err, &mismatch) {
			o.metrics.incMismatch()
			o.log.WithFields(logrus.Fields{
				"expected": mismatch.Expected.String(),
				"current":  mismatch.Current.String(),
				"attempt":  attempt,
			}).Debug("lost compare-and-append race, resyncing")
			next, err = o.sync(ctx, mismatch.Current)
		}
		if err != nil {
			return batch, fmt.Errorf("mint at %v: %w", bindingTS, err)
		}
		batch.Updates = append(batch.Updates, next.Updates...)
		batch.Upper = next.Upper
	}
	return batch, nil
}

// sync reads the remap log until this operator's upper is no longer
// strictly behind target.
func (o *Operator[F, I]) sync(ctx context.Context, target frontier.Antichain[I]) (Batch[F, I], error) {
	var updates []model.Binding[F, I]
	// In the common case we are also the writer, and are reading back what
	// we just appended.
	for frontier.FrontierLessThan(o.upper, target) {
		batch, upper, err := o.handle.Next(ctx)
		if err != nil {
			return Batch[F, I]{}, fmt.Errorf("sync to %v: %w", target, err)
		}
		o.upper = upper
		o.sourceUpper.UpdateIter(fromDiffs(batch))
		updates = append(updates, batch...)
	}
	o.metrics.addRead(len(updates))
	return Batch[F, I]{Updates: updates, Upper: o.upper.Clone()}, nil
}

// appendBatch appends updates at the current upper and reads them back.
// If another writer got there first the error is a *remap.UpperMismatch
// holding the upper this operator must sync to before trying again.
func (o *Operator[F, I]) appendBatch(ctx context.Context, updates []model.Binding[F, I], newUpper frontier.Antichain[I]) (Batch[F, I], error) {
	if err := o.handle.CompareAndAppend(ctx, updates, o.upper, newUpper); err != nil {
		return Batch[F, I]{}, err
	}
	o.metrics.addMinted(len(updates))
	o.log.WithFields(logrus.Fields{
		"from_upper": o.upper.String(),
		"to_upper":   newUpper.String(),
		"bindings":   len(updates),
	}).Debug("appended bindings")
	return o.sync(ctx, newUpper)
}

func fromDiffs[F frontier.Timestamp[F], I frontier.Lattice[I]](updates []model.Binding[F, I]) iter.Seq2[F, int64] {
	return func(yield func(F, int64) bool) {
		for _, u := range updates {
			if !yield(u.From, u.Diff) {
				return
			}
		}
	}
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/daviddao/reclock/pkg/frontier"
	"github.com/daviddao/reclock/pkg/model"
	"github.com/daviddao/reclock/pkg/remap"
)

// DefaultPollInterval is how often a Handle polls for new batches when it
// has caught up with the shard.
const DefaultPollInterval = 50 * time.Millisecond

// Shard is a typed view of one remap collection. Timestamps are stored as
// JSON text, so F and I must round-trip through encoding/json.
type Shard[F frontier.Timestamp[F], I frontier.Lattice[I]] struct {
	s    *Store
	id   string
	name string
}

// OpenShard returns a typed view of the shard with the given name or ID.
func OpenShard[F frontier.Timestamp[F], I frontier.Lattice[I]](s *Store, nameOrID string) (*Shard[F, I], error) {
	info, err := s.GetShard(nameOrID)
	if err != nil {
		return nil, err
	}
	return &Shard[F, I]{s: s, id: info.ID, name: info.Name}, nil
}

// ID returns the shard's ID.
func (sh *Shard[F, I]) ID() string { return sh.id }

// Name returns the shard's name.
func (sh *Shard[F, I]) Name() string { return sh.name }

type shardState[I frontier.Lattice[I]] struct {
	upper            frontier.Antichain[I]
	since            frontier.Antichain[I]
	seqno            int64
	compactedThrough int64
}

func readState[I frontier.Lattice[I]](ctx context.Context, q queryer, id string) (shardState[I], error) {
	var st shardState[I]
	var upper, since sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT upper, since, seqno, compacted_through FROM shards WHERE id = ?`, id,
	).Scan(&upper, &since, &st.seqno, &st.compactedThrough)
	if errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("%w: %s", ErrShardNotFound, id)
	}
	if err != nil {
		return st, err
	}
	if st.upper, err = decodeFrontier[I](upper); err != nil {
		return st, fmt.Errorf("decode upper: %w", err)
	}
	if st.since, err = decodeFrontier[I](since); err != nil {
		return st, fmt.Errorf("decode since: %w", err)
	}
	return st, nil
}

// decodeFrontier reads a stored antichain. NULL is the minimum antichain,
// which every shard starts at.
func decodeFrontier[T frontier.Timestamp[T]](raw sql.NullString) (frontier.Antichain[T], error) {
	if !raw.Valid {
		return frontier.MinimumAntichain[T](), nil
	}
	var f frontier.Antichain[T]
	if err := json.Unmarshal([]byte(raw.String), &f); err != nil {
		return frontier.Antichain[T]{}, err
	}
	return f, nil
}

func encodeFrontier[T frontier.Timestamp[T]](f frontier.Antichain[T]) (string, error) {
	b, err := json.Marshal(f)
	return string(b), err
}

// Upper returns the shard's current upper.
func (sh *Shard[F, I]) Upper(ctx context.Context) (frontier.Antichain[I], error) {
	st, err := readState[I](ctx, sh.s.db, sh.id)
	return st.upper, err
}

// Since returns the shard's compaction frontier.
func (sh *Shard[F, I]) Since(ctx context.Context) (frontier.Antichain[I], error) {
	st, err := readState[I](ctx, sh.s.db, sh.id)
	return st.since, err
}

type encodedBinding struct {
	from, into string
	diff       int64
}

func encodeBindings[F frontier.Timestamp[F], I frontier.Lattice[I]](updates []model.Binding[F, I]) ([]encodedBinding, error) {
	out := make([]encodedBinding, 0, len(updates))
	for _, u := range updates {
		from, err := json.Marshal(u.From)
		if err != nil {
			return nil, fmt.Errorf("encode from %v: %w", u.From, err)
		}
		into, err := json.Marshal(u.Into)
		if err != nil {
			return nil, fmt.Errorf("encode into %v: %w", u.Into, err)
		}
		out = append(out, encodedBinding{from: string(from), into: string(into), diff: u.Diff})
	}
	return out, nil
}

// CompareAndAppend appends updates as one batch and advances the shard's
// upper from expected to newUpper, if the upper still equals expected.
// The check and the write share one immediate transaction, so concurrent
// writers in any process linearize through it. On conflict the error is a
// *remap.UpperMismatch carrying the shard's current upper.
func (sh *Shard[F, I]) CompareAndAppend(ctx context.Context, updates []model.Binding[F, I], expected, newUpper frontier.Antichain[I]) error {
	if err := remap.ValidateAppend(updates, expected, newUpper); err != nil {
		return err
	}
	rows, err := encodeBindings(model.Consolidate(updates))
	if err != nil {
		return err
	}
	upperText, err := encodeFrontier(newUpper)
	if err != nil {
		return fmt.Errorf("encode upper: %w", err)
	}

	// The mismatch is reported outside the retry loop so it is never
	// mistaken for a transient error.
	var mismatch error
	err = retryOnContention(func() error {
		mismatch = nil
		tx, err := sh.s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		st, err := readState[I](ctx, tx, sh.id)
		if err != nil {
			return err
		}
		if !st.upper.Equal(expected) {
			mismatch = &remap.UpperMismatch[I]{Expected: expected.Clone(), Current: st.upper}
			return nil
		}

		seqno := st.seqno + 1
		now := time.Now().UTC().Format(time.RFC3339Nano)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO batches (shard_id, seqno, upper, created_at) VALUES (?, ?, ?, ?)`,
			sh.id, seqno, upperText, now,
		); err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		if err := insertBindings(ctx, tx, sh.id, seqno, rows); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE shards SET upper = ?, seqno = ? WHERE id = ?`,
			upperText, seqno, sh.id,
		); err != nil {
			return fmt.Errorf("advance upper: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("compare and append to %s: %w", sh.name, err)
	}
	return mismatch
}

func insertBindings(ctx context.Context, tx *sql.Tx, shardID string, seqno int64, rows []encodedBinding) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO bindings (shard_id, seqno, from_ts, into_ts, diff) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, shardID, seqno, r.from, r.into, r.diff); err != nil {
			return fmt.Errorf("insert binding: %w", err)
		}
	}
	return nil
}

// readBindings returns the bindings of batches in (after, through], in
// append order.
func readBindings[F frontier.Timestamp[F], I frontier.Lattice[I]](ctx context.Context, q queryer, shardID string, after, through int64) ([]model.Binding[F, I], error) {
	rows, err := q.QueryContext(ctx,
		`SELECT from_ts, into_ts, diff FROM bindings
		 WHERE shard_id = ? AND seqno > ? AND seqno <= ?
		 ORDER BY seqno, id`, shardID, after, through,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Binding[F, I]
	for rows.Next() {
		var from, into string
		var b model.Binding[F, I]
		if err := rows.Scan(&from, &into, &b.Diff); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(from), &b.From); err != nil {
			return nil, fmt.Errorf("decode from %q: %w", from, err)
		}
		if err := json.Unmarshal([]byte(into), &b.Into); err != nil {
			return nil, fmt.Errorf("decode into %q: %w", into, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// batchUpper returns the upper recorded by the batch with the given seqno.
func batchUpper[I frontier.Lattice[I]](ctx context.Context, q queryer, shardID string, seqno int64) (frontier.Antichain[I], error) {
	var raw sql.NullString
	if err := q.QueryRowContext(ctx,
		`SELECT upper FROM batches WHERE shard_id = ? AND seqno = ?`, shardID, seqno,
	).Scan(&raw); err != nil {
		return frontier.Antichain[I]{}, fmt.Errorf("batch %d: %w", seqno, err)
	}
	return decodeFrontier[I](raw)
}

// Snapshot returns every binding in the shard in append order, without
// advancing any times.
func (sh *Shard[F, I]) Snapshot(ctx context.Context) ([]model.Binding[F, I], error) {
	st, err := readState[I](ctx, sh.s.db, sh.id)
	if err != nil {
		return nil, err
	}
	return readBindings[F, I](ctx, sh.s.db, sh.id, 0, st.seqno)
}

// Compact advances the shard's since to the given frontier and merges
// every batch whose upper is not beyond it into a single batch, with its
// binding times advanced by since. Readers that had not consumed the
// merged batches get remap.ErrCompacted and must reopen.
func (sh *Shard[F, I]) Compact(ctx context.Context, since frontier.Antichain[I]) error {
	sinceText, err := encodeFrontier(since)
	if err != nil {
		return fmt.Errorf("encode since: %w", err)
	}
	return retryOnContention(func() error {
		tx, err := sh.s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		st, err := readState[I](ctx, tx, sh.id)
		if err != nil {
			return err
		}
		if !frontier.FrontierLessEqual(st.since, since) {
			return fmt.Errorf("%w: since %v is behind %v", remap.ErrInvalidUsage, since, st.since)
		}

		last, err := settledPrefix[I](ctx, tx, sh.id, since)
		if err != nil {
			return err
		}
		compacted := st.compactedThrough
		if last > 0 {
			settled, err := readBindings[F, I](ctx, tx, sh.id, 0, last)
			if err != nil {
				return err
			}
			rows, err := encodeBindings(remap.Advance(settled, since))
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM bindings WHERE shard_id = ? AND seqno <= ?`, sh.id, last,
			); err != nil {
				return fmt.Errorf("delete settled bindings: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM batches WHERE shard_id = ? AND seqno < ?`, sh.id, last,
			); err != nil {
				return fmt.Errorf("delete settled batches: %w", err)
			}
			if err := insertBindings(ctx, tx, sh.id, last, rows); err != nil {
				return err
			}
			compacted = last
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE shards SET since = ?, compacted_through = ? WHERE id = ?`,
			sinceText, compacted, sh.id,
		); err != nil {
			return fmt.Errorf("update since: %w", err)
		}
		return tx.Commit()
	})
}

// settledPrefix returns the seqno of the last batch in the longest prefix
// whose uppers are all not beyond since, or 0 if there is none.
func settledPrefix[I frontier.Lattice[I]](ctx context.Context, q queryer, shardID string, since frontier.Antichain[I]) (int64, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT seqno, upper FROM batches WHERE shard_id = ? ORDER BY seqno`, shardID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var last int64
	for rows.Next() {
		var seqno int64
		var raw sql.NullString
		if err := rows.Scan(&seqno, &raw); err != nil {
			return 0, err
		}
		upper, err := decodeFrontier[I](raw)
		if err != nil {
			return 0, fmt.Errorf("decode batch %d upper: %w", seqno, err)
		}
		if !frontier.FrontierLessEqual(upper, since) {
			break
		}
		last = seqno
	}
	return last, rows.Err()
}

// Open returns a handle that reads the shard from the beginning with
// every binding time advanced by asOf. pollEvery bounds how often the
// handle queries the database while waiting; zero means
// DefaultPollInterval.
func (sh *Shard[F, I]) Open(ctx context.Context, asOf frontier.Antichain[I], pollEvery time.Duration) (*Handle[F, I], error) {
	st, err := readState[I](ctx, sh.s.db, sh.id)
	if err != nil {
		return nil, err
	}
	if !frontier.FrontierLessEqual(st.since, asOf) {
		return nil, fmt.Errorf("%w: as-of %v, since %v", remap.ErrSinceAhead, asOf, st.since)
	}
	if pollEvery <= 0 {
		pollEvery = DefaultPollInterval
	}
	return &Handle[F, I]{
		shard:   sh,
		asOf:    asOf.Clone(),
		upper:   st.upper,
		limiter: rate.NewLimiter(rate.Every(pollEvery), 1),
	}, nil
}

// Handle reads and writes one shard. It implements remap.Handle and is
// owned by a single goroutine.
type Handle[F frontier.Timestamp[F], I frontier.Lattice[I]] struct {
	shard   *Shard[F, I]
	asOf    frontier.Antichain[I]
	cursor  int64
	read    frontier.Antichain[I]
	upper   frontier.Antichain[I]
	limiter *rate.Limiter
}

var _ remap.Handle[model.Partitioned, model.Millis] = (*Handle[model.Partitioned, model.Millis])(nil)

func (h *Handle[F, I]) Upper() frontier.Antichain[I] { return h.upper }

func (h *Handle[F, I]) Next(ctx context.Context) ([]model.Binding[F, I], frontier.Antichain[I], error) {
	db := h.shard.s.db
	id := h.shard.id
	for {
		st, err := readState[I](ctx, db, id)
		if err != nil {
			return nil, frontier.Antichain[I]{}, err
		}
		if h.cursor < st.compactedThrough && (h.cursor != 0 || !frontier.FrontierLessEqual(st.since, h.asOf)) {
			return nil, frontier.Antichain[I]{}, fmt.Errorf("%w: read through %d, compacted through %d", remap.ErrCompacted, h.cursor, st.compactedThrough)
		}
		h.upper = st.upper

		if st.seqno > h.cursor {
			updates, err := readBindings[F, I](ctx, db, id, h.cursor, st.seqno)
			if err != nil {
				return nil, frontier.Antichain[I]{}, err
			}
			read, err := batchUpper[I](ctx, db, id, st.seqno)
			if err != nil {
				return nil, frontier.Antichain[I]{}, err
			}
			// A compaction between the reads above may have rewritten
			// them; start over and let the check at the top decide.
			again, err := readState[I](ctx, db, id)
			if err != nil {
				return nil, frontier.Antichain[I]{}, err
			}
			if again.compactedThrough != st.compactedThrough {
				continue
			}
			h.cursor = st.seqno
			h.read = read
			return remap.Advance(updates, h.asOf), read.Clone(), nil
		}

		if h.cursor > 0 && h.read.IsEmpty() {
			return nil, frontier.Antichain[I]{}, remap.ErrClosed
		}
		if err := h.pause(ctx); err != nil {
			return nil, frontier.Antichain[I]{}, err
		}
	}
}

// pause waits for the next poll slot. Unlike rate.Limiter.Wait it does
// not fail early when the slot lies past ctx's deadline, so a caller with
// a deadline still sees data that arrives before it.
func (h *Handle[F, I]) pause(ctx context.Context) error {
	r := h.limiter.Reserve()
	timer := time.NewTimer(r.Delay())
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

func (h *Handle[F, I]) CompareAndAppend(ctx context.Context, updates []model.Binding[F, I], expected, newUpper frontier.Antichain[I]) error {
	err := h.shard.CompareAndAppend(ctx, updates, expected, newUpper)
	var mismatch *remap.UpperMismatch[I]
	switch {
	case err == nil:
		h.upper = newUpper.Clone()
	case errors.As(err, &mismatch):
		h.upper = mismatch.Current.Clone()
	}
	return err
}

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/reclock/pkg/frontier"
	"github.com/daviddao/reclock/pkg/model"
	"github.com/daviddao/reclock/pkg/remap"
)

type testBinding = model.Binding[model.Partitioned, model.Millis]

func upperAt(ts ...model.Millis) frontier.Antichain[model.Millis] {
	return frontier.NewAntichain(ts...)
}

func bind(offset uint64, into model.Millis, diff int64) testBinding {
	return testBinding{From: model.NewSingleton(0, offset), Into: into, Diff: diff}
}

func newTestShard(t *testing.T, s *Store) *Shard[model.Partitioned, model.Millis] {
	t.Helper()
	_, err := s.CreateShard("orders")
	require.NoError(t, err)
	sh, err := OpenShard[model.Partitioned, model.Millis](s, "orders")
	require.NoError(t, err)
	return sh
}

// appendHistory writes three batches: offset 0 at time 0, offset 3 at
// 1000, offset 5 at 2000.
func appendHistory(t *testing.T, sh *Shard[model.Partitioned, model.Millis]) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, sh.CompareAndAppend(ctx,
		[]testBinding{bind(0, 0, 1)}, upperAt(0), upperAt(1)))
	require.NoError(t, sh.CompareAndAppend(ctx,
		[]testBinding{bind(0, 1000, -1), bind(3, 1000, 1)}, upperAt(1), upperAt(1001)))
	require.NoError(t, sh.CompareAndAppend(ctx,
		[]testBinding{bind(3, 2000, -1), bind(5, 2000, 1)}, upperAt(1001), upperAt(2001)))
}

func TestShard_StartsAtMinimum(t *testing.T) {
	sh := newTestShard(t, newTestStore(t))
	upper, err := sh.Upper(context.Background())
	require.NoError(t, err)
	assert.True(t, upper.IsMinimum())
	since, err := sh.Since(context.Background())
	require.NoError(t, err)
	assert.True(t, since.IsMinimum())
}

func TestShard_CompareAndAppend(t *testing.T) {
	s := newTestStore(t)
	sh := newTestShard(t, s)
	appendHistory(t, sh)

	upper, err := sh.Upper(context.Background())
	require.NoError(t, err)
	assert.Equal(t, upperAt(2001), upper)

	info, err := s.GetShard("orders")
	require.NoError(t, err)
	assert.EqualValues(t, 3, info.Seqno)
	assert.JSONEq(t, `[2001]`, string(info.Upper))
	assert.EqualValues(t, 5, s.CountBindings(info.ID))
}

func TestShard_CompareAndAppend_Mismatch(t *testing.T) {
	sh := newTestShard(t, newTestStore(t))
	ctx := context.Background()
	require.NoError(t, sh.CompareAndAppend(ctx, []testBinding{bind(0, 0, 1)}, upperAt(0), upperAt(1)))

	err := sh.CompareAndAppend(ctx, []testBinding{bind(1, 0, 1)}, upperAt(0), upperAt(5))
	var mismatch *remap.UpperMismatch[model.Millis]
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, upperAt(1), mismatch.Current)

	upper, err := sh.Upper(ctx)
	require.NoError(t, err)
	assert.Equal(t, upperAt(1), upper, "failed append must not move the upper")
}

func TestShard_CompareAndAppend_InvalidUsage(t *testing.T) {
	sh := newTestShard(t, newTestStore(t))
	ctx := context.Background()

	err := sh.CompareAndAppend(ctx, nil, upperAt(5), upperAt(3))
	assert.ErrorIs(t, err, remap.ErrInvalidUsage)

	err = sh.CompareAndAppend(ctx, []testBinding{bind(0, 7, 1)}, upperAt(0), upperAt(5))
	assert.ErrorIs(t, err, remap.ErrInvalidUsage, "binding at or beyond the new upper")
}

func TestHandle_ReadsEverything(t *testing.T) {
	sh := newTestShard(t, newTestStore(t))
	appendHistory(t, sh)

	h, err := sh.Open(context.Background(), upperAt(0), time.Millisecond)
	require.NoError(t, err)
	updates, upper, err := h.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, upperAt(2001), upper)
	assert.Len(t, updates, 5)

	src, err := model.SourceFrontierAt(updates, 1500)
	require.NoError(t, err)
	assert.Equal(t, frontier.FromElem(model.NewSingleton(0, 3)), src)
}

func TestHandle_WaitsForAppend(t *testing.T) {
	sh := newTestShard(t, newTestStore(t))
	h, err := sh.Open(context.Background(), upperAt(0), 2*time.Millisecond)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = sh.CompareAndAppend(context.Background(), []testBinding{bind(0, 0, 1)}, upperAt(0), upperAt(1))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	updates, upper, err := h.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, upperAt(1), upper)
	assert.Equal(t, []testBinding{bind(0, 0, 1)}, updates)
}

func TestHandle_NextHonorsContext(t *testing.T) {
	sh := newTestShard(t, newTestStore(t))
	h, err := sh.Open(context.Background(), upperAt(0), time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, _, err = h.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandle_ClosedAfterEmptyUpper(t *testing.T) {
	sh := newTestShard(t, newTestStore(t))
	ctx := context.Background()
	require.NoError(t, sh.CompareAndAppend(ctx, []testBinding{bind(0, 0, 1)}, upperAt(0), upperAt()))

	h, err := sh.Open(ctx, upperAt(0), time.Millisecond)
	require.NoError(t, err)
	_, upper, err := h.Next(ctx)
	require.NoError(t, err)
	assert.True(t, upper.IsEmpty())

	_, _, err = h.Next(ctx)
	assert.ErrorIs(t, err, remap.ErrClosed)
}

func TestHandle_CompareAndAppendTracksUpper(t *testing.T) {
	sh := newTestShard(t, newTestStore(t))
	ctx := context.Background()
	a, err := sh.Open(ctx, upperAt(0), time.Millisecond)
	require.NoError(t, err)
	b, err := sh.Open(ctx, upperAt(0), time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, a.CompareAndAppend(ctx, []testBinding{bind(0, 0, 1)}, upperAt(0), upperAt(1)))
	assert.Equal(t, upperAt(1), a.Upper())

	err = b.CompareAndAppend(ctx, []testBinding{bind(0, 0, 1)}, upperAt(0), upperAt(1))
	var mismatch *remap.UpperMismatch[model.Millis]
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, upperAt(1), b.Upper(), "losing writer learns the current upper")
}

func TestCompact_AsOfRead(t *testing.T) {
	s := newTestStore(t)
	sh := newTestShard(t, s)
	appendHistory(t, sh)
	ctx := context.Background()

	require.NoError(t, sh.Compact(ctx, upperAt(1000)))
	since, err := sh.Since(ctx)
	require.NoError(t, err)
	assert.Equal(t, upperAt(1000), since)

	info, err := s.GetShard("orders")
	require.NoError(t, err)
	assert.EqualValues(t, 1, info.CompactedThrough)

	h, err := sh.Open(ctx, upperAt(1000), time.Millisecond)
	require.NoError(t, err)
	updates, upper, err := h.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, upperAt(2001), upper)
	assert.Equal(t, []testBinding{
		bind(3, 1000, 1),
		bind(3, 2000, -1),
		bind(5, 2000, 1),
	}, updates)
}

func TestCompact_MergesSettledBatches(t *testing.T) {
	s := newTestStore(t)
	sh := newTestShard(t, s)
	appendHistory(t, sh)
	ctx := context.Background()

	require.NoError(t, sh.Compact(ctx, upperAt(2001)))
	snap, err := sh.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []testBinding{bind(5, 2001, 1)}, snap)

	info, err := s.GetShard("orders")
	require.NoError(t, err)
	assert.EqualValues(t, 3, info.CompactedThrough)
	assert.EqualValues(t, 1, s.CountBindings(info.ID))
}

func TestCompact_SinceMustNotRegress(t *testing.T) {
	sh := newTestShard(t, newTestStore(t))
	appendHistory(t, sh)
	ctx := context.Background()
	require.NoError(t, sh.Compact(ctx, upperAt(1000)))
	assert.ErrorIs(t, sh.Compact(ctx, upperAt(500)), remap.ErrInvalidUsage)
}

func TestOpen_AsOfBehindSince(t *testing.T) {
	sh := newTestShard(t, newTestStore(t))
	appendHistory(t, sh)
	ctx := context.Background()
	require.NoError(t, sh.Compact(ctx, upperAt(1000)))

	_, err := sh.Open(ctx, upperAt(10), time.Millisecond)
	assert.ErrorIs(t, err, remap.ErrSinceAhead)
}

func TestHandle_LaggingReaderSeesCompaction(t *testing.T) {
	sh := newTestShard(t, newTestStore(t))
	ctx := context.Background()
	require.NoError(t, sh.CompareAndAppend(ctx, []testBinding{bind(0, 0, 1)}, upperAt(0), upperAt(1)))

	h, err := sh.Open(ctx, upperAt(0), time.Millisecond)
	require.NoError(t, err)
	_, _, err = h.Next(ctx)
	require.NoError(t, err)

	require.NoError(t, sh.CompareAndAppend(ctx,
		[]testBinding{bind(0, 1000, -1), bind(3, 1000, 1)}, upperAt(1), upperAt(1001)))
	require.NoError(t, sh.Compact(ctx, upperAt(1001)))

	_, _, err = h.Next(ctx)
	assert.ErrorIs(t, err, remap.ErrCompacted)
}

func TestShard_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "remap.db")
	s1, err := New(dbPath)
	require.NoError(t, err)
	sh := newTestShard(t, s1)
	appendHistory(t, sh)
	require.NoError(t, s1.Close())

	s2, err := New(dbPath)
	require.NoError(t, err)
	defer s2.Close()
	sh2, err := OpenShard[model.Partitioned, model.Millis](s2, "orders")
	require.NoError(t, err)
	snap, err := sh2.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap, 5)
	upper, err := sh2.Upper(context.Background())
	require.NoError(t, err)
	assert.Equal(t, upperAt(2001), upper)
}

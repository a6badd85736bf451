package remap

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/reclock/pkg/frontier"
	"github.com/daviddao/reclock/pkg/model"
)

type testBinding = model.Binding[model.Partitioned, model.Millis]

func upperAt(ts ...model.Millis) frontier.Antichain[model.Millis] {
	return frontier.NewAntichain(ts...)
}

func bind(offset uint64, into model.Millis, diff int64) testBinding {
	return testBinding{From: model.NewSingleton(0, offset), Into: into, Diff: diff}
}

func seedLog(t *testing.T) *MemLog[model.Partitioned, model.Millis] {
	t.Helper()
	l := NewMemLog[model.Partitioned, model.Millis]()
	ctx := context.Background()
	h, err := l.Open(upperAt(0))
	require.NoError(t, err)
	require.NoError(t, h.CompareAndAppend(ctx, []testBinding{bind(0, 0, 1)}, upperAt(0), upperAt(1)))
	require.NoError(t, h.CompareAndAppend(ctx,
		[]testBinding{bind(0, 1000, -1), bind(3, 1000, 1)}, upperAt(1), upperAt(1001)))
	require.NoError(t, h.CompareAndAppend(ctx,
		[]testBinding{bind(3, 2000, -1), bind(5, 2000, 1)}, upperAt(1001), upperAt(2001)))
	return l
}

func TestValidateAppend(t *testing.T) {
	assert.NoError(t, ValidateAppend([]testBinding{bind(0, 5, 1)}, upperAt(5), upperAt(6)))
	assert.NoError(t, ValidateAppend([]testBinding{bind(0, 5, 1)}, upperAt(5), upperAt()), "closing the log")
	assert.ErrorIs(t, ValidateAppend[model.Partitioned](nil, upperAt(5), upperAt(4)), ErrInvalidUsage)
	assert.ErrorIs(t, ValidateAppend([]testBinding{bind(0, 4, 1)}, upperAt(5), upperAt(9)), ErrInvalidUsage)
	assert.ErrorIs(t, ValidateAppend([]testBinding{bind(0, 9, 1)}, upperAt(5), upperAt(9)), ErrInvalidUsage)
}

func TestAdvance(t *testing.T) {
	got := Advance([]testBinding{
		bind(0, 0, 1), bind(0, 1000, -1), bind(3, 1000, 1), bind(3, 2000, -1),
	}, upperAt(1000))
	assert.Equal(t, []testBinding{bind(3, 1000, 1), bind(3, 2000, -1)}, got)
}

func TestMemLog_CompareAndAppendMismatch(t *testing.T) {
	l := seedLog(t)
	h, err := l.Open(upperAt(0))
	require.NoError(t, err)

	err = h.CompareAndAppend(context.Background(), []testBinding{bind(9, 1, 1)}, upperAt(1), upperAt(2))
	var mismatch *UpperMismatch[model.Millis]
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, upperAt(1), mismatch.Expected)
	assert.Equal(t, upperAt(2001), mismatch.Current)
	assert.Equal(t, upperAt(2001), h.Upper())
	assert.EqualValues(t, 3, l.Appends())
}

func TestMemLog_CompareAndAppendCancelled(t *testing.T) {
	l := NewMemLog[model.Partitioned, model.Millis]()
	h, err := l.Open(upperAt(0))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.CompareAndAppend(ctx, nil, upperAt(0), upperAt(1)), context.Canceled)
	assert.Equal(t, upperAt(0), l.Upper())
}

func TestMemHandle_Next(t *testing.T) {
	l := seedLog(t)
	h, err := l.Open(upperAt(0))
	require.NoError(t, err)

	updates, upper, err := h.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, upperAt(2001), upper)
	assert.Len(t, updates, 5)
}

func TestMemHandle_NextBlocksUntilAppend(t *testing.T) {
	l := NewMemLog[model.Partitioned, model.Millis]()
	reader, err := l.Open(upperAt(0))
	require.NoError(t, err)
	writer, err := l.Open(upperAt(0))
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = writer.CompareAndAppend(context.Background(), []testBinding{bind(0, 0, 1)}, upperAt(0), upperAt(1))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	updates, upper, err := reader.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, upperAt(1), upper)
	assert.Equal(t, []testBinding{bind(0, 0, 1)}, updates)
}

func TestMemHandle_NextHonorsContext(t *testing.T) {
	l := NewMemLog[model.Partitioned, model.Millis]()
	h, err := l.Open(upperAt(0))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err = h.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemHandle_ClosedAfterEmptyUpper(t *testing.T) {
	l := NewMemLog[model.Partitioned, model.Millis]()
	h, err := l.Open(upperAt(0))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, h.CompareAndAppend(ctx, []testBinding{bind(0, 0, 1)}, upperAt(0), upperAt()))

	_, upper, err := h.Next(ctx)
	require.NoError(t, err)
	assert.True(t, upper.IsEmpty())
	_, _, err = h.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemLog_AsOfRead(t *testing.T) {
	l := seedLog(t)
	require.NoError(t, l.DowngradeSince(upperAt(1000)))

	h, err := l.Open(upperAt(1000))
	require.NoError(t, err)
	updates, upper, err := h.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, upperAt(2001), upper)
	assert.Equal(t, []testBinding{bind(3, 1000, 1), bind(3, 2000, -1), bind(5, 2000, 1)}, updates)
}

func TestMemLog_DowngradeSince(t *testing.T) {
	l := seedLog(t)
	require.NoError(t, l.DowngradeSince(upperAt(2001)))
	assert.Equal(t, []testBinding{bind(5, 2001, 1)}, l.Snapshot())
	assert.Equal(t, upperAt(2001), l.Since())

	assert.ErrorIs(t, l.DowngradeSince(upperAt(10)), ErrInvalidUsage)
	_, err := l.Open(upperAt(10))
	assert.ErrorIs(t, err, ErrSinceAhead)
}

func TestMemHandle_LaggingReaderSeesCompaction(t *testing.T) {
	l := NewMemLog[model.Partitioned, model.Millis]()
	ctx := context.Background()
	h, err := l.Open(upperAt(0))
	require.NoError(t, err)
	require.NoError(t, h.CompareAndAppend(ctx, []testBinding{bind(0, 0, 1)}, upperAt(0), upperAt(1)))
	_, _, err = h.Next(ctx)
	require.NoError(t, err)

	require.NoError(t, h.CompareAndAppend(ctx,
		[]testBinding{bind(0, 1000, -1), bind(3, 1000, 1)}, upperAt(1), upperAt(1001)))
	require.NoError(t, l.DowngradeSince(upperAt(1001)))

	_, _, err = h.Next(ctx)
	assert.ErrorIs(t, err, ErrCompacted)

	fresh, err := l.Open(upperAt(1001))
	require.NoError(t, err)
	updates, _, err := fresh.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []testBinding{bind(3, 1001, 1)}, updates)
}

// Compaction keeps the accumulated source frontier at every time at or
// beyond since.
func TestMemLog_CompactionPreservesAccumulations(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 20; trial++ {
		l := NewMemLog[model.Partitioned, model.Millis]()
		h, err := l.Open(upperAt(0))
		require.NoError(t, err)
		ctx := context.Background()

		require.NoError(t, h.CompareAndAppend(ctx, []testBinding{bind(0, 0, 1)}, upperAt(0), upperAt(1)))
		offset, ts := uint64(0), model.Millis(0)
		for i := 0; i < 10; i++ {
			next := offset + 1 + uint64(rng.Intn(3))
			nextTS := ts + 1 + model.Millis(rng.Intn(100))
			require.NoError(t, h.CompareAndAppend(ctx,
				[]testBinding{bind(offset, nextTS, -1), bind(next, nextTS, 1)},
				upperAt(ts+1), upperAt(nextTS+1)))
			offset, ts = next, nextTS
		}
		before := l.Snapshot()

		since := model.Millis(rng.Intn(int(ts) + 1))
		require.NoError(t, l.DowngradeSince(upperAt(since)))
		after := l.Snapshot()

		for probe := since; probe <= ts+1; probe++ {
			want, err := model.SourceFrontierAt(before, probe)
			require.NoError(t, err)
			got, err := model.SourceFrontierAt(after, probe)
			require.NoError(t, err)
			require.True(t, want.Equal(got), "since %v probe %v: want %v, got %v", since, probe, want, got)
		}
	}
}

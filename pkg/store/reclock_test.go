package store_test

import (
	"context"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/daviddao/reclock/pkg/clock"
	"github.com/daviddao/reclock/pkg/frontier"
	"github.com/daviddao/reclock/pkg/model"
	"github.com/daviddao/reclock/pkg/reclock"
	"github.com/daviddao/reclock/pkg/store"
)

func sourceAt(offset uint64) frontier.Antichain[model.Partitioned] {
	return frontier.NewAntichain(model.PartitionedFrontier(model.PartitionOffset{Partition: 0, Offset: offset})...)
}

// Each writer opens its own Store on the same file, the way separate
// processes would.
func TestReclock_WritersShareSQLiteShard(t *testing.T) {
	const (
		writers = 3
		steps   = 15
	)
	dbPath := filepath.Join(t.TempDir(), "remap.db")
	setup, err := store.New(dbPath)
	require.NoError(t, err)
	defer setup.Close()
	_, err = setup.CreateShard("orders")
	require.NoError(t, err)

	quiet := logrus.New()
	quiet.SetOutput(io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// Until the first binding exists the source frontier is empty, so
	// writers would see every target as already reached.
	seed, err := store.OpenShard[model.Partitioned, model.Millis](setup, "orders")
	require.NoError(t, err)
	sh0, err := seed.Open(ctx, frontier.MinimumAntichain[model.Millis](), time.Millisecond)
	require.NoError(t, err)
	o0, _, err := reclock.New[model.Partitioned, model.Millis](ctx, sh0, reclock.WithLogger(quiet))
	require.NoError(t, err)
	_, err = o0.Mint(ctx, 0, clock.NextUpper(0), frontier.MinimumAntichain[model.Partitioned]())
	require.NoError(t, err)

	var next atomic.Uint64
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			s, err := store.New(dbPath)
			if err != nil {
				return err
			}
			defer s.Close()
			sh, err := store.OpenShard[model.Partitioned, model.Millis](s, "orders")
			if err != nil {
				return err
			}
			h, err := sh.Open(gctx, frontier.MinimumAntichain[model.Millis](), time.Millisecond)
			if err != nil {
				return err
			}
			o, _, err := reclock.New[model.Partitioned, model.Millis](gctx, h, reclock.WithLogger(quiet))
			if err != nil {
				return err
			}
			var clk clock.Clock
			for {
				k := next.Add(1)
				if k > steps {
					return nil
				}
				target := sourceAt(k)
				for !frontier.FrontierLessEqual(target, o.SourceUpper()) {
					clk.Observe(o.Upper())
					ts := clk.Tick()
					if _, err := o.Mint(gctx, ts, clock.NextUpper(ts), target); err != nil {
						return err
					}
				}
			}
		})
	}
	require.NoError(t, g.Wait())

	sh, err := store.OpenShard[model.Partitioned, model.Millis](setup, "orders")
	require.NoError(t, err)
	snap, err := sh.Snapshot(context.Background())
	require.NoError(t, err)
	times := model.BindingTimes(snap)
	require.NotEmpty(t, times)
	for _, ts := range times {
		_, err := model.SourceFrontierAt(snap, ts)
		require.NoError(t, err, "at %v", ts)
	}
	final, err := model.SourceFrontierAt(snap, times[len(times)-1])
	require.NoError(t, err)
	assert.Equal(t, sourceAt(steps), final)
}

func TestReclock_ReplayFromSQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "remap.db")
	s, err := store.New(dbPath)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.CreateShard("orders")
	require.NoError(t, err)
	sh, err := store.OpenShard[model.Partitioned, model.Millis](s, "orders")
	require.NoError(t, err)
	ctx := context.Background()

	h, err := sh.Open(ctx, frontier.MinimumAntichain[model.Millis](), time.Millisecond)
	require.NoError(t, err)
	o, _, err := reclock.New[model.Partitioned, model.Millis](ctx, h)
	require.NoError(t, err)
	_, err = o.Mint(ctx, 0, clock.NextUpper(0), frontier.MinimumAntichain[model.Partitioned]())
	require.NoError(t, err)
	_, err = o.Mint(ctx, 1000, clock.NextUpper(1000), sourceAt(3))
	require.NoError(t, err)

	h2, err := sh.Open(ctx, frontier.MinimumAntichain[model.Millis](), time.Millisecond)
	require.NoError(t, err)
	replayed, initial, err := reclock.New[model.Partitioned, model.Millis](ctx, h2)
	require.NoError(t, err)
	assert.Equal(t, o.SourceUpper(), replayed.SourceUpper())
	assert.Equal(t, frontier.FromElem(model.Millis(1001)), initial.Upper)
}

package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/daviddao/reclock/pkg/clock"
	"github.com/daviddao/reclock/pkg/frontier"
	"github.com/daviddao/reclock/pkg/model"
	"github.com/daviddao/reclock/pkg/reclock"
	"github.com/daviddao/reclock/pkg/remap"
	"github.com/daviddao/reclock/pkg/store/redisstore"
)

// simBackend is a remap log the simulation races writers against.
type simBackend interface {
	name() string
	open(ctx context.Context) (remap.Handle[model.Partitioned, model.Millis], error)
	snapshot(ctx context.Context) ([]binding, error)
	close()
}

type memBackend struct {
	l *remap.MemLog[model.Partitioned, model.Millis]
}

func (b memBackend) name() string { return "memory" }
func (b memBackend) open(context.Context) (remap.Handle[model.Partitioned, model.Millis], error) {
	return b.l.Open(frontier.MinimumAntichain[model.Millis]())
}
func (b memBackend) snapshot(context.Context) ([]binding, error) { return b.l.Snapshot(), nil }
func (b memBackend) close() {}

type sqliteBackend struct {
	sh   *shard
	poll time.Duration
}

func (b sqliteBackend) name() string { return b.sh.Name() }
func (b sqliteBackend) open(ctx context.Context) (remap.Handle[model.Partitioned, model.Millis], error) {
	return b.sh.Open(ctx, frontier.MinimumAntichain[model.Millis](), b.poll)
}
func (b sqliteBackend) snapshot(ctx context.Context) ([]binding, error) { return b.sh.Snapshot(ctx) }
func (b sqliteBackend) close() {}

type redisBackend struct {
	shard string
	l     *redisstore.Log[model.Partitioned, model.Millis]
	poll  time.Duration
	done  func()
}

func (b redisBackend) name() string { return "redis:" + b.shard }
func (b redisBackend) open(ctx context.Context) (remap.Handle[model.Partitioned, model.Millis], error) {
	return b.l.OpenHandle(ctx, frontier.MinimumAntichain[model.Millis](), b.poll)
}
func (b redisBackend) snapshot(ctx context.Context) ([]binding, error) { return b.l.Snapshot(ctx) }
func (b redisBackend) close() { b.done() }

type simulateOptions struct {
	*rootOptions
	Backend    string
	Shard      string
	Writers    int
	Steps      int
	Partitions int
	Wall       bool
}

// simulateResult summarizes a simulation run.
type simulateResult struct {
	Backend    string                                `json:"backend"`
	Writers    int                                   `json:"writers"`
	Steps      int                                   `json:"steps"`
	Attempts   float64                               `json:"mint_attempts"`
	Mismatches float64                               `json:"upper_mismatches"`
	Times      int                                   `json:"binding_times"`
	Final      frontier.Antichain[model.Partitioned] `json:"final_frontier"`
	Elapsed    string                                `json:"elapsed"`
}

func newSimulateCommand(root *rootOptions) *cobra.Command {
	opts := &simulateOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Race concurrent writers against one remap log",
		Long: `Run --writers minting operators against one remap log. Writers take
source targets from a shared increasing sequence, so they constantly
lose compare-and-append races to each other.

Afterwards the log is checked: it must describe a valid source frontier
at every binding time, ending at the last target.

Backends:
  memory   in-process log
  sqlite   a fresh shard in the configured database
  redis    a fresh shard on the configured Redis server`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Writers < 1 || opts.Steps < 1 || opts.Partitions < 1 {
				return fmt.Errorf("simulate: --writers, --steps and --partitions must be positive")
			}
			return runSimulate(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Backend, "backend", "memory", "memory, sqlite or redis")
	cmd.Flags().StringVar(&opts.Shard, "shard", "", "shard name for sqlite/redis (default: sim-<random>)")
	cmd.Flags().IntVar(&opts.Writers, "writers", 4, "concurrent writers")
	cmd.Flags().IntVar(&opts.Steps, "steps", 50, "source targets to reach")
	cmd.Flags().IntVar(&opts.Partitions, "partitions", 2, "source partitions")
	cmd.Flags().BoolVar(&opts.Wall, "wall", false, "writers use wall-clock binding times")

	return cmd
}

func (a *app) simBackend(ctx context.Context, kind, name string) (simBackend, error) {
	if name == "" {
		name = "sim-" + uuid.NewString()[:8]
	}
	switch kind {
	case "memory":
		return memBackend{l: remap.NewMemLog[model.Partitioned, model.Millis]()}, nil
	case "sqlite":
		if _, err := a.store.CreateShard(name); err != nil {
			return nil, err
		}
		sh, err := a.openShard(name)
		if err != nil {
			return nil, err
		}
		return sqliteBackend{sh: sh, poll: a.cfg.PollInterval}, nil
	case "redis":
		if a.cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("redis backend needs redis.addr or RECLOCK_REDIS_ADDR")
		}
		c, err := redisstore.Dial(ctx, a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		l, err := redisstore.Open[model.Partitioned, model.Millis](c, name)
		if err != nil {
			c.Close()
			return nil, err
		}
		return redisBackend{shard: name, l: l, poll: a.cfg.PollInterval, done: func() { c.Close() }}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}

// simTarget is the k-th source target: partition p at offset k*(p+1).
func simTarget(k uint64, partitions int) frontier.Antichain[model.Partitioned] {
	items := make([]model.PartitionOffset, partitions)
	for p := range items {
		items[p] = model.PartitionOffset{Partition: int32(p), Offset: k * uint64(p+1)}
	}
	return frontier.NewAntichain(model.PartitionedFrontier(items...)...)
}

func runSimulate(cmd *cobra.Command, opts *simulateOptions) error {
	a := opts.app
	ctx := cmd.Context()
	start := time.Now()

	b, err := a.simBackend(ctx, opts.Backend, opts.Shard)
	if err != nil {
		return fmt.Errorf("simulate: %w", err)
	}
	defer b.close()

	newClock := func() *clock.Clock {
		if opts.Wall {
			return clock.NewWallClock(time.Now)
		}
		return &clock.Clock{}
	}
	newWriter := func(ctx context.Context, id int) (*minter, error) {
		h, err := b.open(ctx)
		if err != nil {
			return nil, err
		}
		return newMinter(ctx, h, newClock(),
			reclock.WithLogger(a.log.WithField("writer", id)),
			reclock.WithMetrics(a.metrics))
	}

	// The first binding, so writers start from a non-empty collection.
	seed, err := newWriter(ctx, 0)
	if err != nil {
		return fmt.Errorf("simulate: %w", err)
	}
	if _, err := seed.advance(ctx, frontier.MinimumAntichain[model.Partitioned]()); err != nil {
		return fmt.Errorf("simulate: seed: %w", err)
	}

	var next atomic.Uint64
	steps := uint64(opts.Steps)
	g, gctx := errgroup.WithContext(ctx)
	for w := 1; w <= opts.Writers; w++ {
		g.Go(func() error {
			m, err := newWriter(gctx, w)
			if err != nil {
				return err
			}
			for {
				k := next.Add(1)
				if k > steps {
					return nil
				}
				if _, err := m.advance(gctx, simTarget(k, opts.Partitions)); err != nil {
					return fmt.Errorf("writer %d: %w", w, err)
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("simulate: %w", err)
	}

	snap, err := b.snapshot(ctx)
	if err != nil {
		return fmt.Errorf("simulate: %w", err)
	}
	times := model.BindingTimes(snap)
	for _, ts := range times {
		if _, err := model.SourceFrontierAt(snap, ts); err != nil {
			return fmt.Errorf("simulate: remap log invalid at %v: %w", ts, err)
		}
	}
	res := simulateResult{
		Backend:    b.name(),
		Writers:    opts.Writers,
		Steps:      opts.Steps,
		Attempts:   counterValue(a.metrics.Registry(), a.cfg.Metrics.Namespace+"_mint_attempts_total"),
		Mismatches: counterValue(a.metrics.Registry(), a.cfg.Metrics.Namespace+"_mint_upper_mismatches_total"),
		Times:      len(times),
		Elapsed:    time.Since(start).Round(time.Millisecond).String(),
	}
	if latest, ok := latestTime(snap); ok {
		if res.Final, err = model.SourceFrontierAt(snap, latest); err != nil {
			return fmt.Errorf("simulate: %w", err)
		}
	}
	if want := simTarget(steps, opts.Partitions); !res.Final.Equal(want) {
		return fmt.Errorf("simulate: final frontier %s, want %s", res.Final, want)
	}

	a.log.WithFields(logrus.Fields{
		"backend":    res.Backend,
		"mismatches": res.Mismatches,
	}).Info("simulation passed")

	out := cmd.OutOrStdout()
	if opts.JSON {
		printJSON(out, res)
		return nil
	}
	fmt.Fprintf(out, "simulated %d writers x %d steps on %s in %s\n", res.Writers, res.Steps, res.Backend, res.Elapsed)
	fmt.Fprintf(out, "  mint attempts:    %.0f\n", res.Attempts)
	fmt.Fprintf(out, "  upper mismatches: %.0f\n", res.Mismatches)
	fmt.Fprintf(out, "  binding times:    %d\n", res.Times)
	fmt.Fprintf(out, "  final frontier:   %s\n", res.Final)
	fmt.Fprintln(out, "remap log valid at every binding time")
	return nil
}

// counterValue returns the value of the named counter in reg, or 0.
func counterValue(reg prometheus.Gatherer, name string) float64 {
	families, err := reg.Gather()
	if err != nil {
		return 0
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range f.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}

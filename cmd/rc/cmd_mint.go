package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/daviddao/reclock/pkg/clock"
	"github.com/daviddao/reclock/pkg/frontier"
	"github.com/daviddao/reclock/pkg/model"
	"github.com/daviddao/reclock/pkg/reclock"
	"github.com/daviddao/reclock/pkg/remap"
)

var (
	errLogClosed    = errors.New("remap log is closed")
	errTargetBehind = errors.New("source target is behind or incomparable with the recorded source frontier")
)

// minter drives one operator toward source targets, taking binding times
// from its own clock.
type minter struct {
	op  *reclock.Operator[model.Partitioned, model.Millis]
	clk *clock.Clock
}

// newMinter replays h and seeds clk from the replayed upper, so the first
// binding time it issues is not behind the log.
func newMinter(ctx context.Context, h remap.Handle[model.Partitioned, model.Millis], clk *clock.Clock, opts ...reclock.Option) (*minter, error) {
	op, _, err := reclock.New[model.Partitioned, model.Millis](ctx, h, opts...)
	if err != nil {
		return nil, err
	}
	if upper := op.Upper(); upper.Len() == 1 && upper.Elements()[0] > clk.Value() {
		clk.Set(upper.Elements()[0] - 1)
	}
	return &minter{op: op, clk: clk}, nil
}

// advance mints until target is reached, absorbing bindings written by
// concurrent writers. It returns the bindings this call read or wrote.
// A target the source frontier cannot advance to fails with
// errTargetBehind.
func (m *minter) advance(ctx context.Context, target frontier.Antichain[model.Partitioned]) ([]binding, error) {
	if m.op.Upper().IsEmpty() && !target.IsEmpty() {
		return nil, errLogClosed
	}
	var seen []binding
	for m.op.Upper().IsMinimum() || !frontier.FrontierLessEqual(target, m.op.SourceUpper()) {
		if err := ctx.Err(); err != nil {
			return seen, err
		}
		upper := m.op.Upper()
		if upper.IsEmpty() {
			return seen, errLogClosed
		}
		if !upper.IsMinimum() && !frontier.FrontierLessEqual(m.op.SourceUpper(), target) {
			return seen, fmt.Errorf("%w: target %s, source %s", errTargetBehind, target, m.op.SourceUpper())
		}
		m.clk.Observe(upper)
		ts := m.clk.Tick()
		batch, err := m.op.Mint(ctx, ts, clock.NextUpper(ts), target)
		if err != nil {
			return seen, err
		}
		if len(batch.Updates) == 0 && m.op.Upper().Equal(upper) {
			return seen, fmt.Errorf("%w: no progress at %v", errTargetBehind, ts)
		}
		seen = append(seen, batch.Updates...)
	}
	return seen, nil
}

// mintAt makes a single mint attempt at ts.
func (m *minter) mintAt(ctx context.Context, ts model.Millis, target frontier.Antichain[model.Partitioned]) ([]binding, error) {
	if m.op.Upper().IsEmpty() {
		return nil, errLogClosed
	}
	if ts.Next() == ts {
		return nil, fmt.Errorf("time %v has no successor", ts)
	}
	batch, err := m.op.Mint(ctx, ts, clock.NextUpper(ts), target)
	return batch.Updates, err
}

type mintOptions struct {
	*rootOptions
	Shard   string
	Offsets string
	TS      string
	Close   bool
	Wall    bool
}

func newMintCommand(root *rootOptions) *cobra.Command {
	opts := &mintOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Bind a source frontier to a time",
		Long: `Advance the shard's remap collection so the given source frontier is
bound at a new time.

Without --ts the binding time comes from a clock that never falls behind
the shard's upper; with --wall that clock also tracks wall-clock
milliseconds. With --ts exactly one mint is attempted at that time, and
nothing is written if the shard has moved past it.

Examples:
  rc mint --offsets 0=0            # first binding
  rc mint --offsets 0=4,1=7 --wall
  rc mint --close                  # the source is finished`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Offsets == "" && !opts.Close {
				return errors.New("mint: pass --offsets or --close")
			}
			return runMint(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Shard, "shard", "", "shard name or ID (default from config)")
	cmd.Flags().StringVar(&opts.Offsets, "offsets", "", "source frontier as partition=offset,...")
	cmd.Flags().StringVar(&opts.TS, "ts", "", "explicit binding time in milliseconds")
	cmd.Flags().BoolVar(&opts.Close, "close", false, "bind the closed source and close the shard")
	cmd.Flags().BoolVar(&opts.Wall, "wall", false, "take binding times from the wall clock")

	return cmd
}

func runMint(cmd *cobra.Command, opts *mintOptions) error {
	a := opts.app
	ctx := cmd.Context()

	target := frontier.Antichain[model.Partitioned]{}
	if !opts.Close {
		var err error
		if target, err = parseOffsets(opts.Offsets); err != nil {
			return fmt.Errorf("mint: %w", err)
		}
	}

	sh, err := a.openShard(a.resolveShard(opts.Shard))
	if err != nil {
		return fmt.Errorf("mint: %w", err)
	}
	since, err := sh.Since(ctx)
	if err != nil {
		return fmt.Errorf("mint: %w", err)
	}
	h, err := sh.Open(ctx, since, a.cfg.PollInterval)
	if err != nil {
		return fmt.Errorf("mint: %w", err)
	}
	clk := &clock.Clock{}
	if opts.Wall {
		clk = clock.NewWallClock(time.Now)
	}
	m, err := newMinter(ctx, h, clk, reclock.WithLogger(a.log), reclock.WithMetrics(a.metrics))
	if err != nil {
		return fmt.Errorf("mint: %w", err)
	}

	var updates []binding
	if opts.TS != "" {
		ts, perr := parseMillis(opts.TS)
		if perr != nil {
			return fmt.Errorf("mint: %w", perr)
		}
		updates, err = m.mintAt(ctx, ts, target)
	} else {
		updates, err = m.advance(ctx, target)
	}
	if err != nil {
		return fmt.Errorf("mint: %w", err)
	}

	a.log.WithFields(logrus.Fields{
		"shard":        sh.Name(),
		"upper":        m.op.Upper().String(),
		"source_upper": m.op.SourceUpper().String(),
		"bindings":     len(updates),
	}).Info("mint complete")

	out := cmd.OutOrStdout()
	if opts.JSON {
		printJSON(out, map[string]any{
			"shard":        sh.Name(),
			"upper":        m.op.Upper(),
			"source_upper": m.op.SourceUpper(),
			"updates":      updates,
		})
		return nil
	}
	if len(updates) == 0 {
		fmt.Fprintf(out, "no change: shard %s already at upper %s, source %s\n",
			sh.Name(), m.op.Upper(), m.op.SourceUpper())
		return nil
	}
	fmt.Fprintf(out, "minted into %s: upper %s, source %s\n", sh.Name(), m.op.Upper(), m.op.SourceUpper())
	for _, u := range updates {
		fmt.Fprintf(out, "  %s\n", u)
	}
	return nil
}

package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/daviddao/reclock/pkg/frontier"
	"github.com/daviddao/reclock/pkg/model"
	"github.com/daviddao/reclock/pkg/remap"
)

type logOptions struct {
	*rootOptions
	Shard string
	AsOf  string
}

func newLogCommand(root *rootOptions) *cobra.Command {
	opts := &logOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Print a shard's bindings",
		Long: `Print the consolidated bindings of a shard.

With --as-of, binding times are first advanced to that time, so the
output is what a reader opened at --as-of would see.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Shard, "shard", "", "shard name or ID (default from config)")
	cmd.Flags().StringVar(&opts.AsOf, "as-of", "", "advance binding times to this time")

	return cmd
}

func runLog(cmd *cobra.Command, opts *logOptions) error {
	a := opts.app
	ctx := cmd.Context()
	sh, err := a.openShard(a.resolveShard(opts.Shard))
	if err != nil {
		return fmt.Errorf("log: %w", err)
	}
	snap, err := sh.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if opts.AsOf != "" {
		ts, err := parseMillis(opts.AsOf)
		if err != nil {
			return fmt.Errorf("log: %w", err)
		}
		snap = remap.Advance(snap, frontier.FromElem(ts))
	}

	out := cmd.OutOrStdout()
	if opts.JSON {
		if snap == nil {
			snap = []binding{}
		}
		printJSON(out, snap)
		return nil
	}
	if len(snap) == 0 {
		fmt.Fprintf(out, "shard %s has no bindings\n", sh.Name())
		return nil
	}
	slices.SortStableFunc(snap, func(x, y binding) int { return x.Into.Compare(y.Into) })
	var last model.Millis
	for i, b := range snap {
		if i == 0 || b.Into != last {
			fmt.Fprintf(out, "@%v\n", b.Into)
			last = b.Into
		}
		sign := "+"
		if b.Diff < 0 {
			sign = ""
		}
		fmt.Fprintf(out, "  %s%d %s\n", sign, b.Diff, b.From)
	}
	return nil
}

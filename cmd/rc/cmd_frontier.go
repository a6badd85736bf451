package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daviddao/reclock/pkg/frontier"
	"github.com/daviddao/reclock/pkg/model"
	"github.com/daviddao/reclock/pkg/remap"
)

var errNoBindings = errors.New("shard has no bindings")

// frontierStatus is the source frontier of a shard at one time.
type frontierStatus struct {
	Shard    string                                `json:"shard"`
	AsOf     model.Millis                          `json:"as_of"`
	Since    frontier.Antichain[model.Millis]      `json:"since"`
	Upper    frontier.Antichain[model.Millis]      `json:"upper"`
	Frontier frontier.Antichain[model.Partitioned] `json:"frontier"`
}

// frontierAt reads the source frontier of sh at asOf, or at its latest
// binding time when asOf is nil. Times behind the shard's since have been
// compacted away and are rejected.
func frontierAt(ctx context.Context, sh *shard, asOf *model.Millis) (frontierStatus, error) {
	st := frontierStatus{Shard: sh.Name()}
	var err error
	if st.Since, err = sh.Since(ctx); err != nil {
		return st, err
	}
	if st.Upper, err = sh.Upper(ctx); err != nil {
		return st, err
	}
	snap, err := sh.Snapshot(ctx)
	if err != nil {
		return st, err
	}
	if asOf != nil {
		st.AsOf = *asOf
	} else {
		latest, ok := latestTime(snap)
		if !ok {
			return st, errNoBindings
		}
		st.AsOf = latest
	}
	if !st.Since.LessEqual(st.AsOf) {
		return st, fmt.Errorf("%w: time %v, since %s", remap.ErrSinceAhead, st.AsOf, st.Since)
	}
	st.Frontier, err = model.SourceFrontierAt(snap, st.AsOf)
	return st, err
}

type frontierOptions struct {
	*rootOptions
	Shard string
	AsOf  string
}

func newFrontierCommand(root *rootOptions) *cobra.Command {
	opts := &frontierOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "frontier",
		Short: "Show the source frontier at a time",
		Long: `Show which source offsets had been consumed as of a time: the
accumulation of the shard's bindings at that time.

Without --as-of the latest binding time is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFrontier(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Shard, "shard", "", "shard name or ID (default from config)")
	cmd.Flags().StringVar(&opts.AsOf, "as-of", "", "time in milliseconds")

	return cmd
}

func runFrontier(cmd *cobra.Command, opts *frontierOptions) error {
	a := opts.app
	sh, err := a.openShard(a.resolveShard(opts.Shard))
	if err != nil {
		return fmt.Errorf("frontier: %w", err)
	}
	var asOf *model.Millis
	if opts.AsOf != "" {
		ts, err := parseMillis(opts.AsOf)
		if err != nil {
			return fmt.Errorf("frontier: %w", err)
		}
		asOf = &ts
	}

	st, err := frontierAt(cmd.Context(), sh, asOf)
	if err != nil {
		return fmt.Errorf("frontier: %w", err)
	}

	out := cmd.OutOrStdout()
	if opts.JSON {
		printJSON(out, st)
		return nil
	}
	fmt.Fprintf(out, "%s as of %v: %s\n", st.Shard, st.AsOf, st.Frontier)
	if st.Frontier.IsEmpty() {
		fmt.Fprintln(out, "  source closed")
	}
	for _, p := range st.Frontier.Elements() {
		fmt.Fprintf(out, "  %s\n", p)
	}
	return nil
}

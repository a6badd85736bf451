package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daviddao/reclock/pkg/frontier"
)

type compactOptions struct {
	*rootOptions
	Shard string
	Since string
}

func newCompactCommand(root *rootOptions) *cobra.Command {
	opts := &compactOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Forget history before a time",
		Long: `Advance the shard's since to --since and merge the batches it settles.

Readers can no longer open the shard as of a time behind --since, and
the source frontier at such times is no longer available. Accumulations
at times at or beyond --since are unchanged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Shard, "shard", "", "shard name or ID (default from config)")
	cmd.Flags().StringVar(&opts.Since, "since", "", "new since, in milliseconds")
	_ = cmd.MarkFlagRequired("since")

	return cmd
}

func runCompact(cmd *cobra.Command, opts *compactOptions) error {
	a := opts.app
	ctx := cmd.Context()
	ts, err := parseMillis(opts.Since)
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	sh, err := a.openShard(a.resolveShard(opts.Shard))
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	before := a.store.CountBindings(sh.ID())
	if err := sh.Compact(ctx, frontier.FromElem(ts)); err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	after := a.store.CountBindings(sh.ID())
	a.log.WithField("shard", sh.Name()).WithField("since", ts).
		Infof("compacted %d bindings into %d", before, after)

	out := cmd.OutOrStdout()
	if opts.JSON {
		printJSON(out, map[string]any{
			"shard":           sh.Name(),
			"since":           frontier.FromElem(ts),
			"bindings_before": before,
			"bindings_after":  after,
		})
		return nil
	}
	fmt.Fprintf(out, "compacted %s to since {%v}: %d -> %d bindings\n", sh.Name(), ts, before, after)
	return nil
}

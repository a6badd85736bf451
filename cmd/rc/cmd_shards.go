package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newShardsCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shards",
		Short: "List shards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			shards, err := root.app.store.ListShards()
			if err != nil {
				return fmt.Errorf("shards: %w", err)
			}
			out := cmd.OutOrStdout()
			if root.JSON {
				printJSON(out, shards)
				return nil
			}
			if len(shards) == 0 {
				fmt.Fprintln(out, "no shards (run 'rc init')")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tUPPER\tSINCE\tBATCHES\tID")
			for _, s := range shards {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.Name, s.Upper, s.Since, s.Seqno, s.ID)
			}
			return tw.Flush()
		},
	}
}

package main

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/daviddao/reclock/pkg/store"
)

// shardStatus is one shard's row in rc status.
type shardStatus struct {
	store.ShardInfo
	Bindings int64           `json:"bindings"`
	Current  *frontierStatus `json:"current,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func newStatusCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show every shard's upper, since and current source frontier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, root)
		},
	}
}

func runStatus(cmd *cobra.Command, root *rootOptions) error {
	a := root.app
	ctx := cmd.Context()
	shards, err := a.store.ListShards()
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	rows := make([]shardStatus, len(shards))
	for i, info := range shards {
		rows[i] = shardStatus{ShardInfo: info, Bindings: a.store.CountBindings(info.ID)}
		sh, err := a.openShard(info.ID)
		if err != nil {
			rows[i].Error = err.Error()
			continue
		}
		st, err := frontierAt(ctx, sh, nil)
		switch {
		case errors.Is(err, errNoBindings):
		case err != nil:
			rows[i].Error = err.Error()
		default:
			rows[i].Current = &st
		}
	}

	out := cmd.OutOrStdout()
	if root.JSON {
		printJSON(out, map[string]any{
			"db":     a.cfg.DB,
			"shards": rows,
		})
		return nil
	}
	fmt.Fprintf(out, "db: %s\n", a.cfg.DB)
	if len(rows) == 0 {
		fmt.Fprintln(out, "shards: none")
		return nil
	}
	fmt.Fprintln(out, "shards:")
	for _, r := range rows {
		fmt.Fprintf(out, "  %-20s upper=%-16s since=%-10s batches=%-4d bindings=%-5d created %s\n",
			r.Name, r.Upper, r.Since, r.Seqno, r.Bindings, humanize.Time(r.CreatedAt))
		switch {
		case r.Error != "":
			fmt.Fprintf(out, "    error: %s\n", r.Error)
		case r.Current != nil:
			fmt.Fprintf(out, "    source as of %v: %s\n", r.Current.AsOf, r.Current.Frontier)
		default:
			fmt.Fprintln(out, "    no bindings yet")
		}
	}
	return nil
}

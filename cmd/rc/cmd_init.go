package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/daviddao/reclock/pkg/config"
)

type initOptions struct {
	*rootOptions
	Shard       string
	WriteConfig string
}

func newInitCommand(root *rootOptions) *cobra.Command {
	opts := &initOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "init [shard]",
		Short: "Create the database and a shard",
		Long: `Create the database (if needed) and register a shard in it.

init is idempotent: an existing shard is reported, not recreated.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.Shard = args[0]
			}
			return runInit(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.WriteConfig, "write-config", "", "also write the effective config to this path if it does not exist")

	return cmd
}

func runInit(cmd *cobra.Command, opts *initOptions) error {
	a := opts.app
	name := a.resolveShard(opts.Shard)

	info, err := a.store.CreateShard(name)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	a.log.WithField("shard", info.Name).Debug("shard ready")

	wrote := false
	if opts.WriteConfig != "" {
		wrote, err = writeConfig(opts.WriteConfig, a.cfg)
		if err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	if opts.JSON {
		printJSON(out, map[string]any{
			"db":    a.cfg.DB,
			"shard": info,
		})
		return nil
	}
	fmt.Fprintf(out, "initialized reclock (db: %s)\n", a.cfg.DB)
	fmt.Fprintf(out, "  shard %q (id %s)\n", info.Name, info.ID)
	if wrote {
		fmt.Fprintf(out, "  wrote config to %s\n", opts.WriteConfig)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "next steps:")
	fmt.Fprintf(out, "  export RECLOCK_SHARD=%s\n", info.Name)
	fmt.Fprintln(out, "  rc mint --offsets 0=0   # initial binding")
	fmt.Fprintln(out, "  rc status")
	return nil
}

// writeConfig writes cfg as YAML to path unless a file is already there.
func writeConfig(path string, cfg config.Config) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return false, fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

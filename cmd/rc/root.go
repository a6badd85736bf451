package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/daviddao/reclock/pkg/config"
)

// rootOptions holds global flags and the app opened for the running
// subcommand.
type rootOptions struct {
	JSON       bool
	ConfigPath string
	EnvFile    string

	app *app
}

func newRootCommand() (*cobra.Command, *rootOptions) {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:     "rc",
		Short:   "rc - reclock partitioned offsets into milliseconds",
		Version: version,
		Long: `rc maintains remap collections: durable logs of bindings that say which
source offsets had been consumed as of each millisecond.

Several rc processes may mint into the same shard; compare-and-append on
the shared SQLite database keeps their bindings consistent.

Environment:
  RECLOCK_CONFIG    config file (default: .reclock/config.yaml)
  RECLOCK_DB        SQLite database path (default: .reclock/reclock.db)
  RECLOCK_SHARD     default shard (avoids passing --shard every time)`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.open()
		},
	}

	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "JSON output")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (overrides RECLOCK_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded if present")

	cmd.AddCommand(newInitCommand(opts))
	cmd.AddCommand(newShardsCommand(opts))
	cmd.AddCommand(newMintCommand(opts))
	cmd.AddCommand(newFrontierCommand(opts))
	cmd.AddCommand(newLogCommand(opts))
	cmd.AddCommand(newCompactCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newSimulateCommand(opts))
	cmd.AddCommand(newServeCommand(opts))

	return cmd, opts
}

// execute runs cmd and closes the app it opened, whether or not the
// subcommand failed.
func execute(cmd *cobra.Command, opts *rootOptions) error {
	err := cmd.Execute()
	if opts.app != nil {
		opts.app.Close()
	}
	return err
}

// open loads the dotenv file and config, then opens the database.
func (o *rootOptions) open() error {
	if o.EnvFile != "" {
		if err := godotenv.Load(o.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", o.EnvFile, err)
		}
	}
	path, required := o.ConfigPath, o.ConfigPath != ""
	if path == "" {
		env := os.Getenv("RECLOCK_CONFIG")
		path, required = envOr("RECLOCK_CONFIG", config.DefaultFile), env != ""
	}
	cfg, err := config.Load(path, required)
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	o.app = a
	return nil
}

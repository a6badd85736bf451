package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/daviddao/reclock/pkg/config"
	"github.com/daviddao/reclock/pkg/frontier"
	"github.com/daviddao/reclock/pkg/model"
	"github.com/daviddao/reclock/pkg/reclock"
	"github.com/daviddao/reclock/pkg/store"
)

// The CLI reclocks Kafka-style partitioned offsets into milliseconds.
type (
	shard   = store.Shard[model.Partitioned, model.Millis]
	binding = model.Binding[model.Partitioned, model.Millis]
)

// app holds shared state for all CLI subcommands.
type app struct {
	cfg     config.Config
	store   *store.Store
	log     *logrus.Logger
	metrics *reclock.Metrics
}

// newApp opens the database named by cfg, creating its directory if
// needed.
func newApp(cfg config.Config) (*app, error) {
	log, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(cfg.DB); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create %s: %w", dir, err)
		}
	}
	s, err := store.New(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("cannot open database %q: %w", cfg.DB, err)
	}
	return &app{
		cfg:     cfg,
		store:   s,
		log:     log,
		metrics: reclock.NewMetrics(cfg.Metrics.Namespace),
	}, nil
}

// Close releases the database connection.
func (a *app) Close() { a.store.Close() }

func newLogger(cfg config.LogConfig) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(level)
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}

// resolveShard returns the shard name from the flag (if non-empty),
// falling back to the configured shard.
func (a *app) resolveShard(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	return a.cfg.Shard
}

// openShard opens an existing shard by name or ID.
func (a *app) openShard(nameOrID string) (*shard, error) {
	sh, err := store.OpenShard[model.Partitioned, model.Millis](a.store, nameOrID)
	if err != nil {
		return nil, fmt.Errorf("shard %q: %w", nameOrID, err)
	}
	return sh, nil
}

// parseOffsets parses "0=4,1=7" into the source frontier where partition
// 0 is at offset 4 and partition 1 at offset 7. "closed" is the empty
// frontier of a finished source.
func parseOffsets(s string) (frontier.Antichain[model.Partitioned], error) {
	s = strings.TrimSpace(s)
	if s == "closed" {
		return frontier.Antichain[model.Partitioned]{}, nil
	}
	if s == "" {
		return frontier.MinimumAntichain[model.Partitioned](), nil
	}
	var items []model.PartitionOffset
	for _, part := range strings.Split(s, ",") {
		pid, off, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return frontier.Antichain[model.Partitioned]{}, fmt.Errorf("offset %q: want partition=offset", part)
		}
		p, err := strconv.ParseInt(pid, 10, 32)
		if err != nil || p < 0 {
			return frontier.Antichain[model.Partitioned]{}, fmt.Errorf("partition %q: not a non-negative integer", pid)
		}
		o, err := strconv.ParseUint(off, 10, 64)
		if err != nil {
			return frontier.Antichain[model.Partitioned]{}, fmt.Errorf("offset %q: %w", off, err)
		}
		items = append(items, model.PartitionOffset{Partition: int32(p), Offset: o})
	}
	return frontier.NewAntichain(model.PartitionedFrontier(items...)...), nil
}

func parseMillis(s string) (model.Millis, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("time %q: %w", s, err)
	}
	return model.Millis(v), nil
}

// latestTime returns the greatest binding time in bindings, or false if
// there are none.
func latestTime(bindings []binding) (model.Millis, bool) {
	times := model.BindingTimes(bindings)
	if len(times) == 0 {
		return 0, false
	}
	return times[len(times)-1], true
}

// printJSON writes v to w as indented JSON.
func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"zb.256lights.llc/drvq/internal/cachepush"
	"zb.256lights.llc/drvq/internal/worker"
	"zombiezen.com/go/log"
)

type workerOptions struct {
	sweep   bool
	builder []string
	tempDir string
}

func newWorkerCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:   "worker [options] [-- BUILDER [ARG [...]]]",
		Short: "claim and build derivations until interrupted",
		Long: "worker claims buildable derivations, runs the builder for each one, " +
			"and pushes completed outputs to the configured caches.\n\n" +
			"The builder is run with the derivation path as its last argument " +
			"and must print the output path as the last line of its standard output.",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ArbitraryArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(workerOptions)
	c.Flags().Var(stringOverride(&g.WorkerID), "id", "worker `name` used in reservations (defaults to host name)")
	c.Flags().Var(intOverride(&g.RetryLimit), "retry-limit", "`number` of failed attempts before a derivation fails permanently")
	c.Flags().Var(durationOverride(&g.HeartbeatInterval), "heartbeat-interval", "`duration` between reservation heartbeats")
	c.Flags().Var(durationOverride(&g.StaleThreshold), "stale-threshold", "`duration` without a heartbeat before a reservation is reclaimed")
	c.Flags().Var(durationOverride(&g.PollInterval), "poll-interval", "`duration` to wait when there is no work")
	c.Flags().BoolVar(&opts.sweep, "sweep", false, "also reclaim stale reservations from other workers")
	c.Flags().StringVar(&opts.tempDir, "temp-dir", os.TempDir(), "`dir`ectory for staging cache uploads")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.builder = args
		return runWorker(cmd.Context(), g, opts)
	}
	return c
}

func runWorker(ctx context.Context, g *globalConfig, opts *workerOptions) error {
	builderArgs := opts.builder
	if len(builderArgs) == 0 {
		builderArgs = g.Builder
	}
	if len(builderArgs) == 0 {
		return fmt.Errorf("no builder configured (set \"builder\" in config or pass it after --)")
	}

	destinations := make(map[string]cachepush.Destination)
	for _, s := range g.CacheDestinations {
		dest, err := cachepush.ParseDestination(s, &cachepush.Options{
			Token: g.CacheToken,
		})
		if err != nil {
			return err
		}
		destinations[s] = dest
	}

	store, err := g.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	wopts := &worker.Options{
		ID:                g.WorkerID,
		Store:             store,
		Builder:           &worker.CommandBuilder{Args: builderArgs},
		HeartbeatInterval: time.Duration(g.HeartbeatInterval),
		StaleThreshold:    time.Duration(g.StaleThreshold),
		PollInterval:      time.Duration(g.PollInterval),
		Notify:            sdNotify,
	}
	if len(destinations) > 0 {
		wopts.Pusher = &cachepush.Pusher{TempDir: opts.tempDir}
		wopts.Destinations = destinations
	}
	if opts.sweep {
		wopts.SweepInterval = time.Duration(g.SweepInterval)
	}
	if interval, err := daemon.SdWatchdogEnabled(false); err != nil {
		log.Warnf(ctx, "Watchdog: %v", err)
	} else if interval > 0 {
		wopts.WatchdogInterval = interval / 2
	}
	w, err := worker.New(wopts)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// sdNotify sends a notification to the service manager if there is one.
func sdNotify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Debugf(context.Background(), "sd_notify %s: %v", state, err)
	}
}

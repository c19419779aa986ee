// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"zb.256lights.llc/drvq/internal/scheduler"
	"zombiezen.com/go/log"
)

type sweepOptions struct {
	loop bool
}

func newSweepCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "sweep [options]",
		Short:                 "reclaim reservations held by unresponsive workers",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(sweepOptions)
	c.Flags().BoolVar(&opts.loop, "loop", false, "keep sweeping until interrupted")
	c.Flags().Var(durationOverride(&g.SweepInterval), "interval", "`duration` between sweeps with --loop")
	c.Flags().Var(durationOverride(&g.StaleThreshold), "stale-threshold", "`duration` without a heartbeat before a reservation is reclaimed")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runSweep(cmd.Context(), g, opts)
	}
	return c
}

func runSweep(ctx context.Context, g *globalConfig, opts *sweepOptions) error {
	store, err := g.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	threshold := time.Duration(g.StaleThreshold)
	if !opts.loop {
		result, err := store.SweepStale(ctx, threshold)
		if err != nil {
			return err
		}
		printSweepResult(result)
		return nil
	}

	interval := time.Duration(g.SweepInterval)
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := store.SweepStale(ctx, threshold); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorf(ctx, "%v", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

func printSweepResult(result *scheduler.SweepResult) {
	fmt.Printf("reclaimed %d reservations\n", len(result.Reclaimed))
	for _, r := range result.Reclaimed {
		fmt.Printf("  derivation %d from %s: %v (attempts %d)\n", r.DerivationID, r.WorkerID, r.Status, r.Attempts)
	}
	if result.RequeuedCacheJobs > 0 || result.FailedCacheJobs > 0 {
		fmt.Printf("requeued %d cache push jobs, %d permanently failed\n", result.RequeuedCacheJobs, result.FailedCacheJobs)
	}
}

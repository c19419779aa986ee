// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// drvq coordinates derivation builds across a fleet of workers
// that share a single SQLite database.
package main

import (
	"context"
	"os"
	"os/signal"
	"slices"
	"sync"

	"github.com/spf13/cobra"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "drvq",
		Short:         "distributed derivation build queue",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := defaultGlobalConfig()
	configPaths := rootCommand.PersistentFlags().StringArray("config", nil, "`path` to a configuration file to merge (can be passed multiple times)")
	rootCommand.PersistentFlags().Var(stringOverride(&g.Database), "db", "`path` to scheduler database")
	showDebug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := g.mergeFiles(configFiles()); err != nil {
			initLogging(*showDebug)
			return err
		}
		if err := g.mergeFiles(slices.Values(*configPaths)); err != nil {
			initLogging(*showDebug)
			return err
		}
		g.mergeEnvironment()
		applyFlagOverrides(cmd.Flags())
		if *showDebug {
			g.Debug = true
		}
		initLogging(g.Debug)
		return g.validate()
	}

	rootCommand.AddCommand(
		newWorkerCommand(g),
		newSweepCommand(g),
		newResetCommand(g),
		newImportCommand(g),
		newStatusCommand(g),
		newServeCommand(g),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "drvq: ", log.StdFlags, nil),
		})
	})
}

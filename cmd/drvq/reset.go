// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"zombiezen.com/go/log"
)

func newResetCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:   "reset",
		Short: "reconcile derivations left behind by an unclean shutdown",
		Long: "reset returns every unreserved derivation in a transient state " +
			"to the state implied by the artifacts it has already produced. " +
			"Workers do this automatically when they start.",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runReset(cmd.Context(), g)
	}
	return c
}

func runReset(ctx context.Context, g *globalConfig) error {
	store, err := g.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()
	n, err := store.ResetOnRestart(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("reset %d derivations\n", n)
	return nil
}

// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"zb.256lights.llc/drvq/drvstatus"
	"zb.256lights.llc/drvq/internal/scheduler"
	"zombiezen.com/go/log"
)

type statusOptions struct {
	format     string
	queueLimit int
}

// statusReport is the JSON form of "drvq status".
type statusReport struct {
	Summary *scheduler.Summary          `json:"summary"`
	Systems []*scheduler.SystemProgress `json:"systems"`
	Workers []*scheduler.Reservation    `json:"workers"`
	Queue   []*scheduler.QueueEntry     `json:"queue"`
}

func newStatusCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "status [options]",
		Short:                 "show queue, system, and worker status",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(statusOptions)
	c.Flags().StringVar(&opts.format, "format", "", "output `format` (text or json; defaults to text on a terminal)")
	c.Flags().IntVar(&opts.queueLimit, "queue", 10, "maximum `number` of queue entries to show")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		if opts.format == "" {
			opts.format = "json"
			if term.IsTerminal(int(os.Stdout.Fd())) {
				opts.format = "text"
			}
		}
		if opts.format != "text" && opts.format != "json" {
			return fmt.Errorf("unknown format %q", opts.format)
		}
		return runStatus(cmd.Context(), g, opts)
	}
	return c
}

func runStatus(ctx context.Context, g *globalConfig, opts *statusOptions) error {
	store, err := g.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	report := new(statusReport)
	report.Summary, err = store.QueueSummary(ctx)
	if err != nil {
		return err
	}
	report.Systems, err = store.AllSystemProgress(ctx)
	if err != nil {
		return err
	}
	report.Workers, err = store.ActiveReservations(ctx)
	if err != nil {
		return err
	}
	if opts.queueLimit > 0 {
		report.Queue, err = store.Buildable(ctx, &scheduler.QueueOptions{Limit: opts.queueLimit})
		if err != nil {
			return err
		}
	}

	if opts.format == "json" {
		data, err := jsonv2.Marshal(report, jsonv2.Deterministic(true), jsontext.Multiline(true))
		if err != nil {
			return err
		}
		data = append(data, '\n')
		_, err = os.Stdout.Write(data)
		return err
	}
	return writeStatusText(os.Stdout, report, time.Now())
}

func writeStatusText(w io.Writer, report *statusReport, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	sum := report.Summary
	fmt.Fprintf(tw, "%d derivations: %d ready, %d building, %d pending\n",
		sum.Total, sum.Ready, sum.Building, sum.Pending)
	for status := range drvstatus.All() {
		if n := sum.ByStatus[status]; n > 0 {
			fmt.Fprintf(tw, "  %v\t%d\n", status, n)
		}
	}

	if len(report.Systems) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "SYSTEM\tSTATUS\tDONE\tBUILDING\tFAILED\tCACHED\tCACHE")
		for _, p := range report.Systems {
			fmt.Fprintf(tw, "%s (%d)\t%v\t%d/%d\t%d\t%d\t%d\t%s\n",
				p.Name, p.SystemID, p.Status, p.Completed, p.Total, p.Building, p.Failed, p.Cached, p.CacheStatus)
		}
	}

	if len(report.Workers) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "WORKER\tDERIVATION\tRUNNING\tLAST HEARTBEAT")
		for _, r := range report.Workers {
			fmt.Fprintf(tw, "%s\t%s (%d)\t%v\t%v ago\n",
				r.WorkerID, r.Name, r.DerivationID,
				now.Sub(r.ReservedAt).Round(time.Second), now.Sub(r.HeartbeatAt).Round(time.Second))
		}
	}

	if len(report.Queue) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "#\tNEXT\tKIND\tCOMMIT\tATTEMPTS")
		for _, e := range report.Queue {
			drv := e.Derivation
			fmt.Fprintf(tw, "%d\t%s (%d)\t%v\t%s\t%d\n",
				e.QueuePosition, drv.Name, drv.ID, drv.Kind, shortHash(drv.CommitHash), drv.AttemptCount)
		}
	}
	return tw.Flush()
}

func shortHash(h string) string {
	const n = 12
	if len(h) > n {
		return h[:n]
	}
	return h
}

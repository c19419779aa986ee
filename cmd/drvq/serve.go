// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/spf13/cobra"
	"zb.256lights.llc/drvq/internal/statusapi"
	"zombiezen.com/go/log"
	"zombiezen.com/go/xcontext"
)

type serveOptions struct {
	listen    string
	accessLog bool
}

func newServeCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "serve [options]",
		Short:                 "serve the read-only status API",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(serveOptions)
	c.Flags().StringVar(&opts.listen, "listen", "", "`address` to listen on (defaults to the listen config setting)")
	c.Flags().BoolVar(&opts.accessLog, "access-log", false, "write an access log to stderr")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		if opts.listen == "" {
			opts.listen = g.Listen
		}
		return runServe(cmd.Context(), g, opts)
	}
	return c
}

func runServe(ctx context.Context, g *globalConfig, opts *serveOptions) error {
	store, err := g.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	var handler http.Handler = statusapi.NewHandler(store)
	if opts.accessLog {
		handler = handlers.CombinedLoggingHandler(os.Stderr, handler)
	}
	handler = handlers.RecoveryHandler(handlers.PrintRecoveryStack(g.Debug))(handler)
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	l, err := net.Listen("tcp", opts.listen)
	if err != nil {
		return err
	}
	defer xcontext.CloseWhenDone(ctx, l).Close()
	log.Infof(ctx, "Listening on http://%s/", l.Addr())
	err = srv.Serve(l)
	if ctx.Err() != nil && errors.Is(err, net.ErrClosed) {
		log.Infof(ctx, "Shutting down (signal received)...")
		return nil
	}
	return err
}

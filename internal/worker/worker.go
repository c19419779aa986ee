// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package worker runs the build, cache push, and sweep loops of a drvq worker process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"zb.256lights.llc/drvq/drvstatus"
	"zb.256lights.llc/drvq/internal/cachepush"
	"zb.256lights.llc/drvq/internal/scheduler"
	"zombiezen.com/go/log"
)

// Default intervals.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultStaleThreshold    = 5 * time.Minute
	DefaultPollInterval      = 5 * time.Second
)

// candidateBatch is the number of queue entries
// a worker tries to claim before polling again.
const candidateBatch = 16

// shutdownTimeout bounds the database writes performed
// after the worker's context is canceled.
const shutdownTimeout = 10 * time.Second

// errLeaseLost is the cancellation cause of a build
// whose reservation was reclaimed by a sweeper.
var errLeaseLost = errors.New("reservation lost")

// Options is the set of parameters to [New].
type Options struct {
	// ID identifies the worker in reservations. If empty, [DefaultID] is used.
	ID      string
	Store   *scheduler.Store
	Builder Builder

	// Pusher is used to upload build outputs.
	// If nil, the cache push loop is not run.
	Pusher *cachepush.Pusher
	// Destinations maps the destination strings stored in cache push jobs
	// to their implementations.
	Destinations map[string]cachepush.Destination

	HeartbeatInterval time.Duration
	PollInterval      time.Duration

	// If SweepInterval is positive, the worker also sweeps stale reservations.
	SweepInterval  time.Duration
	StaleThreshold time.Duration

	// Notify is called with service manager notifications
	// such as "READY=1" and "STOPPING=1". It may be nil.
	Notify func(state string)
	// WatchdogInterval is how often "WATCHDOG=1" is sent to Notify.
	// If zero, no watchdog notifications are sent.
	WatchdogInterval time.Duration
}

// Worker claims and builds derivations until its context is canceled.
type Worker struct {
	opts Options
}

// New returns a new worker.
func New(opts *Options) (*Worker, error) {
	w := &Worker{opts: *opts}
	if w.opts.Store == nil {
		return nil, fmt.Errorf("new worker: missing store")
	}
	if w.opts.Builder == nil {
		return nil, fmt.Errorf("new worker: missing builder")
	}
	if w.opts.ID == "" {
		w.opts.ID = DefaultID()
	}
	if w.opts.HeartbeatInterval <= 0 {
		w.opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if w.opts.PollInterval <= 0 {
		w.opts.PollInterval = DefaultPollInterval
	}
	if w.opts.StaleThreshold <= 0 {
		w.opts.StaleThreshold = DefaultStaleThreshold
	}
	if w.opts.HeartbeatInterval >= w.opts.StaleThreshold {
		return nil, fmt.Errorf("new worker: heartbeat interval (%v) must be less than stale threshold (%v)",
			w.opts.HeartbeatInterval, w.opts.StaleThreshold)
	}
	return w, nil
}

// DefaultID returns a worker ID made from the host name and a random suffix.
func DefaultID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// ID returns the worker's ID.
func (w *Worker) ID() string {
	return w.opts.ID
}

// Run reconciles derivations left behind by previous runs
// and then runs the worker's loops until ctx is canceled.
// Run returns nil if it stopped because ctx was canceled.
func (w *Worker) Run(ctx context.Context) error {
	if _, err := w.opts.Store.ResetOnRestart(ctx); err != nil {
		return err
	}
	log.Infof(ctx, "Worker %s started", w.opts.ID)
	w.notify("READY=1")
	defer w.notify("STOPPING=1")

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return w.buildLoop(grpCtx)
	})
	if w.opts.Pusher != nil && len(w.opts.Destinations) > 0 {
		grp.Go(func() error {
			return w.cacheLoop(grpCtx)
		})
	}
	if w.opts.SweepInterval > 0 {
		grp.Go(func() error {
			return w.sweepLoop(grpCtx)
		})
	}
	if w.opts.Notify != nil && w.opts.WatchdogInterval > 0 {
		grp.Go(func() error {
			return every(grpCtx, w.opts.WatchdogInterval, func(context.Context) {
				w.notify("WATCHDOG=1")
			})
		})
	}
	err := grp.Wait()
	log.Infof(ctx, "Worker %s stopped", w.opts.ID)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (w *Worker) notify(state string) {
	if w.opts.Notify != nil {
		w.opts.Notify(state)
	}
}

func (w *Worker) buildLoop(ctx context.Context) error {
	for {
		worked, err := w.buildOne(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			log.Errorf(ctx, "%v", err)
		}
		if !worked {
			if !sleep(ctx, w.opts.PollInterval) {
				return nil
			}
		}
	}
}

// buildOne claims the best candidate in the queue and builds it.
// It reports whether a derivation was claimed.
func (w *Worker) buildOne(ctx context.Context) (bool, error) {
	candidates, err := w.opts.Store.Buildable(ctx, &scheduler.QueueOptions{Limit: candidateBatch})
	if err != nil {
		return false, err
	}
	for _, c := range candidates {
		drv, err := w.opts.Store.Claim(ctx, w.opts.ID, c.Derivation.ID, &scheduler.ClaimOptions{
			ParentSystemID: c.ParentSystemID,
		})
		if errors.Is(err, scheduler.ErrAlreadyClaimed) || errors.Is(err, scheduler.ErrNotClaimable) {
			log.Debugf(ctx, "Skipping derivation %d: %v", c.Derivation.ID, err)
			continue
		}
		if err != nil {
			return false, err
		}
		w.build(ctx, drv)
		return true, nil
	}
	return false, nil
}

// build runs the builder on a claimed derivation,
// heartbeating until the build finishes,
// and records the result.
func (w *Worker) build(ctx context.Context, drv *scheduler.Derivation) {
	log.Infof(ctx, "Building %s (derivation %d, attempt %d)", drv.Name, drv.ID, drv.AttemptCount+1)
	buildCtx, cancelBuild := context.WithCancelCause(ctx)
	defer cancelBuild(nil)

	var wg sync.WaitGroup
	heartbeatCtx, stopHeartbeat := context.WithCancel(buildCtx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		every(heartbeatCtx, w.opts.HeartbeatInterval, func(ctx context.Context) {
			err := w.opts.Store.Heartbeat(ctx, w.opts.ID, drv.ID)
			if errors.Is(err, scheduler.ErrNotReserved) {
				cancelBuild(errLeaseLost)
			} else if err != nil && ctx.Err() == nil {
				log.Warnf(ctx, "Heartbeat for %s: %v", drv.Name, err)
			}
		})
	}()
	outputPath, buildErr := w.opts.Builder.Build(buildCtx, drv)
	stopHeartbeat()
	wg.Wait()

	if errors.Is(context.Cause(buildCtx), errLeaseLost) {
		log.Warnf(ctx, "Abandoning build of %s: %v", drv.Name, errLeaseLost)
		return
	}
	recordCtx, cancelRecord := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancelRecord()
	if ctx.Err() != nil {
		if err := w.opts.Store.Release(recordCtx, w.opts.ID, drv.ID); err != nil {
			log.Errorf(ctx, "Releasing %s: %v", drv.Name, err)
		} else {
			log.Infof(ctx, "Released %s for another worker", drv.Name)
		}
		return
	}
	if buildErr != nil {
		w.fail(ctx, recordCtx, drv, buildErr)
		return
	}
	err := w.opts.Store.Complete(recordCtx, w.opts.ID, drv.ID, outputPath)
	if errors.Is(err, scheduler.ErrNotReserved) {
		log.Errorf(ctx, "Recording completion of %s: %v", drv.Name, err)
		return
	}
	if err != nil {
		// The reservation is still held, so count the rejected result as a failed attempt.
		w.fail(ctx, recordCtx, drv, err)
		return
	}
	log.Infof(ctx, "Built %s -> %s", drv.Name, outputPath)
}

// fail records a failed attempt at building drv.
func (w *Worker) fail(ctx, recordCtx context.Context, drv *scheduler.Derivation, buildErr error) {
	status, err := w.opts.Store.Fail(recordCtx, w.opts.ID, drv.ID, buildErr)
	switch {
	case err != nil:
		log.Errorf(ctx, "Recording failure of %s: %v", drv.Name, err)
	case status == drvstatus.Failed:
		log.Errorf(ctx, "Build of %s failed permanently: %v", drv.Name, buildErr)
	default:
		log.Warnf(ctx, "Build of %s failed (will retry): %v", drv.Name, buildErr)
	}
}

func (w *Worker) cacheLoop(ctx context.Context) error {
	for {
		worked, err := w.pushOne(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			log.Errorf(ctx, "%v", err)
		}
		if !worked {
			if !sleep(ctx, w.opts.PollInterval) {
				return nil
			}
		}
	}
}

// pushOne claims a due cache push job and performs it.
// It reports whether a job was claimed.
func (w *Worker) pushOne(ctx context.Context) (bool, error) {
	job, err := w.opts.Store.ClaimCachePush(ctx, w.opts.ID)
	if err != nil || job == nil {
		return false, err
	}
	pushCtx, cancelPush := context.WithCancelCause(ctx)
	defer cancelPush(nil)

	var wg sync.WaitGroup
	heartbeatCtx, stopHeartbeat := context.WithCancel(pushCtx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		every(heartbeatCtx, w.opts.HeartbeatInterval, func(ctx context.Context) {
			err := w.opts.Store.HeartbeatCachePush(ctx, w.opts.ID, job.ID)
			if errors.Is(err, scheduler.ErrNotReserved) {
				cancelPush(errLeaseLost)
			} else if err != nil && ctx.Err() == nil {
				log.Warnf(ctx, "Heartbeat for cache push %d: %v", job.ID, err)
			}
		})
	}()
	var pushErr error
	if dest := w.opts.Destinations[job.Destination]; dest == nil {
		pushErr = fmt.Errorf("destination %s not configured on worker %s", job.Destination, w.opts.ID)
	} else {
		req := &cachepush.Request{OutputPath: job.OutputPath}
		if drv, err := w.opts.Store.Derivation(pushCtx, job.DerivationID); err == nil {
			req.DerivationPath = drv.DerivationPath
		}
		_, pushErr = w.opts.Pusher.Push(pushCtx, dest, req)
	}
	stopHeartbeat()
	wg.Wait()

	if errors.Is(context.Cause(pushCtx), errLeaseLost) {
		log.Warnf(ctx, "Abandoning cache push %d to %s: %v", job.ID, job.Destination, errLeaseLost)
		return true, nil
	}
	recordCtx, cancelRecord := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancelRecord()
	finished, err := w.opts.Store.FinishCachePush(recordCtx, w.opts.ID, job.ID, pushErr)
	if errors.Is(err, scheduler.ErrNotReserved) {
		log.Warnf(ctx, "Discarding result of cache push %d: %v", job.ID, err)
		return true, nil
	}
	if err != nil {
		return true, err
	}
	job = finished
	if pushErr != nil {
		log.Warnf(ctx, "Cache push of derivation %d to %s failed (attempt %d): %v",
			job.DerivationID, job.Destination, job.Attempts, pushErr)
	} else {
		log.Infof(ctx, "Pushed %s to %s", job.OutputPath, job.Destination)
	}
	return true, nil
}

func (w *Worker) sweepLoop(ctx context.Context) error {
	return every(ctx, w.opts.SweepInterval, func(ctx context.Context) {
		result, err := w.opts.Store.SweepStale(ctx, w.opts.StaleThreshold)
		if err != nil {
			if ctx.Err() == nil {
				log.Errorf(ctx, "%v", err)
			}
			return
		}
		if n := result.RequeuedCacheJobs + result.FailedCacheJobs; n > 0 {
			log.Infof(ctx, "Recovered %d stale cache push jobs", n)
		}
	})
}

// every calls f every interval until ctx is canceled.
// It always returns nil.
func every(ctx context.Context, interval time.Duration, f func(ctx context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// sleep waits for d or until ctx is done,
// reporting whether the full duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

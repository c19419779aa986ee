// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"zb.256lights.llc/drvq/drvstatus"
	"zb.256lights.llc/drvq/internal/testcontext"
)

func TestCacheBackoff(t *testing.T) {
	s := &Store{opts: Options{CacheBackoff: 30 * time.Second, MaxCacheBackoff: 5 * time.Minute}}
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 5 * time.Minute},
		{60, 5 * time.Minute},
	}
	for _, test := range tests {
		if got := s.cacheBackoff(test.attempts); got != test.want {
			t.Errorf("cacheBackoff(%d) = %v; want %v", test.attempts, got, test.want)
		}
	}
}

func TestCachePushRetries(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	s, clock := newTestStore(t, &Options{
		CacheDestinations:  []string{"https://cache.example.com"},
		MaxCacheAttempts:   3,
		CacheBackoff:       time.Minute,
		MaxCacheBackoff:    time.Hour,
		AdvanceOnCachePush: true,
	})
	f := newFixture(t, ctx, s, "c1", testEpoch)
	pkg := f.add(ctx, drvstatus.Package, "pkg")
	f.build(ctx, pkg)

	// Enqueueing again while a job is open is a no-op.
	if n, err := s.EnqueueCachePush(ctx, pkg); err != nil || n != 0 {
		t.Errorf("EnqueueCachePush(ctx, %d) = %d, %v; want 0, <nil>", pkg, n, err)
	}

	pushErr := errors.New("connection refused")
	for attempt := 1; attempt <= 3; attempt++ {
		job, err := s.ClaimCachePush(ctx, "pusher")
		if err != nil {
			t.Fatal(err)
		}
		if job == nil {
			t.Fatalf("attempt %d: no job due", attempt)
		}
		if job.Status != CacheJobInProgress || job.WorkerID != "pusher" || job.OutputPath == "" {
			t.Errorf("attempt %d: claimed job = %+v", attempt, job)
		}
		job, err = s.FinishCachePush(ctx, "pusher", job.ID, pushErr)
		if err != nil {
			t.Fatal(err)
		}
		if job.Attempts != attempt || job.ErrorMessage != pushErr.Error() {
			t.Errorf("attempt %d: attempts = %d, error = %q; want %d, %q",
				attempt, job.Attempts, job.ErrorMessage, attempt, pushErr.Error())
		}
		if attempt < 3 {
			if job.Status != CacheJobPending {
				t.Errorf("attempt %d: status = %s; want %s", attempt, job.Status, CacheJobPending)
			}
			if again, err := s.ClaimCachePush(ctx, "pusher"); err != nil || again != nil {
				t.Errorf("attempt %d: ClaimCachePush before backoff = %+v, %v; want <nil>, <nil>", attempt, again, err)
			}
			wantNext := clock.Now().Add(time.Minute << (attempt - 1))
			if !job.NextAttemptAt.Equal(wantNext) {
				t.Errorf("attempt %d: next attempt at %v; want %v", attempt, job.NextAttemptAt, wantNext)
			}
			clock.Advance(time.Hour)
		} else if job.Status != CacheJobPermanentlyFailed {
			t.Errorf("attempt %d: status = %s; want %s", attempt, job.Status, CacheJobPermanentlyFailed)
		}
	}

	if drv := mustDerivation(t, ctx, s, pkg); drv.Status != drvstatus.BuildComplete {
		t.Errorf("derivation status after permanent cache failure = %v; want %v", drv.Status, drvstatus.BuildComplete)
	}
	if job, err := s.ClaimCachePush(ctx, "pusher"); err != nil || job != nil {
		t.Errorf("ClaimCachePush after permanent failure = %+v, %v; want <nil>, <nil>", job, err)
	}

	// A permanently failed job no longer blocks a new push.
	if n, err := s.EnqueueCachePush(ctx, pkg); err != nil || n != 1 {
		t.Errorf("EnqueueCachePush(ctx, %d) = %d, %v; want 1, <nil>", pkg, n, err)
	}
}

func TestCachePushAdvance(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	s, _ := newTestStore(t, &Options{
		CacheDestinations:  []string{"file:///a", "file:///b"},
		AdvanceOnCachePush: true,
	})
	f := newFixture(t, ctx, s, "c1", testEpoch)
	pkg := f.add(ctx, drvstatus.Package, "pkg")
	f.build(ctx, pkg)

	jobs, err := s.CachePushJobs(ctx, pkg)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("len(CachePushJobs(ctx, %d)) = %d; want 2", pkg, len(jobs))
	}
	wantStatuses := []drvstatus.Status{drvstatus.BuildComplete, drvstatus.CachePushed}
	for i, want := range wantStatuses {
		job, err := s.ClaimCachePush(ctx, "pusher")
		if err != nil {
			t.Fatal(err)
		}
		if job == nil {
			t.Fatalf("push %d: no job due", i+1)
		}
		if job.Destination != jobs[i].Destination {
			t.Errorf("push %d: destination = %q; want %q", i+1, job.Destination, jobs[i].Destination)
		}
		if _, err := s.FinishCachePush(ctx, "pusher", job.ID, nil); err != nil {
			t.Fatal(err)
		}
		if drv := mustDerivation(t, ctx, s, pkg); drv.Status != want {
			t.Errorf("after push %d: status = %v; want %v", i+1, drv.Status, want)
		}
	}

	if _, err := s.FinishCachePush(ctx, "pusher", jobs[0].ID, nil); !errors.Is(err, ErrNotReserved) {
		t.Errorf("finishing a completed job = %v; want %v", err, ErrNotReserved)
	}
	if _, err := s.CachePushJob(ctx, jobs[1].ID+10); !errors.Is(err, ErrNotFound) {
		t.Errorf("CachePushJob(missing) = %v; want %v", err, ErrNotFound)
	}
}

func TestSweepRequeuesStaleCacheJobs(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	s, clock := newTestStore(t, &Options{
		CacheDestinations: []string{"file:///cache"},
		CacheBackoff:      time.Second,
	})
	f := newFixture(t, ctx, s, "c1", testEpoch)
	pkg := f.add(ctx, drvstatus.Package, "pkg")
	f.build(ctx, pkg)

	job, err := s.ClaimCachePush(ctx, "crashed-pusher")
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("no job due")
	}
	clock.Advance(time.Hour)
	result, err := s.SweepStale(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if result.RequeuedCacheJobs != 1 || result.FailedCacheJobs != 0 {
		t.Errorf("SweepStale requeued %d and failed %d cache jobs; want 1 and 0",
			result.RequeuedCacheJobs, result.FailedCacheJobs)
	}
	job, err = s.CachePushJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != CacheJobPending || job.Attempts != 1 || job.WorkerID != "" {
		t.Errorf("after sweep: job = %+v; want pending with 1 attempt and no worker", job)
	}
}

func TestFinishCachePushAfterReclaim(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	s, clock := newTestStore(t, &Options{
		CacheDestinations: []string{"file:///cache"},
		CacheBackoff:      time.Second,
	})
	f := newFixture(t, ctx, s, "c1", testEpoch)
	pkg := f.add(ctx, drvstatus.Package, "pkg")
	f.build(ctx, pkg)

	slow, err := s.ClaimCachePush(ctx, "worker-a")
	if err != nil {
		t.Fatal(err)
	}
	if slow == nil {
		t.Fatal("no job due")
	}
	clock.Advance(time.Hour)
	if _, err := s.SweepStale(ctx, time.Minute); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)
	job, err := s.ClaimCachePush(ctx, "worker-b")
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.ID != slow.ID {
		t.Fatalf("ClaimCachePush(ctx, \"worker-b\") = %+v; want job %d", job, slow.ID)
	}

	// The first worker's late result must not disturb the new owner.
	if err := s.HeartbeatCachePush(ctx, "worker-a", job.ID); !errors.Is(err, ErrNotReserved) {
		t.Errorf("HeartbeatCachePush(ctx, \"worker-a\", %d) = %v; want %v", job.ID, err, ErrNotReserved)
	}
	if _, err := s.FinishCachePush(ctx, "worker-a", job.ID, errors.New("timeout")); !errors.Is(err, ErrNotReserved) {
		t.Errorf("FinishCachePush(ctx, \"worker-a\", ...) = %v; want %v", err, ErrNotReserved)
	}
	if _, err := s.FinishCachePush(ctx, "worker-a", job.ID, nil); !errors.Is(err, ErrNotReserved) {
		t.Errorf("FinishCachePush(ctx, \"worker-a\", ..., nil) = %v; want %v", err, ErrNotReserved)
	}
	job, err = s.CachePushJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != CacheJobInProgress || job.WorkerID != "worker-b" || job.Attempts != 1 {
		t.Errorf("after late finish: job = %+v; want in progress by worker-b with 1 attempt", job)
	}

	job, err = s.FinishCachePush(ctx, "worker-b", job.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != CacheJobCompleted || job.Attempts != 1 {
		t.Errorf("after finish: job = %+v; want completed with 1 attempt", job)
	}
}

func TestHeartbeatCachePushPreventsReclaim(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	s, clock := newTestStore(t, &Options{
		CacheDestinations: []string{"file:///cache"},
	})
	f := newFixture(t, ctx, s, "c1", testEpoch)
	pkg := f.add(ctx, drvstatus.Package, "pkg")
	f.build(ctx, pkg)

	job, err := s.ClaimCachePush(ctx, "pusher")
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("no job due")
	}
	for range 3 {
		clock.Advance(50 * time.Second)
		if err := s.HeartbeatCachePush(ctx, "pusher", job.ID); err != nil {
			t.Fatal(err)
		}
	}
	result, err := s.SweepStale(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if result.RequeuedCacheJobs != 0 || result.FailedCacheJobs != 0 {
		t.Errorf("SweepStale requeued %d and failed %d cache jobs; want 0 and 0",
			result.RequeuedCacheJobs, result.FailedCacheJobs)
	}
	if _, err := s.FinishCachePush(ctx, "pusher", job.ID, nil); err != nil {
		t.Errorf("FinishCachePush after heartbeats: %v", err)
	}
}

func TestEnqueueCachePushPerDestination(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	s, _ := newTestStore(t, &Options{
		CacheDestinations: []string{"file:///a", "file:///b"},
	})
	f := newFixture(t, ctx, s, "c1", testEpoch)
	pkg := f.add(ctx, drvstatus.Package, "pkg")
	f.build(ctx, pkg)

	openByDestination := func() map[string]int {
		t.Helper()
		jobs, err := s.CachePushJobs(ctx, pkg)
		if err != nil {
			t.Fatal(err)
		}
		m := make(map[string]int)
		for _, job := range jobs {
			if job.Status.IsOpen() {
				m[job.Destination]++
			}
		}
		return m
	}
	if diff := cmp.Diff(map[string]int{"file:///a": 1, "file:///b": 1}, openByDestination()); diff != "" {
		t.Errorf("open jobs after build (-want +got):\n%s", diff)
	}
	if n, err := s.EnqueueCachePush(ctx, pkg); err != nil || n != 0 {
		t.Errorf("EnqueueCachePush(ctx, %d) = %d, %v; want 0, <nil>", pkg, n, err)
	}

	job, err := s.ClaimCachePush(ctx, "pusher")
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("no job due")
	}
	if _, err := s.FinishCachePush(ctx, "pusher", job.ID, nil); err != nil {
		t.Fatal(err)
	}
	// Only the destination whose job finished gets a new one.
	if n, err := s.EnqueueCachePush(ctx, pkg); err != nil || n != 1 {
		t.Errorf("EnqueueCachePush(ctx, %d) after one push = %d, %v; want 1, <nil>", pkg, n, err)
	}
	if diff := cmp.Diff(map[string]int{"file:///a": 1, "file:///b": 1}, openByDestination()); diff != "" {
		t.Errorf("open jobs after re-enqueue (-want +got):\n%s", diff)
	}
}

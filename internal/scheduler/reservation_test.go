// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"zb.256lights.llc/drvq/drvstatus"
	"zb.256lights.llc/drvq/internal/testcontext"
)

func TestClaimLifecycle(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	s, clock := newTestStore(t, &Options{
		CacheDestinations: []string{"file:///cache"},
	})
	f := newFixture(t, ctx, s, "c1", testEpoch)
	pkg := f.add(ctx, drvstatus.Package, "hello")

	drv, err := s.Claim(ctx, "w1", pkg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if drv.Status != drvstatus.BuildInProgress {
		t.Errorf("claimed status = %v; want %v", drv.Status, drvstatus.BuildInProgress)
	}
	if !drv.StartedAt.Equal(testEpoch) {
		t.Errorf("StartedAt = %v; want %v", drv.StartedAt, testEpoch)
	}

	clock.Advance(10 * time.Second)
	if err := s.Heartbeat(ctx, "w1", pkg); err != nil {
		t.Error("Heartbeat:", err)
	}
	if err := s.Heartbeat(ctx, "w2", pkg); !errors.Is(err, ErrNotReserved) {
		t.Errorf("Heartbeat from other worker = %v; want %v", err, ErrNotReserved)
	}
	reservations, err := s.ActiveReservations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	wantReservations := []*Reservation{{
		DerivationID: pkg,
		Kind:         drvstatus.Package,
		Name:         "hello",
		WorkerID:     "w1",
		ReservedAt:   testEpoch,
		HeartbeatAt:  testEpoch.Add(10 * time.Second),
	}}
	if diff := cmp.Diff(wantReservations, reservations); diff != "" {
		t.Errorf("ActiveReservations (-want +got):\n%s", diff)
	}

	if err := s.Complete(ctx, "w2", pkg, testStorePath(9, "hello")); !errors.Is(err, ErrNotReserved) {
		t.Errorf("Complete from other worker = %v; want %v", err, ErrNotReserved)
	}
	clock.Advance(time.Minute)
	outPath := testStorePath(9, "hello")
	if err := s.Complete(ctx, "w1", pkg, outPath); err != nil {
		t.Fatal(err)
	}
	drv = mustDerivation(t, ctx, s, pkg)
	if drv.Status != drvstatus.BuildComplete || drv.OutputPath != outPath {
		t.Errorf("after Complete: status = %v, output = %q; want %v, %q",
			drv.Status, drv.OutputPath, drvstatus.BuildComplete, outPath)
	}
	if want := testEpoch.Add(70 * time.Second); !drv.CompletedAt.Equal(want) {
		t.Errorf("CompletedAt = %v; want %v", drv.CompletedAt, want)
	}

	reservations, err = s.ActiveReservations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(reservations) > 0 {
		t.Errorf("reservations after Complete = %v; want none", reservations)
	}
	jobs, err := s.CachePushJobs(ctx, pkg)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].Destination != "file:///cache" || jobs[0].Status != CacheJobPending {
		t.Errorf("cache push jobs = %+v; want one pending job for file:///cache", jobs)
	}

	if _, err := s.Claim(ctx, "w1", pkg, nil); !errors.Is(err, ErrNotClaimable) {
		t.Errorf("Claim(completed) = %v; want %v", err, ErrNotClaimable)
	}
}

func TestClaimConcurrent(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	s, _ := newTestStore(t, nil)
	f := newFixture(t, ctx, s, "c1", testEpoch)
	pkg := f.add(ctx, drvstatus.Package, "contended")

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.Claim(ctx, fmt.Sprintf("w%d", i), pkg, nil)
		}()
	}
	wg.Wait()

	won := 0
	for i, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrAlreadyClaimed):
		default:
			t.Errorf("worker %d: %v", i, err)
		}
	}
	if won != 1 {
		t.Errorf("%d workers claimed the derivation; want 1", won)
	}
	reservations, err := s.ActiveReservations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(reservations) != 1 {
		t.Errorf("len(ActiveReservations()) = %d; want 1", len(reservations))
	}
}

func TestClaimNotClaimable(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	s, _ := newTestStore(t, nil)
	f := newFixture(t, ctx, s, "c1", testEpoch)

	unevaluated, err := s.AddDerivation(ctx, &NewDerivation{
		CommitID: f.commitID,
		Kind:     drvstatus.Package,
		Name:     "unevaluated",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Claim(ctx, "w1", unevaluated, nil); !errors.Is(err, ErrNotClaimable) {
		t.Errorf("Claim(unevaluated) = %v; want %v", err, ErrNotClaimable)
	}

	pkg := f.add(ctx, drvstatus.Package, "pkg")
	sys := f.add(ctx, drvstatus.System, "sys")
	f.depend(ctx, sys, pkg)
	if _, err := s.Claim(ctx, "w1", sys, nil); !errors.Is(err, ErrNotClaimable) {
		t.Errorf("Claim(system with unbuilt package) = %v; want %v", err, ErrNotClaimable)
	}
	reservations, err := s.ActiveReservations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(reservations) > 0 {
		t.Errorf("failed claims left reservations: %v", reservations)
	}

	if _, err := s.Claim(ctx, "w1", pkg, &ClaimOptions{ParentSystemID: sys}); err != nil {
		t.Fatal(err)
	}
	reservations, err = s.ActiveReservations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(reservations) != 1 || reservations[0].ParentSystemID != sys {
		t.Errorf("reservations = %+v; want one with parent system %d", reservations, sys)
	}
	if err := s.Complete(ctx, "w1", pkg, testStorePath(1, "pkg")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Claim(ctx, "w1", sys, nil); err != nil {
		t.Errorf("Claim(system after package built): %v", err)
	}

	if _, err := s.Claim(ctx, "w1", sys+100, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Claim(missing) = %v; want %v", err, ErrNotFound)
	}
}

func TestFailRetries(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	s, _ := newTestStore(t, &Options{RetryLimit: 2})
	f := newFixture(t, ctx, s, "c1", testEpoch)
	pkg := f.add(ctx, drvstatus.Package, "flaky")

	wantStatuses := []drvstatus.Status{drvstatus.BuildPending, drvstatus.Failed}
	for i, want := range wantStatuses {
		if _, err := s.Claim(ctx, "w1", pkg, nil); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		got, err := s.Fail(ctx, "w1", pkg, errors.New("exit status 1"))
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		if got != want {
			t.Errorf("attempt %d: Fail returned %v; want %v", i+1, got, want)
		}
		drv := mustDerivation(t, ctx, s, pkg)
		if drv.AttemptCount != i+1 || drv.Status != want || drv.ErrorMessage != "exit status 1" {
			t.Errorf("attempt %d: derivation = {Status: %v, AttemptCount: %d, ErrorMessage: %q}; want {%v, %d, %q}",
				i+1, drv.Status, drv.AttemptCount, drv.ErrorMessage, want, i+1, "exit status 1")
		}
	}
	if _, err := s.Claim(ctx, "w1", pkg, nil); !errors.Is(err, ErrNotClaimable) {
		t.Errorf("Claim(failed) = %v; want %v", err, ErrNotClaimable)
	}
	if _, err := s.Fail(ctx, "w1", pkg, nil); !errors.Is(err, ErrNotReserved) {
		t.Errorf("Fail without reservation = %v; want %v", err, ErrNotReserved)
	}
}

func TestRelease(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	s, _ := newTestStore(t, nil)
	f := newFixture(t, ctx, s, "c1", testEpoch)
	pkg := f.add(ctx, drvstatus.Package, "interrupted")

	if _, err := s.Claim(ctx, "w1", pkg, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Release(ctx, "w1", pkg); err != nil {
		t.Fatal(err)
	}
	drv := mustDerivation(t, ctx, s, pkg)
	if drv.Status != drvstatus.BuildPending || drv.AttemptCount != 0 {
		t.Errorf("after Release: status = %v, attempts = %d; want %v, 0",
			drv.Status, drv.AttemptCount, drvstatus.BuildPending)
	}
	if err := s.Release(ctx, "w1", pkg); !errors.Is(err, ErrNotReserved) {
		t.Errorf("second Release = %v; want %v", err, ErrNotReserved)
	}
}

func TestSweepStale(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	s, clock := newTestStore(t, nil)
	f := newFixture(t, ctx, s, "c1", testEpoch)
	stale := f.add(ctx, drvstatus.Package, "stale")
	live := f.add(ctx, drvstatus.Package, "live")

	if _, err := s.Claim(ctx, "dead", stale, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Claim(ctx, "alive", live, nil); err != nil {
		t.Fatal(err)
	}
	const threshold = 5 * time.Minute
	clock.Advance(4 * time.Minute)
	if err := s.Heartbeat(ctx, "alive", live); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Minute)

	result, err := s.SweepStale(ctx, threshold)
	if err != nil {
		t.Fatal(err)
	}
	want := &SweepResult{
		Reclaimed: []Reclaim{{
			DerivationID: stale,
			WorkerID:     "dead",
			Status:       drvstatus.BuildPending,
			Attempts:     1,
		}},
	}
	if diff := cmp.Diff(want, result); diff != "" {
		t.Errorf("SweepStale (-want +got):\n%s", diff)
	}
	if err := s.Heartbeat(ctx, "dead", stale); !errors.Is(err, ErrNotReserved) {
		t.Errorf("Heartbeat after reclaim = %v; want %v", err, ErrNotReserved)
	}
	if err := s.Complete(ctx, "dead", stale, testStorePath(1, "stale")); !errors.Is(err, ErrNotReserved) {
		t.Errorf("Complete after reclaim = %v; want %v", err, ErrNotReserved)
	}

	// A second sweep must not penalize the derivation again.
	result, err = s.SweepStale(ctx, threshold)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Reclaimed) > 0 {
		t.Errorf("second SweepStale reclaimed %v", result.Reclaimed)
	}
	drv := mustDerivation(t, ctx, s, stale)
	if drv.AttemptCount != 1 || drv.Status != drvstatus.BuildPending {
		t.Errorf("after two sweeps: status = %v, attempts = %d; want %v, 1",
			drv.Status, drv.AttemptCount, drvstatus.BuildPending)
	}
	if drv := mustDerivation(t, ctx, s, live); drv.Status != drvstatus.BuildInProgress {
		t.Errorf("live derivation status = %v; want %v", drv.Status, drvstatus.BuildInProgress)
	}
}

func TestSweepStaleAtRetryLimit(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	s, clock := newTestStore(t, &Options{RetryLimit: 3})
	f := newFixture(t, ctx, s, "c1", testEpoch)
	pkg := f.add(ctx, drvstatus.Package, "crashy")

	for i := range 3 {
		if _, err := s.Claim(ctx, "w1", pkg, nil); err != nil {
			t.Fatalf("claim %d: %v", i+1, err)
		}
		clock.Advance(time.Hour)
		if _, err := s.SweepStale(ctx, time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	drv := mustDerivation(t, ctx, s, pkg)
	if drv.Status != drvstatus.Failed || drv.AttemptCount != 3 {
		t.Errorf("status = %v, attempts = %d; want %v, 3", drv.Status, drv.AttemptCount, drvstatus.Failed)
	}
}

func TestResetOnRestart(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	s, _ := newTestStore(t, nil)
	f := newFixture(t, ctx, s, "c1", testEpoch)
	interrupted := f.add(ctx, drvstatus.Package, "interrupted")
	exhausted := f.add(ctx, drvstatus.Package, "exhausted")
	failedOnce := f.add(ctx, drvstatus.Package, "failed-once")
	reserved := f.add(ctx, drvstatus.Package, "reserved")

	forceState(t, ctx, s, interrupted, drvstatus.BuildInProgress, 4, "")
	forceState(t, ctx, s, exhausted, drvstatus.Failed, 5, "")
	forceState(t, ctx, s, failedOnce, drvstatus.BuildFailed, 3, "")
	if _, err := s.Claim(ctx, "w1", reserved, nil); err != nil {
		t.Fatal(err)
	}

	n, err := s.ResetOnRestart(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("ResetOnRestart(ctx) = %d; want 2", n)
	}

	tests := []struct {
		id           int64
		wantStatus   drvstatus.Status
		wantAttempts int
	}{
		{interrupted, drvstatus.BuildPending, 4},
		{exhausted, drvstatus.Failed, 5},
		{failedOnce, drvstatus.BuildPending, 3},
		{reserved, drvstatus.BuildInProgress, 0},
	}
	for _, test := range tests {
		drv := mustDerivation(t, ctx, s, test.id)
		if drv.Status != test.wantStatus || drv.AttemptCount != test.wantAttempts {
			t.Errorf("%s: status = %v, attempts = %d; want %v, %d",
				drv.Name, drv.Status, drv.AttemptCount, test.wantStatus, test.wantAttempts)
		}
	}

	n, err = s.ResetOnRestart(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second ResetOnRestart(ctx) = %d; want 0", n)
	}
}

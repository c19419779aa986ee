// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"zb.256lights.llc/drvq/drvstatus"
	"zb.256lights.llc/drvq/internal/testcontext"
)

func TestSystemProgress(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	s, _ := newTestStore(t, &Options{
		RetryLimit:         1,
		CacheDestinations:  []string{"s3://cache"},
		AdvanceOnCachePush: true,
	})
	f := newFixture(t, ctx, s, "c1", testEpoch)
	built := f.add(ctx, drvstatus.Package, "built")
	building := f.add(ctx, drvstatus.Package, "building")
	broken := f.add(ctx, drvstatus.Package, "broken")
	waiting := f.add(ctx, drvstatus.Package, "waiting")
	sys := f.add(ctx, drvstatus.System, "sys")
	f.depend(ctx, sys, built, building, broken, waiting)

	f.build(ctx, built)
	if _, err := s.Claim(ctx, "w1", broken, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Fail(ctx, "w1", broken, errors.New("bad")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Claim(ctx, "w1", building, nil); err != nil {
		t.Fatal(err)
	}

	got, err := s.SystemProgress(ctx, sys)
	if err != nil {
		t.Fatal(err)
	}
	want := &SystemProgress{
		SystemID:    sys,
		Name:        "sys",
		Status:      drvstatus.EvalComplete,
		Total:       4,
		Completed:   1,
		Building:    1,
		Pending:     2,
		Failed:      1,
		Cached:      0,
		Ready:       false,
		CacheStatus: WaitingForBuilds,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("SystemProgress (-want +got):\n%s", diff)
	}
	checkProgressInvariants(t, got)
	if ready, err := s.SystemReady(ctx, sys); err != nil || ready {
		t.Errorf("SystemReady(ctx, sys) = %t, %v; want false, <nil>", ready, err)
	}
	if _, err := s.SystemReady(ctx, built); err == nil {
		t.Error("SystemReady(package) did not return an error")
	}
	if _, err := s.SystemProgress(ctx, built); !errors.Is(err, ErrNotFound) {
		t.Errorf("SystemProgress(package) = %v; want %v", err, ErrNotFound)
	}
}

func TestSystemProgressCacheStatus(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	s, _ := newTestStore(t, &Options{
		CacheDestinations: []string{"file:///cache"},
	})
	f := newFixture(t, ctx, s, "c1", testEpoch)
	p1 := f.add(ctx, drvstatus.Package, "p1")
	p2 := f.add(ctx, drvstatus.Package, "p2")
	sys := f.add(ctx, drvstatus.System, "sys")
	f.depend(ctx, sys, p1, p2)
	empty := f.add(ctx, drvstatus.System, "empty")

	f.build(ctx, p1)
	f.build(ctx, p2)
	pushOne := func() {
		t.Helper()
		job, err := s.ClaimCachePush(ctx, "pusher")
		if err != nil {
			t.Fatal(err)
		}
		if job == nil {
			t.Fatal("no cache push job due")
		}
		if _, err := s.FinishCachePush(ctx, "pusher", job.ID, nil); err != nil {
			t.Fatal(err)
		}
	}

	progressOpts := cmpopts.IgnoreFields(SystemProgress{}, "SystemID", "Name", "Status", "Total", "Failed", "Pending", "Building")
	steps := []struct {
		name string
		do   func()
		want SystemProgress
	}{
		{
			name: "Built",
			do:   func() {},
			want: SystemProgress{Completed: 2, Cached: 0, Ready: true, CacheStatus: WaitingForCachePush},
		},
		{
			name: "OnePushed",
			do:   pushOne,
			want: SystemProgress{Completed: 2, Cached: 1, Ready: true, CacheStatus: WaitingForCachePush},
		},
		{
			name: "AllPushed",
			do:   pushOne,
			want: SystemProgress{Completed: 2, Cached: 2, Ready: true, CacheStatus: Cached},
		},
	}
	for _, step := range steps {
		step.do()
		got, err := s.SystemProgress(ctx, sys)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(&step.want, got, progressOpts); diff != "" {
			t.Errorf("%s: SystemProgress (-want +got):\n%s", step.name, diff)
		}
		checkProgressInvariants(t, got)
	}

	all, err := s.AllSystemProgress(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].SystemID != sys || all[1].SystemID != empty {
		t.Fatalf("AllSystemProgress returned %d systems; want [%d %d]", len(all), sys, empty)
	}
	if got := all[1]; !got.Ready || got.Total != 0 || got.CacheStatus != Cached {
		t.Errorf("system without dependencies = %+v; want ready and cached", got)
	}
}

func checkProgressInvariants(tb testing.TB, p *SystemProgress) {
	tb.Helper()
	if p.Completed+p.Building+p.Pending != p.Total {
		tb.Errorf("completed (%d) + building (%d) + pending (%d) != total (%d)",
			p.Completed, p.Building, p.Pending, p.Total)
	}
	if p.Cached > p.Completed {
		tb.Errorf("cached (%d) > completed (%d)", p.Cached, p.Completed)
	}
	if p.Failed > p.Pending {
		tb.Errorf("failed (%d) > pending (%d)", p.Failed, p.Pending)
	}
	if p.Ready != (p.Completed == p.Total) {
		tb.Errorf("ready = %t with %d/%d completed", p.Ready, p.Completed, p.Total)
	}
}

// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"fmt"
	"time"

	"zb.256lights.llc/drvq/drvstatus"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Reservation is an active claim on a derivation by a worker.
type Reservation struct {
	DerivationID int64          `json:"derivationId"`
	Kind         drvstatus.Kind `json:"kind"`
	Name         string         `json:"name"`
	WorkerID     string         `json:"workerId"`
	// ParentSystemID is the system the build was claimed on behalf of, if any.
	ParentSystemID int64     `json:"parentSystemId,omitzero"`
	ReservedAt     time.Time `json:"reservedAt"`
	HeartbeatAt    time.Time `json:"heartbeatAt"`
}

// ClaimOptions is the set of optional parameters to [Store.Claim].
type ClaimOptions struct {
	// ParentSystemID records the system derivation
	// that the claimed package is being built for.
	ParentSystemID int64
}

// Claim reserves the derivation for the given worker
// and moves it to [drvstatus.BuildInProgress].
// Claim returns an error wrapping [ErrAlreadyClaimed]
// if another reservation exists for the derivation,
// or an error wrapping [ErrNotClaimable]
// if the derivation is not in a buildable state,
// has exhausted its attempts,
// has not been evaluated,
// or is a system whose dependencies have not all built successfully.
func (s *Store) Claim(ctx context.Context, workerID string, id int64, opts *ClaimOptions) (*Derivation, error) {
	if workerID == "" {
		return nil, fmt.Errorf("claim %d: empty worker ID", id)
	}
	var parent int64
	if opts != nil {
		parent = opts.ParentSystemID
	}
	var drv *Derivation
	err := s.withImmediate(ctx, func(conn *sqlite.Conn) error {
		var err error
		drv, err = findDerivation(conn, id)
		if err != nil {
			return err
		}
		now := s.now()
		err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "reservation/insert.sql", &sqlitex.ExecOptions{
			Named: map[string]any{
				":derivation_id":    id,
				":worker_id":        workerID,
				":parent_system_id": nullableID(parent),
				":now":              toMillis(now),
			},
		})
		if isConflict(err) {
			return ErrAlreadyClaimed
		}
		if err != nil {
			return err
		}
		if err := s.checkClaimable(conn, drv); err != nil {
			return err
		}
		err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "derivation/start.sql", &sqlitex.ExecOptions{
			Named: map[string]any{
				":id":  id,
				":now": toMillis(now),
			},
		})
		if err != nil {
			return err
		}
		drv.Status = drvstatus.BuildInProgress
		drv.StartedAt = time.UnixMilli(toMillis(now)).UTC()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim %d: %w", id, err)
	}
	log.Debugf(ctx, "Worker %s claimed derivation %d (%s)", workerID, id, drv.Name)
	return drv, nil
}

func (s *Store) checkClaimable(conn *sqlite.Conn, drv *Derivation) error {
	switch {
	case !drv.Status.IsBuildable():
		return fmt.Errorf("%w: status is %v", ErrNotClaimable, drv.Status)
	case drv.AttemptCount >= s.opts.RetryLimit:
		return fmt.Errorf("%w: %d attempts made", ErrNotClaimable, drv.AttemptCount)
	case drv.DerivationPath == "":
		return fmt.Errorf("%w: not evaluated", ErrNotClaimable)
	case drv.Kind == drvstatus.System:
		ready, err := systemReady(conn, drv.ID)
		if err != nil {
			return err
		}
		if !ready {
			return fmt.Errorf("%w: dependencies not built", ErrNotClaimable)
		}
	}
	return nil
}

// Heartbeat renews the worker's reservation on the derivation.
// It returns an error wrapping [ErrNotReserved]
// if the worker no longer holds the reservation.
func (s *Store) Heartbeat(ctx context.Context, workerID string, id int64) error {
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "reservation/heartbeat.sql", &sqlitex.ExecOptions{
			Named: map[string]any{
				":derivation_id": id,
				":worker_id":     workerID,
				":now":           toMillis(s.now()),
			},
		})
		if err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return ErrNotReserved
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("heartbeat %d: %w", id, err)
	}
	return nil
}

// deleteReservation removes the worker's reservation on the derivation
// and returns the derivation's current state.
func deleteReservation(conn *sqlite.Conn, workerID string, id int64) (*Derivation, error) {
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "reservation/delete.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":derivation_id": id,
			":worker_id":     workerID,
		},
	})
	if err != nil {
		return nil, err
	}
	if conn.Changes() == 0 {
		return nil, ErrNotReserved
	}
	return findDerivation(conn, id)
}

// Complete records a successful build of a reserved derivation,
// releases the reservation,
// and enqueues a cache push job for each configured destination.
func (s *Store) Complete(ctx context.Context, workerID string, id int64, outputPath string) error {
	if err := validateOutputPath(outputPath); err != nil {
		return fmt.Errorf("complete %d: %v", id, err)
	}
	var njobs int
	err := s.withImmediate(ctx, func(conn *sqlite.Conn) error {
		drv, err := deleteReservation(conn, workerID, id)
		if err != nil {
			return err
		}
		err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "derivation/complete.sql", &sqlitex.ExecOptions{
			Named: map[string]any{
				":id":                id,
				":build_output_path": outputPath,
				":now":               toMillis(s.now()),
			},
		})
		if err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("reserved derivation is in status %v", drv.Status)
		}
		njobs, err = s.enqueueCachePush(conn, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("complete %d: %w", id, err)
	}
	log.Debugf(ctx, "Derivation %d built as %s (%d cache push jobs)", id, outputPath, njobs)
	return nil
}

// Fail records a failed build attempt of a reserved derivation
// and releases the reservation.
// The derivation returns to the queue unless it has reached the retry limit,
// in which case it becomes [drvstatus.Failed].
// Fail returns the derivation's new status.
func (s *Store) Fail(ctx context.Context, workerID string, id int64, buildErr error) (drvstatus.Status, error) {
	msg := "build failed"
	if buildErr != nil {
		msg = buildErr.Error()
	}
	var t drvstatus.Transition
	err := s.withImmediate(ctx, func(conn *sqlite.Conn) error {
		drv, err := deleteReservation(conn, workerID, id)
		if err != nil {
			return err
		}
		t, _, err = s.settle(conn, drv, drvstatus.CauseBuildFailed, msg)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("fail %d: %w", id, err)
	}
	return t.Status, nil
}

// Release gives up the worker's reservation on the derivation
// without counting it as a failed attempt.
// Workers call Release when shutting down in the middle of a build.
func (s *Store) Release(ctx context.Context, workerID string, id int64) error {
	err := s.withImmediate(ctx, func(conn *sqlite.Conn) error {
		drv, err := deleteReservation(conn, workerID, id)
		if err != nil {
			return err
		}
		_, _, err = s.settle(conn, drv, drvstatus.CauseRestarted, "")
		return err
	})
	if err != nil {
		return fmt.Errorf("release %d: %w", id, err)
	}
	return nil
}

// Reclaim describes a stale reservation removed by [Store.SweepStale].
type Reclaim struct {
	DerivationID int64            `json:"derivationId"`
	WorkerID     string           `json:"workerId"`
	Status       drvstatus.Status `json:"status"`
	Attempts     int              `json:"attempts"`
}

// SweepResult is the outcome of [Store.SweepStale].
type SweepResult struct {
	Reclaimed []Reclaim `json:"reclaimed"`
	// RequeuedCacheJobs is the number of stale in-progress cache push jobs
	// returned to pending.
	RequeuedCacheJobs int `json:"requeuedCacheJobs"`
	// FailedCacheJobs is the number of stale in-progress cache push jobs
	// that were permanently failed because they ran out of attempts.
	FailedCacheJobs int `json:"failedCacheJobs"`
}

// SweepStale removes every reservation whose last heartbeat is older than threshold
// and settles the affected derivations as reclaimed.
// A reclaim counts as a failed attempt unless the build output was recorded.
// SweepStale also recovers in-progress cache push jobs
// whose last heartbeat is older than threshold.
func (s *Store) SweepStale(ctx context.Context, threshold time.Duration) (*SweepResult, error) {
	result := new(SweepResult)
	err := s.withImmediate(ctx, func(conn *sqlite.Conn) error {
		now := s.now()
		cutoff := toMillis(now.Add(-threshold))
		type staleReservation struct {
			id       int64
			workerID string
		}
		var stale []staleReservation
		err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "reservation/stale.sql", &sqlitex.ExecOptions{
			Named: map[string]any{":cutoff": cutoff},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stale = append(stale, staleReservation{
					id:       stmt.GetInt64("derivation_id"),
					workerID: stmt.GetText("worker_id"),
				})
				return nil
			},
		})
		if err != nil {
			return err
		}
		for _, r := range stale {
			err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "reservation/delete_stale.sql", &sqlitex.ExecOptions{
				Named: map[string]any{
					":derivation_id": r.id,
					":cutoff":        cutoff,
				},
			})
			if err != nil {
				return err
			}
			if conn.Changes() == 0 {
				continue
			}
			drv, err := findDerivation(conn, r.id)
			if err != nil {
				return err
			}
			reclaim := Reclaim{
				DerivationID: r.id,
				WorkerID:     r.workerID,
				Status:       drv.Status,
				Attempts:     drv.AttemptCount,
			}
			if drv.Status == drvstatus.BuildInProgress {
				t, _, err := s.settle(conn, drv, drvstatus.CauseReclaimed, "reservation expired")
				if err != nil {
					return err
				}
				reclaim.Status = t.Status
				reclaim.Attempts = t.Attempts
			}
			result.Reclaimed = append(result.Reclaimed, reclaim)
		}

		result.RequeuedCacheJobs, result.FailedCacheJobs, err = s.requeueStaleCacheJobs(conn, cutoff)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("sweep stale reservations: %v", err)
	}
	for _, r := range result.Reclaimed {
		log.Infof(ctx, "Reclaimed derivation %d from worker %s (now %v after %d attempts)",
			r.DerivationID, r.WorkerID, r.Status, r.Attempts)
	}
	return result, nil
}

// ResetOnRestart settles every non-terminal derivation without an active reservation,
// as if the process that was working on it had been restarted.
// It never changes attempt counts, except that rows at the retry limit become [drvstatus.Failed].
// ResetOnRestart returns the number of derivations that changed.
func (s *Store) ResetOnRestart(ctx context.Context) (int, error) {
	n := 0
	err := s.withImmediate(ctx, func(conn *sqlite.Conn) error {
		var ids []int64
		err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "derivation/unreserved_nonterminal.sql", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.GetInt64("id"))
				return nil
			},
		})
		if err != nil {
			return err
		}
		for _, id := range ids {
			drv, err := findDerivation(conn, id)
			if err != nil {
				return err
			}
			_, changed, err := s.settle(conn, drv, drvstatus.CauseRestarted, "")
			if err != nil {
				return err
			}
			if changed {
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reset on restart: %v", err)
	}
	if n > 0 {
		log.Infof(ctx, "Reset %d derivations left over from a previous run", n)
	}
	return n, nil
}

// ActiveReservations returns every reservation in the order they were made.
func (s *Store) ActiveReservations(ctx context.Context) ([]*Reservation, error) {
	var list []*Reservation
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteTransientFS(conn, sqlFiles(), "reservation/list.sql", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				kind, err := drvstatus.ParseKind(stmt.GetText("kind"))
				if err != nil {
					return err
				}
				list = append(list, &Reservation{
					DerivationID:   stmt.GetInt64("derivation_id"),
					Kind:           kind,
					Name:           stmt.GetText("name"),
					WorkerID:       stmt.GetText("worker_id"),
					ParentSystemID: stmt.GetInt64("parent_system_id"),
					ReservedAt:     getTime(stmt, "reserved_at"),
					HeartbeatAt:    getTime(stmt, "heartbeat_at"),
				})
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list reservations: %v", err)
	}
	return list, nil
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// CacheJobStatus is the state of a [CachePushJob].
type CacheJobStatus string

// Cache push job statuses.
// [CacheJobFailed] is accepted when reading the database
// but never written: failed pushes are retried or permanently failed.
const (
	CacheJobPending           CacheJobStatus = "pending"
	CacheJobInProgress        CacheJobStatus = "in_progress"
	CacheJobCompleted         CacheJobStatus = "completed"
	CacheJobFailed            CacheJobStatus = "failed"
	CacheJobPermanentlyFailed CacheJobStatus = "permanently_failed"
)

// IsOpen reports whether the job may still be attempted.
func (status CacheJobStatus) IsOpen() bool {
	return status == CacheJobPending || status == CacheJobInProgress
}

// CachePushJob is a request to replicate a derivation's build output
// to a single cache destination.
type CachePushJob struct {
	ID           int64  `json:"id"`
	DerivationID int64  `json:"derivationId"`
	Destination  string `json:"destination"`
	// OutputPath is the build output path of the derivation.
	OutputPath    string         `json:"outputPath"`
	Status        CacheJobStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	ErrorMessage  string         `json:"errorMessage,omitzero"`
	WorkerID      string         `json:"workerId,omitzero"`
	CreatedAt     time.Time      `json:"createdAt"`
	StartedAt     time.Time      `json:"startedAt,omitzero"`
	HeartbeatAt   time.Time      `json:"heartbeatAt,omitzero"`
	CompletedAt   time.Time      `json:"completedAt,omitzero"`
	NextAttemptAt time.Time      `json:"nextAttemptAt"`
}

// EnqueueCachePush creates a pending cache push job
// for each configured destination that does not already have an open job
// for the derivation.
// The derivation must have a build output.
// EnqueueCachePush returns the number of jobs created.
func (s *Store) EnqueueCachePush(ctx context.Context, derivationID int64) (int, error) {
	var n int
	err := s.withImmediate(ctx, func(conn *sqlite.Conn) error {
		var err error
		n, err = s.enqueueCachePush(conn, derivationID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue cache push for %d: %w", derivationID, err)
	}
	return n, nil
}

func (s *Store) enqueueCachePush(conn *sqlite.Conn, derivationID int64) (int, error) {
	drv, err := findDerivation(conn, derivationID)
	if err != nil {
		return 0, err
	}
	if drv.OutputPath == "" {
		return 0, fmt.Errorf("derivation %d has no build output", derivationID)
	}
	n := 0
	now := toMillis(s.now())
	for _, dest := range s.opts.CacheDestinations {
		err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "cache/insert.sql", &sqlitex.ExecOptions{
			Named: map[string]any{
				":derivation_id": derivationID,
				":destination":   dest,
				":now":           now,
			},
		})
		if err != nil {
			return n, fmt.Errorf("destination %s: %v", dest, err)
		}
		n += conn.Changes()
	}
	return n, nil
}

// ClaimCachePush moves the oldest due pending cache push job to in progress
// and returns it.
// The worker must call [Store.HeartbeatCachePush] while the push runs
// or [Store.SweepStale] returns the job to the queue.
// If no job is due, ClaimCachePush returns (nil, nil).
func (s *Store) ClaimCachePush(ctx context.Context, workerID string) (*CachePushJob, error) {
	if workerID == "" {
		return nil, fmt.Errorf("claim cache push: empty worker ID")
	}
	var job *CachePushJob
	err := s.withImmediate(ctx, func(conn *sqlite.Conn) error {
		now := toMillis(s.now())
		var id int64
		err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "cache/next_due.sql", &sqlitex.ExecOptions{
			Named: map[string]any{":now": now},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id = stmt.GetInt64("id")
				return nil
			},
		})
		if err != nil || id == 0 {
			return err
		}
		err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "cache/start.sql", &sqlitex.ExecOptions{
			Named: map[string]any{
				":id":        id,
				":worker_id": workerID,
				":now":       now,
			},
		})
		if err != nil {
			return err
		}
		job, err = findCachePushJob(conn, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim cache push: %v", err)
	}
	return job, nil
}

// FinishCachePush records the outcome of a cache push job
// previously returned by [Store.ClaimCachePush].
// A nil pushErr marks the job completed.
// Otherwise the job is scheduled for a retry with exponential backoff,
// or permanently failed once it has used all of its attempts.
// The derivation's build status is unaffected by failures.
// FinishCachePush returns an error wrapping [ErrNotReserved]
// if the job is no longer in progress on behalf of workerID,
// such as when a sweep reclaimed it.
func (s *Store) FinishCachePush(ctx context.Context, workerID string, jobID int64, pushErr error) (*CachePushJob, error) {
	var job *CachePushJob
	err := s.withImmediate(ctx, func(conn *sqlite.Conn) error {
		var err error
		job, err = findCachePushJob(conn, jobID)
		if err != nil {
			return err
		}
		if job.Status != CacheJobInProgress {
			return fmt.Errorf("%w: job is %s", ErrNotReserved, job.Status)
		}
		if job.WorkerID != workerID {
			return fmt.Errorf("%w: job is held by %s", ErrNotReserved, job.WorkerID)
		}
		if pushErr != nil {
			if _, err := s.retryCacheJob(conn, job, pushErr.Error()); err != nil {
				return err
			}
		} else {
			err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "cache/succeed.sql", &sqlitex.ExecOptions{
				Named: map[string]any{
					":id":        jobID,
					":worker_id": workerID,
					":now":       toMillis(s.now()),
				},
			})
			if err != nil {
				return err
			}
			if conn.Changes() == 0 {
				return ErrNotReserved
			}
			if s.opts.AdvanceOnCachePush {
				err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "derivation/advance_cache_pushed.sql", &sqlitex.ExecOptions{
					Named: map[string]any{":id": job.DerivationID},
				})
				if err != nil {
					return err
				}
			}
		}
		job, err = findCachePushJob(conn, jobID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("finish cache push %d: %w", jobID, err)
	}
	if job.Status == CacheJobPermanentlyFailed {
		log.Warnf(ctx, "Giving up pushing derivation %d to %s after %d attempts: %s",
			job.DerivationID, job.Destination, job.Attempts, job.ErrorMessage)
	}
	return job, nil
}

// retryCacheJob records a failed attempt of an in-progress job.
func (s *Store) retryCacheJob(conn *sqlite.Conn, job *CachePushJob, msg string) (CacheJobStatus, error) {
	now := s.now()
	attempts := job.Attempts + 1
	status := CacheJobPending
	next := now.Add(s.cacheBackoff(attempts))
	var completedAt any
	if attempts >= s.opts.MaxCacheAttempts {
		status = CacheJobPermanentlyFailed
		next = job.NextAttemptAt
		completedAt = toMillis(now)
	}
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "cache/retry.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":id":                job.ID,
			":worker_id":         job.WorkerID,
			":status":            string(status),
			":attempts":          attempts,
			":error_message":     msg,
			":next_attempt_at":   toMillis(next),
			":completed_at":      completedAt,
			":expected_attempts": job.Attempts,
		},
	})
	if err != nil {
		return "", fmt.Errorf("job %d: %v", job.ID, err)
	}
	if conn.Changes() == 0 {
		return "", fmt.Errorf("job %d: %w", job.ID, ErrNotReserved)
	}
	return status, nil
}

// HeartbeatCachePush renews the worker's hold on an in-progress cache push job.
// It returns an error wrapping [ErrNotReserved]
// if the job is no longer in progress on behalf of workerID.
func (s *Store) HeartbeatCachePush(ctx context.Context, workerID string, jobID int64) error {
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "cache/heartbeat.sql", &sqlitex.ExecOptions{
			Named: map[string]any{
				":id":        jobID,
				":worker_id": workerID,
				":now":       toMillis(s.now()),
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
		return fmt.Errorf("heartbeat cache push %d: %w", jobID, err)
	}
	return nil
}

// cacheBackoff returns the delay after the given number of failed attempts.
func (s *Store) cacheBackoff(attempts int) time.Duration {
	d := s.opts.CacheBackoff
	for i := 1; i < attempts && d < s.opts.MaxCacheBackoff; i++ {
		d *= 2
	}
	return min(d, s.opts.MaxCacheBackoff)
}

// requeueStaleCacheJobs treats in-progress jobs
// without a heartbeat since cutoff as failed attempts.
func (s *Store) requeueStaleCacheJobs(conn *sqlite.Conn, cutoff int64) (requeued, failed int, err error) {
	var stale []*CachePushJob
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "cache/stale.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":cutoff": cutoff},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stale = append(stale, scanCachePushJob(stmt))
			return nil
		},
	})
	if err != nil {
		return 0, 0, err
	}
	for _, job := range stale {
		status, err := s.retryCacheJob(conn, job, "cache push timed out")
		if err != nil {
			return requeued, failed, err
		}
		if status == CacheJobPermanentlyFailed {
			failed++
		} else {
			requeued++
		}
	}
	return requeued, failed, nil
}

// CachePushJob returns the cache push job with the given ID.
func (s *Store) CachePushJob(ctx context.Context, jobID int64) (*CachePushJob, error) {
	var job *CachePushJob
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		job, err = findCachePushJob(conn, jobID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get cache push job %d: %w", jobID, err)
	}
	return job, nil
}

// CachePushJobs returns every cache push job for the derivation
// in the order they were created.
func (s *Store) CachePushJobs(ctx context.Context, derivationID int64) ([]*CachePushJob, error) {
	var list []*CachePushJob
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteTransientFS(conn, sqlFiles(), "cache/list.sql", &sqlitex.ExecOptions{
			Named: map[string]any{":derivation_id": derivationID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				list = append(list, scanCachePushJob(stmt))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list cache push jobs for %d: %v", derivationID, err)
	}
	return list, nil
}

func findCachePushJob(conn *sqlite.Conn, id int64) (*CachePushJob, error) {
	var job *CachePushJob
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "cache/select.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":id": id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			job = scanCachePushJob(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("cache push job %d: %w", id, ErrNotFound)
	}
	return job, nil
}

func scanCachePushJob(stmt *sqlite.Stmt) *CachePushJob {
	return &CachePushJob{
		ID:            stmt.GetInt64("id"),
		DerivationID:  stmt.GetInt64("derivation_id"),
		Destination:   stmt.GetText("destination"),
		OutputPath:    stmt.GetText("output_path"),
		Status:        CacheJobStatus(stmt.GetText("status")),
		Attempts:      int(stmt.GetInt64("attempts")),
		ErrorMessage:  stmt.GetText("error_message"),
		WorkerID:      stmt.GetText("worker_id"),
		CreatedAt:     getTime(stmt, "created_at"),
		StartedAt:     getTime(stmt, "started_at"),
		HeartbeatAt:   getTime(stmt, "heartbeat_at"),
		CompletedAt:   getTime(stmt, "completed_at"),
		NextAttemptAt: getTime(stmt, "next_attempt_at"),
	}
}

// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"fmt"

	"zb.256lights.llc/drvq/drvstatus"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// CacheStatus summarizes how far a system's packages have been replicated.
type CacheStatus string

// Cache statuses.
const (
	WaitingForBuilds    CacheStatus = "waiting_for_builds"
	WaitingForCachePush CacheStatus = "waiting_for_cache_push"
	Cached              CacheStatus = "cached"
)

// SystemProgress is a snapshot of a system derivation's dependencies.
// Completed + Building + Pending == Total.
type SystemProgress struct {
	SystemID int64            `json:"systemId"`
	Name     string           `json:"name"`
	Status   drvstatus.Status `json:"status"`

	// Total is the number of packages the system depends on.
	Total int `json:"total"`
	// Completed is the number of packages that built successfully.
	Completed int `json:"completed"`
	// Building is the number of packages with an active reservation.
	Building int `json:"building"`
	// Pending is the number of packages that are neither completed nor building.
	Pending int `json:"pending"`
	// Failed is the number of pending packages that failed permanently.
	Failed int `json:"failed"`
	// Cached is the number of completed packages
	// that have been pushed to every cache destination.
	Cached int `json:"cached"`

	// Ready is true if the system may be built.
	Ready       bool        `json:"ready"`
	CacheStatus CacheStatus `json:"cacheStatus"`
}

// SystemReady reports whether every package the system depends on
// has built successfully.
// Cache replication never affects readiness.
func (s *Store) SystemReady(ctx context.Context, systemID int64) (bool, error) {
	var ready bool
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		drv, err := findDerivation(conn, systemID)
		if err != nil {
			return err
		}
		if drv.Kind != drvstatus.System {
			return fmt.Errorf("%d is a %v, not a system", systemID, drv.Kind)
		}
		ready, err = systemReady(conn, systemID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("check system %d: %w", systemID, err)
	}
	return ready, nil
}

func systemReady(conn *sqlite.Conn, systemID int64) (bool, error) {
	var blocking int64
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "gate/blocking.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":system_id": systemID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			blocking = stmt.GetInt64("n")
			return nil
		},
	})
	if err != nil {
		return false, err
	}
	return blocking == 0, nil
}

// SystemProgress returns the progress of a single system derivation.
func (s *Store) SystemProgress(ctx context.Context, systemID int64) (*SystemProgress, error) {
	var list []*SystemProgress
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		list, err = systemProgress(conn, systemID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("system %d progress: %v", systemID, err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("system %d progress: %w", systemID, ErrNotFound)
	}
	return list[0], nil
}

// AllSystemProgress returns the progress of every system derivation
// ordered by ID.
func (s *Store) AllSystemProgress(ctx context.Context) ([]*SystemProgress, error) {
	var list []*SystemProgress
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		list, err = systemProgress(conn, 0)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("system progress: %v", err)
	}
	return list, nil
}

// systemProgress queries the progress of the given system
// or of all systems if systemID is zero.
func systemProgress(conn *sqlite.Conn, systemID int64) ([]*SystemProgress, error) {
	var list []*SystemProgress
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "gate/progress.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":system_id": nullableID(systemID)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			p := &SystemProgress{
				SystemID:  stmt.GetInt64("system_id"),
				Name:      stmt.GetText("name"),
				Total:     int(stmt.GetInt64("total")),
				Completed: int(stmt.GetInt64("completed")),
				Building:  int(stmt.GetInt64("building")),
				Failed:    int(stmt.GetInt64("failed")),
				Cached:    int(stmt.GetInt64("cached")),
			}
			var err error
			p.Status, err = parseStatusColumn(stmt, "status")
			if err != nil {
				return fmt.Errorf("system %d: %v", p.SystemID, err)
			}
			p.Pending = p.Total - p.Completed - p.Building
			p.Ready = p.Completed == p.Total
			switch {
			case p.Completed < p.Total:
				p.CacheStatus = WaitingForBuilds
			case p.Cached < p.Total:
				p.CacheStatus = WaitingForCachePush
			default:
				p.CacheStatus = Cached
			}
			list = append(list, p)
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

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

// QueueOptions is the set of optional parameters to [Store.Buildable].
type QueueOptions struct {
	// Limit is the maximum number of entries to return.
	// If non-positive, all entries are returned.
	Limit int
	// Kind restricts the results to a single kind of derivation if non-zero.
	Kind drvstatus.Kind
}

// QueueEntry is a derivation that may be claimed.
type QueueEntry struct {
	// QueuePosition is the 1-based position of the entry in the queue.
	QueuePosition int         `json:"queuePosition"`
	Derivation    *Derivation `json:"derivation"`
	// ParentSystemID is the first system that depends on the package, if any.
	ParentSystemID int64 `json:"parentSystemId,omitzero"`
}

// Buildable returns the derivations that can be claimed right now, best first.
// Newer commits come first.
// Within a commit, packages are grouped with the first system that needs them
// and precede that system.
func (s *Store) Buildable(ctx context.Context, opts *QueueOptions) ([]*QueueEntry, error) {
	var list []*QueueEntry
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		list, err = s.buildable(conn, opts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list buildable derivations: %v", err)
	}
	return list, nil
}

func (s *Store) buildable(conn *sqlite.Conn, opts *QueueOptions) ([]*QueueEntry, error) {
	limit := -1
	var kind any
	if opts != nil {
		if opts.Limit > 0 {
			limit = opts.Limit
		}
		if opts.Kind != 0 {
			kind = opts.Kind.String()
		}
	}
	var list []*QueueEntry
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "queue/buildable.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":retry_limit": s.opts.RetryLimit,
			":kind":        kind,
			":limit":       limit,
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			drv, err := scanDerivation(stmt)
			if err != nil {
				return err
			}
			list = append(list, &QueueEntry{
				QueuePosition:  int(stmt.GetInt64("queue_position")),
				Derivation:     drv,
				ParentSystemID: stmt.GetInt64("parent_system_id"),
			})
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// Summary is an overview of the whole store.
type Summary struct {
	ByStatus map[drvstatus.Status]int `json:"byStatus"`
	Total    int                      `json:"total"`
	// Ready is the number of derivations that can be claimed right now.
	Ready int `json:"ready"`
	// Building is the number of active reservations.
	Building int `json:"building"`
	// Pending is the number of non-terminal derivations
	// that are neither ready nor building,
	// such as systems waiting on their packages.
	Pending int `json:"pending"`
}

// QueueSummary returns counts of derivations by status and by queue state.
func (s *Store) QueueSummary(ctx context.Context) (*Summary, error) {
	sum := &Summary{ByStatus: make(map[drvstatus.Status]int)}
	err := s.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		defer sqlitex.Save(conn)(&err)

		nonTerminal := 0
		err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "derivation/count_by_status.sql", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				status, err := parseStatusColumn(stmt, "status")
				if err != nil {
					return err
				}
				n := int(stmt.GetInt64("n"))
				sum.ByStatus[status] = n
				sum.Total += n
				if !status.IsTerminal() {
					nonTerminal += n
				}
				return nil
			},
		})
		if err != nil {
			return err
		}
		ready, err := s.buildable(conn, nil)
		if err != nil {
			return err
		}
		sum.Ready = len(ready)
		err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "reservation/count.sql", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				sum.Building = int(stmt.GetInt64("n"))
				return nil
			},
		})
		if err != nil {
			return err
		}
		sum.Pending = max(nonTerminal-sum.Ready-sum.Building, 0)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue summary: %v", err)
	}
	return sum, nil
}

// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"zb.256lights.llc/drvq/drvstatus"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Derivation is a single build target as recorded in the store.
type Derivation struct {
	ID          int64          `json:"id"`
	CommitID    int64          `json:"commitId"`
	CommitHash  string         `json:"commitHash"`
	CommittedAt time.Time      `json:"committedAt"`
	Kind        drvstatus.Kind `json:"kind"`
	Name        string         `json:"name"`
	// DerivationPath is the store path of the evaluated .drv file.
	// It is empty until evaluation completes.
	DerivationPath string           `json:"derivationPath,omitzero"`
	Status         drvstatus.Status `json:"status"`
	AttemptCount   int              `json:"attemptCount"`
	OutputPath     string           `json:"outputPath,omitzero"`
	ScheduledAt    time.Time        `json:"scheduledAt"`
	StartedAt      time.Time        `json:"startedAt,omitzero"`
	CompletedAt    time.Time        `json:"completedAt,omitzero"`
	ErrorMessage   string           `json:"errorMessage,omitzero"`
}

func (drv *Derivation) artifacts() drvstatus.Artifacts {
	return drvstatus.Artifacts{
		Derivation: drv.DerivationPath != "",
		Output:     drv.OutputPath != "",
	}
}

// NewDerivation is the set of parameters to [Store.AddDerivation].
type NewDerivation struct {
	CommitID int64
	Kind     drvstatus.Kind
	Name     string
	// DerivationPath is optional.
	// If set, the derivation starts in [drvstatus.EvalComplete]
	// instead of [drvstatus.EvalPending].
	DerivationPath string
}

// AddCommit records a commit, returning its ID.
// Adding a commit that already exists updates its timestamp
// and returns the existing ID.
func (s *Store) AddCommit(ctx context.Context, hash string, committedAt time.Time) (id int64, err error) {
	if hash == "" {
		return 0, fmt.Errorf("add commit: empty hash")
	}
	err = s.withImmediate(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteTransientFS(conn, sqlFiles(), "derivation/upsert_commit.sql", &sqlitex.ExecOptions{
			Named: map[string]any{
				":hash":         hash,
				":committed_at": toMillis(committedAt),
			},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id = stmt.GetInt64("id")
				return nil
			},
		})
	})
	if err != nil {
		return 0, fmt.Errorf("add commit %s: %v", hash, err)
	}
	return id, nil
}

// AddDerivation records a new derivation, returning its ID.
func (s *Store) AddDerivation(ctx context.Context, nd *NewDerivation) (id int64, err error) {
	if nd.Kind != drvstatus.Package && nd.Kind != drvstatus.System {
		return 0, fmt.Errorf("add derivation %q: invalid kind %v", nd.Name, nd.Kind)
	}
	if nd.Name == "" {
		return 0, fmt.Errorf("add derivation: empty name")
	}
	status := drvstatus.EvalPending
	if nd.DerivationPath != "" {
		if err := validateDerivationPath(nd.DerivationPath); err != nil {
			return 0, fmt.Errorf("add derivation %q: %v", nd.Name, err)
		}
		status = drvstatus.EvalComplete
	}

	err = s.withImmediate(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "derivation/insert.sql", &sqlitex.ExecOptions{
			Named: map[string]any{
				":commit_id":       nd.CommitID,
				":kind":            nd.Kind.String(),
				":name":            nd.Name,
				":derivation_path": nullableText(nd.DerivationPath),
				":status":          status.String(),
				":now":             toMillis(s.now()),
			},
		})
		if err != nil {
			return err
		}
		id = conn.LastInsertRowID()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("add derivation %q: %v", nd.Name, err)
	}
	return id, nil
}

// AddDependency records that the given system derivation
// requires the given package derivation to have built successfully.
// Adding an existing edge is not an error.
func (s *Store) AddDependency(ctx context.Context, systemID, packageID int64) error {
	err := s.withImmediate(ctx, func(conn *sqlite.Conn) error {
		sys, err := findDerivation(conn, systemID)
		if err != nil {
			return err
		}
		if sys.Kind != drvstatus.System {
			return fmt.Errorf("%d is a %v, not a system", systemID, sys.Kind)
		}
		pkg, err := findDerivation(conn, packageID)
		if err != nil {
			return err
		}
		if pkg.Kind != drvstatus.Package {
			return fmt.Errorf("%d is a %v, not a package", packageID, pkg.Kind)
		}
		return sqlitex.ExecuteTransientFS(conn, sqlFiles(), "derivation/insert_dependency.sql", &sqlitex.ExecOptions{
			Named: map[string]any{
				":system_id":  systemID,
				":package_id": packageID,
			},
		})
	})
	if err != nil {
		return fmt.Errorf("add dependency %d -> %d: %w", systemID, packageID, err)
	}
	return nil
}

// SetDerivationPath records the result of evaluating a derivation.
// A derivation that is still being evaluated moves to [drvstatus.EvalComplete].
func (s *Store) SetDerivationPath(ctx context.Context, id int64, drvPath string) error {
	if err := validateDerivationPath(drvPath); err != nil {
		return fmt.Errorf("set derivation path for %d: %v", id, err)
	}
	err := s.withImmediate(ctx, func(conn *sqlite.Conn) error {
		if _, err := findDerivation(conn, id); err != nil {
			return err
		}
		return sqlitex.ExecuteTransientFS(conn, sqlFiles(), "derivation/set_path.sql", &sqlitex.ExecOptions{
			Named: map[string]any{
				":id":              id,
				":derivation_path": drvPath,
			},
		})
	})
	if err != nil {
		return fmt.Errorf("set derivation path for %d: %w", id, err)
	}
	return nil
}

// Derivation returns the derivation with the given ID
// or an error wrapping [ErrNotFound].
func (s *Store) Derivation(ctx context.Context, id int64) (*Derivation, error) {
	var drv *Derivation
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		drv, err = findDerivation(conn, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get derivation %d: %w", id, err)
	}
	return drv, nil
}

func findDerivation(conn *sqlite.Conn, id int64) (*Derivation, error) {
	var drv *Derivation
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "derivation/select.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":id": id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var err error
			drv, err = scanDerivation(stmt)
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	if drv == nil {
		return nil, fmt.Errorf("derivation %d: %w", id, ErrNotFound)
	}
	return drv, nil
}

// scanDerivation reads a row with the columns of derivation/select.sql.
func scanDerivation(stmt *sqlite.Stmt) (*Derivation, error) {
	drv := &Derivation{
		ID:             stmt.GetInt64("id"),
		CommitID:       stmt.GetInt64("commit_id"),
		CommitHash:     stmt.GetText("commit_hash"),
		CommittedAt:    getTime(stmt, "committed_at"),
		Name:           stmt.GetText("name"),
		DerivationPath: stmt.GetText("derivation_path"),
		AttemptCount:   int(stmt.GetInt64("attempt_count")),
		OutputPath:     stmt.GetText("build_output_path"),
		ScheduledAt:    getTime(stmt, "scheduled_at"),
		StartedAt:      getTime(stmt, "started_at"),
		CompletedAt:    getTime(stmt, "completed_at"),
		ErrorMessage:   stmt.GetText("error_message"),
	}
	var err error
	drv.Kind, err = drvstatus.ParseKind(stmt.GetText("kind"))
	if err != nil {
		return nil, fmt.Errorf("derivation %d: %v", drv.ID, err)
	}
	drv.Status, err = parseStatusColumn(stmt, "status")
	if err != nil {
		return nil, fmt.Errorf("derivation %d: %v", drv.ID, err)
	}
	return drv, nil
}

// settle writes the result of [drvstatus.Settle] for drv.
// The update only applies if the row still has the status and attempt count
// that drv was read with.
// It reports whether the row changed.
func (s *Store) settle(conn *sqlite.Conn, drv *Derivation, cause drvstatus.Cause, errorMessage string) (drvstatus.Transition, bool, error) {
	t := drvstatus.Settle(drv.Status, drv.AttemptCount, s.opts.RetryLimit, drv.artifacts(), cause)
	discard := t.DiscardOutput && drv.OutputPath != ""
	if t.Status == drv.Status && t.Attempts == drv.AttemptCount && !discard && errorMessage == "" {
		return t, false, nil
	}
	var completedAt any
	if t.Status.IsTerminal() && !drv.Status.IsTerminal() {
		completedAt = toMillis(s.now())
	}
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "derivation/settle.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":id":                     drv.ID,
			":status":                 t.Status.String(),
			":attempt_count":          t.Attempts,
			":discard_output":         discard,
			":completed_at":           completedAt,
			":error_message":          nullableText(errorMessage),
			":expected_status":        drv.Status.String(),
			":expected_attempt_count": drv.AttemptCount,
		},
	})
	if err != nil {
		return t, false, fmt.Errorf("settle derivation %d: %v", drv.ID, err)
	}
	return t, conn.Changes() > 0, nil
}

func validateDerivationPath(drvPath string) error {
	p, err := nix.ParseStorePath(drvPath)
	if err != nil {
		return err
	}
	if !strings.HasSuffix(p.Base(), ".drv") {
		return fmt.Errorf("%s is not a derivation", drvPath)
	}
	return nil
}

func validateOutputPath(outputPath string) error {
	_, err := nix.ParseStorePath(outputPath)
	return err
}

// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package scheduler coordinates derivation builds across independent worker processes
// using a shared SQLite database as the only coordination medium.
//
// Mutual exclusion comes from the primary key on the reservations table:
// inserting a reservation row is the atomic test-and-set for claiming a derivation.
// Workers renew their reservations with [Store.Heartbeat],
// and [Store.SweepStale] reclaims reservations abandoned by crashed workers.
package scheduler

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"zb.256lights.llc/drvq/drvstatus"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Default values for [Options].
const (
	DefaultRetryLimit       = 5
	DefaultMaxCacheAttempts = 5
	DefaultCacheBackoff     = 30 * time.Second
	DefaultMaxCacheBackoff  = time.Hour
)

var (
	// ErrAlreadyClaimed is returned by [Store.Claim]
	// when another worker holds a reservation on the derivation.
	// Callers should pick a different candidate.
	ErrAlreadyClaimed = errors.New("derivation already claimed")
	// ErrNotClaimable is returned by [Store.Claim]
	// when the derivation is not eligible to be built.
	ErrNotClaimable = errors.New("derivation not claimable")
	// ErrNotReserved is returned when the caller does not hold the reservation
	// it is operating on, usually because the reservation was reclaimed.
	ErrNotReserved = errors.New("reservation not held")
	// ErrNotFound is returned when a derivation or job does not exist.
	ErrNotFound = errors.New("not found")
)

// Options is the set of optional parameters to [New].
type Options struct {
	// RetryLimit is the number of failed attempts after which a derivation
	// is marked as [drvstatus.Failed].
	// If non-positive, [DefaultRetryLimit] is used.
	RetryLimit int

	// CacheDestinations is the list of caches that completed builds are pushed to.
	// One cache push job is enqueued per destination.
	CacheDestinations []string
	// MaxCacheAttempts is the number of failed pushes
	// after which a cache push job is permanently failed.
	// If non-positive, [DefaultMaxCacheAttempts] is used.
	MaxCacheAttempts int
	// CacheBackoff is the delay before retrying a failed push for the first time.
	// The delay doubles for every subsequent failure up to MaxCacheBackoff.
	CacheBackoff    time.Duration
	MaxCacheBackoff time.Duration
	// If AdvanceOnCachePush is true, then a derivation moves from
	// [drvstatus.BuildComplete] to [drvstatus.CachePushed]
	// once all of its cache push jobs complete.
	AdvanceOnCachePush bool

	// Now returns the current time. If nil, [time.Now] is used.
	Now func() time.Time

	// PoolSize is the maximum number of open database connections.
	// If non-positive, a default is used.
	PoolSize int
}

// Store is a handle to the scheduling database.
// It is safe to use from multiple goroutines,
// and multiple processes may open the same database file.
type Store struct {
	db   *sqlitemigration.Pool
	now  func() time.Time
	opts Options
}

// New returns a new [Store] for the database at the given path.
// The database is created and migrated in the background as needed.
// Callers are responsible for calling [Store.Close] on the returned store.
func New(dbPath string, opts *Options) *Store {
	s := &Store{now: time.Now}
	if opts != nil {
		s.opts = *opts
		s.opts.CacheDestinations = append([]string(nil), opts.CacheDestinations...)
		if opts.Now != nil {
			s.now = opts.Now
		}
	}
	if s.opts.RetryLimit <= 0 {
		s.opts.RetryLimit = DefaultRetryLimit
	}
	if s.opts.MaxCacheAttempts <= 0 {
		s.opts.MaxCacheAttempts = DefaultMaxCacheAttempts
	}
	if s.opts.CacheBackoff <= 0 {
		s.opts.CacheBackoff = DefaultCacheBackoff
	}
	if s.opts.MaxCacheBackoff < s.opts.CacheBackoff {
		s.opts.MaxCacheBackoff = max(DefaultMaxCacheBackoff, s.opts.CacheBackoff)
	}
	s.db = sqlitemigration.NewPool(dbPath, loadSchema(), sqlitemigration.Options{
		Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
		PoolSize:    s.opts.PoolSize,
		PrepareConn: prepareConn,
		OnStartMigrate: func() {
			log.Debugf(context.Background(), "Migrating scheduler database %s...", dbPath)
		},
		OnReady: func() {
			log.Debugf(context.Background(), "Scheduler database ready")
		},
		OnError: func(err error) {
			log.Errorf(context.Background(), "Migration: %v", err)
		},
	})
	return s
}

// Close releases any resources associated with the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// RetryLimit returns the configured retry limit.
func (s *Store) RetryLimit() int {
	return s.opts.RetryLimit
}

// CacheDestinations returns the configured cache destinations.
func (s *Store) CacheDestinations() []string {
	return append([]string(nil), s.opts.CacheDestinations...)
}

// withConn runs f with a connection from the pool.
func (s *Store) withConn(ctx context.Context, f func(conn *sqlite.Conn) error) error {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return err
	}
	defer s.db.Put(conn)
	return f(conn)
}

// withImmediate runs f inside an immediate transaction,
// which takes the database write lock up front.
// If f returns an error, the transaction is rolled back.
func (s *Store) withImmediate(ctx context.Context, f func(conn *sqlite.Conn) error) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		endFn, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endFn(&err)
		return f(conn)
	})
}

// isConflict reports whether err is a uniqueness violation.
func isConflict(err error) bool {
	switch sqlite.ErrCode(err) {
	case sqlite.ResultConstraintPrimaryKey, sqlite.ResultConstraintUnique, sqlite.ResultConstraintRowID:
		return true
	default:
		return false
	}
}

func prepareConn(conn *sqlite.Conn) error {
	conn.SetBlockOnBusy()
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = on;", nil); err != nil {
		return err
	}
	return nil
}

//go:embed sql/*/*.sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(sqlFiles(), fmt.Sprintf("schema/%02d.sql", i))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})

	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// nullableMillis returns nil for the zero time so that it is stored as NULL.
func nullableMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

// getTime reads a nullable millisecond timestamp column.
func getTime(stmt *sqlite.Stmt, col string) time.Time {
	if stmt.ColumnType(stmt.ColumnIndex(col)) == sqlite.TypeNull {
		return time.Time{}
	}
	return time.UnixMilli(stmt.GetInt64(col)).UTC()
}

// nullableText returns nil for the empty string so that it is stored as NULL.
func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseStatusColumn(stmt *sqlite.Stmt, col string) (drvstatus.Status, error) {
	s, err := drvstatus.ParseStatus(stmt.GetText(col))
	if err != nil {
		return 0, fmt.Errorf("%s: %v", col, err)
	}
	return s, nil
}

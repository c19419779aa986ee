// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/tailscale/hujson"
	"zb.256lights.llc/drvq/internal/scheduler"
	"zb.256lights.llc/drvq/internal/worker"
)

type globalConfig struct {
	Debug    bool   `json:"debug"`
	Database string `json:"database"`
	WorkerID string `json:"workerID"`

	RetryLimit        int      `json:"retryLimit"`
	HeartbeatInterval duration `json:"heartbeatInterval"`
	StaleThreshold    duration `json:"staleThreshold"`
	SweepInterval     duration `json:"sweepInterval"`
	PollInterval      duration `json:"pollInterval"`

	CacheDestinations  []string `json:"cacheDestinations"`
	MaxCacheAttempts   int      `json:"maxCacheAttempts"`
	CacheBackoff       duration `json:"cacheBackoff"`
	AdvanceOnCachePush bool     `json:"advanceOnCachePush"`
	// CacheToken is only read from the environment.
	CacheToken string `json:"-"`

	Builder []string `json:"builder"`
	Listen  string   `json:"listen"`
}

func defaultGlobalConfig() *globalConfig {
	g := &globalConfig{
		RetryLimit:        scheduler.DefaultRetryLimit,
		HeartbeatInterval: duration(worker.DefaultHeartbeatInterval),
		StaleThreshold:    duration(worker.DefaultStaleThreshold),
		SweepInterval:     duration(time.Minute),
		PollInterval:      duration(worker.DefaultPollInterval),
		MaxCacheAttempts:  scheduler.DefaultMaxCacheAttempts,
		CacheBackoff:      duration(scheduler.DefaultCacheBackoff),
		Listen:            "localhost:8420",
	}
	if dir := dataDir(); dir != "" {
		g.Database = filepath.Join(dir, "drvq", "drvq.db")
	}
	return g
}

// configFiles returns the configuration files that are read before
// any files given on the command line, in the order they are merged.
func configFiles() iter.Seq[string] {
	return func(yield func(string) bool) {
		if dir := userConfigDir(); dir != "" {
			if !yield(filepath.Join(dir, "drvq", "config.jwcc")) {
				return
			}
		}
		if dir := systemConfigDir(); dir != "" {
			yield(filepath.Join(dir, "drvq", "config.jwcc"))
		}
	}
}

func (g *globalConfig) mergeEnvironment() {
	if path := os.Getenv("DRVQ_DB"); path != "" {
		g.Database = path
	}
	if id := os.Getenv("DRVQ_WORKER_ID"); id != "" {
		g.WorkerID = id
	}
	if token := os.Getenv("DRVQ_CACHE_TOKEN"); token != "" {
		g.CacheToken = token
	}
}

// mergeFiles reads the JWCC files at the given paths in order,
// skipping any that do not exist.
func (g *globalConfig) mergeFiles(paths iter.Seq[string]) error {
	for path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, g, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}
	return nil
}

// UnmarshalJSONFrom unmarshals the configuration object from the JSON decoder,
// merging any fields in the JSON object with existing values.
// cacheDestinations are appended to rather than replaced.
func (g *globalConfig) UnmarshalJSONFrom(in *jsontext.Decoder) error {
	tok, err := in.ReadToken()
	if err != nil {
		return err
	}
	if got := tok.Kind(); got != '{' {
		return fmt.Errorf("config must be an object not a %v", got)
	}

	for {
		keyToken, err := in.ReadToken()
		if err != nil {
			return err
		}
		switch kind := keyToken.Kind(); kind {
		case '}':
			return nil
		case '"':
			// Keep going.
		default:
			return fmt.Errorf("unexpected non-string key (%v) in object", kind)
		}

		k := keyToken.String()
		var dst any
		switch k {
		case "debug":
			dst = &g.Debug
		case "database":
			dst = &g.Database
		case "workerID":
			dst = &g.WorkerID
		case "retryLimit":
			dst = &g.RetryLimit
		case "heartbeatInterval":
			dst = &g.HeartbeatInterval
		case "staleThreshold":
			dst = &g.StaleThreshold
		case "sweepInterval":
			dst = &g.SweepInterval
		case "pollInterval":
			dst = &g.PollInterval
		case "maxCacheAttempts":
			dst = &g.MaxCacheAttempts
		case "cacheBackoff":
			dst = &g.CacheBackoff
		case "advanceOnCachePush":
			dst = &g.AdvanceOnCachePush
		case "builder":
			g.Builder = nil
			dst = &g.Builder
		case "listen":
			dst = &g.Listen
		case "cacheDestinations":
			var newDests []string
			if err := jsonv2.UnmarshalDecode(in, &newDests); err != nil {
				return fmt.Errorf("unmarshal config.cacheDestinations: %w", err)
			}
			g.CacheDestinations = appendUnique(g.CacheDestinations, newDests...)
			continue
		default:
			if reject, _ := jsonv2.GetOption(in.Options(), jsonv2.RejectUnknownMembers); reject {
				return fmt.Errorf("unmarshal config: unknown field %q", k)
			}
			if err := in.SkipValue(); err != nil {
				return err
			}
			continue
		}
		if err := jsonv2.UnmarshalDecode(in, dst); err != nil {
			return fmt.Errorf("unmarshal config.%s: %w", k, err)
		}
	}
}

func (g *globalConfig) validate() error {
	if g.Database == "" {
		return fmt.Errorf("database path not set (use --db or DRVQ_DB)")
	}
	if g.RetryLimit < 1 {
		return fmt.Errorf("retry limit must be at least 1 (got %d)", g.RetryLimit)
	}
	if g.HeartbeatInterval <= 0 || g.StaleThreshold <= 0 {
		return fmt.Errorf("heartbeat interval and stale threshold must be positive")
	}
	if g.HeartbeatInterval >= g.StaleThreshold {
		return fmt.Errorf("heartbeat interval (%v) must be less than stale threshold (%v)",
			g.HeartbeatInterval, g.StaleThreshold)
	}
	return nil
}

func (g *globalConfig) storeOptions() *scheduler.Options {
	return &scheduler.Options{
		RetryLimit:         g.RetryLimit,
		CacheDestinations:  g.CacheDestinations,
		MaxCacheAttempts:   g.MaxCacheAttempts,
		CacheBackoff:       time.Duration(g.CacheBackoff),
		AdvanceOnCachePush: g.AdvanceOnCachePush,
	}
}

// openStore opens the scheduler database, creating its directory if needed.
func (g *globalConfig) openStore() (*scheduler.Store, error) {
	if err := os.MkdirAll(filepath.Dir(g.Database), 0o755); err != nil {
		return nil, err
	}
	return scheduler.New(g.Database, g.storeOptions()), nil
}

func appendUnique(list []string, elems ...string) []string {
	for _, e := range elems {
		if !slices.Contains(list, e) {
			list = append(list, e)
		}
	}
	return list
}

// duration is a [time.Duration] that is represented in JSON
// as a string accepted by [time.ParseDuration].
type duration time.Duration

func (d duration) String() string {
	return time.Duration(d).String()
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *duration) UnmarshalText(text []byte) error {
	x, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(x)
	return nil
}

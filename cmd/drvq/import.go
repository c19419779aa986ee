// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/spf13/cobra"
	"github.com/tailscale/hujson"
	"zb.256lights.llc/drvq/drvstatus"
	"zb.256lights.llc/drvq/internal/scheduler"
	"zombiezen.com/go/log"
)

// importDocument is the format read by "drvq import".
type importDocument struct {
	Commits []*importCommit `json:"commits"`
}

type importCommit struct {
	Hash        string              `json:"hash"`
	CommittedAt time.Time           `json:"committedAt"`
	Derivations []*importDerivation `json:"derivations"`
}

type importDerivation struct {
	Name string         `json:"name"`
	Kind drvstatus.Kind `json:"kind"`
	// Path is the store derivation path. If empty, the derivation is left pending evaluation.
	Path string `json:"path,omitzero"`
	// DependsOn names packages in the same commit that a system requires.
	DependsOn []string `json:"dependsOn,omitzero"`
}

type importStats struct {
	commits      int
	derivations  int
	dependencies int
}

func newImportCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "import [FILE]",
		Short:                 "add evaluated commits and derivations to the queue",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MaximumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		path := "-"
		if len(args) > 0 {
			path = args[0]
		}
		return runImport(cmd.Context(), g, path)
	}
	return c
}

func runImport(ctx context.Context, g *globalConfig, path string) error {
	doc, err := readImportDocument(path)
	if err != nil {
		return err
	}
	store, err := g.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()
	stats, err := importInto(ctx, store, doc)
	if err != nil {
		return err
	}
	fmt.Printf("imported %d commits, %d derivations, %d dependencies\n",
		stats.commits, stats.derivations, stats.dependencies)
	return nil
}

func readImportDocument(path string) (*importDocument, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	data, err = hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("read %s: %v", path, err)
	}
	doc := new(importDocument)
	if err := jsonv2.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("read %s: %v", path, err)
	}
	return doc, nil
}

// importInto adds the document's contents to the store.
// Derivations are added before dependencies
// so that a system's packages may appear after it in the document.
func importInto(ctx context.Context, store *scheduler.Store, doc *importDocument) (*importStats, error) {
	stats := new(importStats)
	for _, c := range doc.Commits {
		commitID, err := store.AddCommit(ctx, c.Hash, c.CommittedAt)
		if err != nil {
			return stats, err
		}
		stats.commits++

		ids := make(map[string]int64, len(c.Derivations))
		for _, d := range c.Derivations {
			if _, dup := ids[d.Name]; dup {
				return stats, fmt.Errorf("commit %s: duplicate derivation %q", c.Hash, d.Name)
			}
			if len(d.DependsOn) > 0 && d.Kind != drvstatus.System {
				return stats, fmt.Errorf("commit %s: %s %q cannot have dependencies", c.Hash, d.Kind, d.Name)
			}
			id, err := store.AddDerivation(ctx, &scheduler.NewDerivation{
				CommitID:       commitID,
				Kind:           d.Kind,
				Name:           d.Name,
				DerivationPath: d.Path,
			})
			if err != nil {
				return stats, err
			}
			ids[d.Name] = id
			stats.derivations++
		}
		for _, d := range c.Derivations {
			for _, dep := range d.DependsOn {
				pkgID, ok := ids[dep]
				if !ok {
					return stats, fmt.Errorf("commit %s: %q depends on unknown derivation %q", c.Hash, d.Name, dep)
				}
				if err := store.AddDependency(ctx, ids[d.Name], pkgID); err != nil {
					return stats, err
				}
				stats.dependencies++
			}
		}
	}
	return stats, nil
}

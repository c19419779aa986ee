// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package drvstatus defines the lifecycle states of a derivation
// and the transition rules used to recover from failures.
package drvstatus

import (
	"fmt"
	"iter"
)

// Status is a derivation lifecycle state.
// The zero value is not a valid status.
type Status int8

// Defined statuses, in display order.
const (
	EvalPending Status = 1 + iota
	EvalInProgress
	EvalComplete
	EvalFailed
	BuildPending
	BuildInProgress
	BuildComplete
	BuildFailed
	CachePushed
	Failed

	numStatuses = iota
)

type statusInfo struct {
	name         string
	terminal     bool
	success      bool
	displayOrder int
}

var registry = [numStatuses + 1]statusInfo{
	EvalPending:     {name: "eval-pending", displayOrder: 10},
	EvalInProgress:  {name: "eval-in-progress", displayOrder: 20},
	EvalComplete:    {name: "eval-complete", displayOrder: 30},
	EvalFailed:      {name: "eval-failed", displayOrder: 40},
	BuildPending:    {name: "build-pending", displayOrder: 50},
	BuildInProgress: {name: "build-in-progress", displayOrder: 60},
	BuildComplete:   {name: "build-complete", terminal: true, success: true, displayOrder: 70},
	BuildFailed:     {name: "build-failed", displayOrder: 80},
	CachePushed:     {name: "cache-pushed", terminal: true, success: true, displayOrder: 90},
	Failed:          {name: "failed", terminal: true, displayOrder: 100},
}

// All returns an iterator over every defined status in display order.
func All() iter.Seq[Status] {
	return func(yield func(Status) bool) {
		for s := Status(1); s <= numStatuses; s++ {
			if !yield(s) {
				return
			}
		}
	}
}

// ParseStatus returns the status with the given name.
func ParseStatus(name string) (Status, error) {
	for s := range All() {
		if registry[s].name == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown derivation status %q", name)
}

// IsValid reports whether s is one of the defined statuses.
func (s Status) IsValid() bool {
	return 1 <= s && s <= numStatuses
}

// String returns the status's stored name (e.g. "build-pending").
func (s Status) String() string {
	if !s.IsValid() {
		return fmt.Sprintf("Status(%d)", int8(s))
	}
	return registry[s].name
}

// IsTerminal reports whether no further automatic transition occurs from s.
// [BuildComplete] may still be annotated as [CachePushed].
func (s Status) IsTerminal() bool {
	return s.IsValid() && registry[s].terminal
}

// IsSuccess reports whether s represents a successfully built derivation.
func (s Status) IsSuccess() bool {
	return s.IsValid() && registry[s].success
}

// DisplayOrder returns a sort key for presenting statuses to humans.
func (s Status) DisplayOrder() int {
	if !s.IsValid() {
		return 0
	}
	return registry[s].displayOrder
}

// IsBuildable reports whether a derivation in status s may be claimed by a builder.
func (s Status) IsBuildable() bool {
	return s == EvalComplete || s == BuildPending
}

// Buildable returns the statuses that [Status.IsBuildable] accepts.
func Buildable() []Status {
	return []Status{EvalComplete, BuildPending}
}

// MarshalText returns the status's name.
func (s Status) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("marshal derivation status: invalid value %d", int8(s))
	}
	return []byte(registry[s].name), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Kind is the type of a derivation.
type Kind int8

// Derivation kinds.
const (
	Package Kind = 1 + iota
	System
)

// ParseKind parses "package" or "system".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "package":
		return Package, nil
	case "system":
		return System, nil
	default:
		return 0, fmt.Errorf("unknown derivation kind %q", s)
	}
}

func (k Kind) String() string {
	switch k {
	case Package:
		return "package"
	case System:
		return "system"
	default:
		return fmt.Sprintf("Kind(%d)", int8(k))
	}
}

// MarshalText returns the kind's name.
func (k Kind) MarshalText() ([]byte, error) {
	if k != Package && k != System {
		return nil, fmt.Errorf("marshal derivation kind: invalid value %d", int8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

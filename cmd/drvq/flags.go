// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"strconv"

	"github.com/spf13/pflag"
)

// A deferredFlag is a [pflag.Value] that is copied into the configuration
// by [applyFlagOverrides] after configuration files and the environment are merged,
// so that flags take precedence over both.
type deferredFlag interface {
	pflag.Value
	apply()
}

// applyFlagOverrides applies every deferred flag that was set on the command line.
func applyFlagOverrides(fs *pflag.FlagSet) {
	fs.Visit(func(f *pflag.Flag) {
		if d, ok := f.Value.(deferredFlag); ok {
			d.apply()
		}
	})
}

type deferredString struct {
	dst *string
	val string
}

func stringOverride(dst *string) *deferredString {
	return &deferredString{dst: dst, val: *dst}
}

func (f *deferredString) Type() string       { return "string" }
func (f *deferredString) String() string     { return f.val }
func (f *deferredString) Set(s string) error { f.val = s; return nil }
func (f *deferredString) apply()             { *f.dst = f.val }

type deferredInt struct {
	dst *int
	val int
}

func intOverride(dst *int) *deferredInt {
	return &deferredInt{dst: dst, val: *dst}
}

func (f *deferredInt) Type() string   { return "int" }
func (f *deferredInt) String() string { return strconv.Itoa(f.val) }
func (f *deferredInt) apply()         { *f.dst = f.val }

func (f *deferredInt) Set(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	f.val = n
	return nil
}

type deferredDuration struct {
	dst *duration
	val duration
}

func durationOverride(dst *duration) *deferredDuration {
	return &deferredDuration{dst: dst, val: *dst}
}

func (f *deferredDuration) Type() string       { return "duration" }
func (f *deferredDuration) String() string     { return f.val.String() }
func (f *deferredDuration) Set(s string) error { return f.val.UnmarshalText([]byte(s)) }
func (f *deferredDuration) apply()             { *f.dst = f.val }

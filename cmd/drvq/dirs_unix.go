// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

//go:build unix

package main

import "go4.org/xdgdir"

func userConfigDir() string {
	return xdgdir.Config.Path()
}

func systemConfigDir() string {
	return "/etc"
}

func dataDir() string {
	return xdgdir.Data.Path()
}

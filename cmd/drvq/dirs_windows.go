// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package main

import "os"

func userConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return dir
}

func systemConfigDir() string {
	return os.Getenv("ProgramData")
}

func dataDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return dir
}

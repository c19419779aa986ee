// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package cachepush

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileDestination writes cache objects to a local directory.
type FileDestination struct {
	Dir string
}

// Put writes the object to a temporary file in the destination directory
// and renames it into place.
func (d *FileDestination) Put(ctx context.Context, key string, contentType string, body io.ReadSeeker, size int64) (err error) {
	if !isCleanKey(key) {
		return fmt.Errorf("put %s: invalid key", key)
	}
	dst := filepath.Join(d.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("put %s: %v", key, err)
	}
	f, err := os.CreateTemp(filepath.Dir(dst), ".tmp-"+filepath.Base(dst)+"-*")
	if err != nil {
		return fmt.Errorf("put %s: %v", key, err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()
	n, err := io.Copy(f, body)
	if err != nil {
		return fmt.Errorf("put %s: %v", key, err)
	}
	if n != size {
		return fmt.Errorf("put %s: wrote %d bytes (expected %d)", key, n, size)
	}
	if err := f.Chmod(0o644); err != nil {
		return fmt.Errorf("put %s: %v", key, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("put %s: %v", key, err)
	}
	if err := os.Rename(f.Name(), dst); err != nil {
		return fmt.Errorf("put %s: %v", key, err)
	}
	return nil
}

func (d *FileDestination) String() string {
	return "file://" + filepath.ToSlash(d.Dir)
}

// isCleanKey reports whether key is a relative slash-separated path
// that stays inside the cache root.
func isCleanKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return false
	}
	for elem := range strings.SplitSeq(key, "/") {
		if elem == "" || elem == "." || elem == ".." {
			return false
		}
	}
	return true
}

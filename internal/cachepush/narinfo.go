// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package cachepush

import (
	"fmt"
	"strconv"

	"zombiezen.com/go/nix"
)

// NARInfo is the metadata uploaded alongside a compressed NAR file.
type NARInfo struct {
	// StorePath is the absolute path of the store object.
	StorePath nix.StorePath
	// URL is the path of the compressed .nar file
	// relative to the cache root.
	URL string
	// Compression is the algorithm used for the file referenced by URL.
	Compression nix.CompressionType
	// FileHash is the hash of the file referenced by URL.
	FileHash nix.Hash
	// FileSize is the size of the file referenced by URL in bytes.
	FileSize int64
	// NARHash is the hash of the uncompressed .nar file.
	NARHash nix.Hash
	// NARSize is the size of the uncompressed .nar file in bytes.
	NARSize int64
	// Deriver is the store derivation that produced the object, if known.
	Deriver nix.StorePath
}

func (info *NARInfo) validate() error {
	if info.StorePath == "" {
		return fmt.Errorf("store path empty")
	}
	if info.URL == "" {
		return fmt.Errorf("url empty")
	}
	if info.NARHash.IsZero() {
		return fmt.Errorf("nar hash not set")
	}
	if info.NARSize <= 0 {
		return fmt.Errorf("nar size not positive")
	}
	if info.FileSize < 0 {
		return fmt.Errorf("negative file size")
	}
	if info.Deriver != "" && info.Deriver.Dir() != info.StorePath.Dir() {
		return fmt.Errorf("deriver directory = %q (expect %q)", info.Deriver.Dir(), info.StorePath.Dir())
	}
	return nil
}

// MarshalText encodes the information as a .narinfo file.
func (info *NARInfo) MarshalText() ([]byte, error) {
	if err := info.validate(); err != nil {
		return nil, fmt.Errorf("marshal narinfo: %v", err)
	}

	var buf []byte
	buf = append(buf, "StorePath: "...)
	buf = append(buf, info.StorePath...)
	buf = append(buf, "\nURL: "...)
	buf = append(buf, info.URL...)
	buf = append(buf, "\nCompression: "...)
	compression := info.Compression
	if compression == "" {
		compression = nix.Bzip2
	}
	buf = append(buf, compression...)
	if !info.FileHash.IsZero() {
		buf = append(buf, "\nFileHash: "...)
		buf = append(buf, info.FileHash.Base32()...)
	}
	if info.FileSize != 0 {
		buf = append(buf, "\nFileSize: "...)
		buf = strconv.AppendInt(buf, info.FileSize, 10)
	}
	buf = append(buf, "\nNarHash: "...)
	buf = append(buf, info.NARHash.Base32()...)
	buf = append(buf, "\nNarSize: "...)
	buf = strconv.AppendInt(buf, info.NARSize, 10)
	if info.Deriver != "" {
		buf = append(buf, "\nDeriver: "...)
		buf = append(buf, info.Deriver.Base()...)
	}
	buf = append(buf, "\n"...)
	return buf, nil
}

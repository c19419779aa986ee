// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package cachepush replicates build outputs to binary caches.
//
// A push serializes a store object as a NAR,
// compresses it with bzip2,
// uploads the compressed file,
// and then uploads a .narinfo file describing it.
// The .narinfo is written last
// so that readers never observe metadata for a missing NAR file.
package cachepush

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nar"
	"zombiezen.com/go/uritemplate"
)

// Destination is a place that cache objects can be written to.
type Destination interface {
	// Put writes the object with the given key,
	// replacing any existing object.
	// Keys are slash-separated paths relative to the cache root.
	Put(ctx context.Context, key string, contentType string, body io.ReadSeeker, size int64) error
	// String returns the destination in the form accepted by [ParseDestination]
	// with any credentials removed.
	String() string
}

// Options is the set of optional parameters to [ParseDestination].
type Options struct {
	// HTTPClient is used for http and https destinations.
	// If nil, [http.DefaultClient] is used.
	HTTPClient *http.Client
	// Token is sent as a bearer token to http and https destinations.
	Token string
	// S3AccessKey and S3SecretKey are static credentials for s3 destinations.
	// If S3AccessKey is empty,
	// credentials are read from the standard AWS and MinIO environment variables.
	S3AccessKey string
	S3SecretKey string
}

// ParseDestination returns the [Destination] for a URL.
// Supported forms are:
//
//   - file:///path/to/dir
//   - http://host/path and https://host/path
//   - s3://bucket/prefix?endpoint=host:port&region=name&insecure=1
func ParseDestination(s string, opts *Options) (Destination, error) {
	if opts == nil {
		opts = new(Options)
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse cache destination: %v", err)
	}
	switch u.Scheme {
	case "file":
		if u.Host != "" && u.Host != "localhost" {
			return nil, fmt.Errorf("parse cache destination %s: file URL must not have a host", s)
		}
		if u.Path == "" {
			return nil, fmt.Errorf("parse cache destination %s: empty path", s)
		}
		return &FileDestination{Dir: u.Path}, nil
	case "http", "https":
		if u.Host == "" {
			return nil, fmt.Errorf("parse cache destination %s: missing host", s)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		return &HTTPDestination{
			URL:        u,
			HTTPClient: opts.HTTPClient,
			Token:      opts.Token,
		}, nil
	case "s3":
		d, err := newS3Destination(u, opts)
		if err != nil {
			return nil, fmt.Errorf("parse cache destination %s: %v", s, err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("parse cache destination %s: unsupported scheme %q", s, u.Scheme)
	}
}

// Layout determines the keys that objects are stored under.
// The templates are RFC 6570 URI templates
// with the variables "digest", "name", and "fileHash".
type Layout struct {
	NARInfo string
	NAR     string
}

// DefaultLayout is the layout of a Nix binary cache.
var DefaultLayout = Layout{
	NARInfo: "{digest}" + nix.NARInfoExtension,
	NAR:     "nar/{fileHash}.nar.bz2",
}

// Pusher uploads store objects to destinations.
type Pusher struct {
	// Layout is the cache layout.
	// If both fields are empty, [DefaultLayout] is used.
	Layout Layout
	// TempDir is the directory used for staging compressed NAR files.
	// If empty, [os.TempDir] is used.
	TempDir string
}

// Request is the set of parameters to [Pusher.Push].
type Request struct {
	// OutputPath is the store object to push.
	OutputPath string
	// DerivationPath is the store derivation that built the object. It is optional.
	DerivationPath string
}

// Push uploads a store object to the destination
// and returns the .narinfo that was written.
func (p *Pusher) Push(ctx context.Context, dest Destination, req *Request) (_ *NARInfo, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("push %s to %v: %w", req.OutputPath, dest, err)
		}
	}()

	storePath, err := nix.ParseStorePath(req.OutputPath)
	if err != nil {
		return nil, err
	}
	info := &NARInfo{
		StorePath:   storePath,
		Compression: nix.Bzip2,
	}
	if req.DerivationPath != "" {
		info.Deriver, err = nix.ParseStorePath(req.DerivationPath)
		if err != nil {
			return nil, fmt.Errorf("deriver: %v", err)
		}
	}

	f, err := os.CreateTemp(p.TempDir, "drvq-push-*.nar.bz2")
	if err != nil {
		return nil, err
	}
	defer func() {
		f.Close()
		if err := os.Remove(f.Name()); err != nil {
			log.Warnf(ctx, "Clean up staged NAR: %v", err)
		}
	}()
	if err := compressNAR(f, info, req.OutputPath); err != nil {
		return nil, err
	}

	layout := p.Layout
	if layout.NARInfo == "" && layout.NAR == "" {
		layout = DefaultLayout
	}
	vars := map[string]string{
		"digest":   storePath.Digest(),
		"name":     storePath.Name(),
		"fileHash": info.FileHash.RawBase32(),
	}
	narKey, err := uritemplate.Expand(layout.NAR, vars)
	if err != nil {
		return nil, fmt.Errorf("nar key: %v", err)
	}
	infoKey, err := uritemplate.Expand(layout.NARInfo, vars)
	if err != nil {
		return nil, fmt.Errorf("narinfo key: %v", err)
	}
	info.URL = narKey

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	log.Debugf(ctx, "Uploading %s (%d bytes) to %v", narKey, info.FileSize, dest)
	if err := dest.Put(ctx, narKey, "application/x-nix-nar", f, info.FileSize); err != nil {
		return nil, err
	}
	infoData, err := info.MarshalText()
	if err != nil {
		return nil, err
	}
	if err := dest.Put(ctx, infoKey, nix.NARInfoMIMEType, strings.NewReader(string(infoData)), int64(len(infoData))); err != nil {
		return nil, err
	}
	return info, nil
}

// compressNAR writes the bzip2-compressed NAR serialization of path to w
// and fills in the hashes and sizes in info.
func compressNAR(w io.Writer, info *NARInfo, path string) error {
	fileHasher := nix.NewHasher(nix.SHA256)
	fileCounter := new(countWriter)
	zw, err := bzip2.NewWriter(io.MultiWriter(w, fileHasher, fileCounter), &bzip2.WriterConfig{
		Level: bzip2.DefaultCompression,
	})
	if err != nil {
		return err
	}
	narHasher := nix.NewHasher(nix.SHA256)
	narCounter := new(countWriter)
	if err := nar.DumpPath(io.MultiWriter(zw, narHasher, narCounter), path); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	info.NARHash = narHasher.SumHash()
	info.NARSize = narCounter.n
	info.FileHash = fileHasher.SumHash()
	info.FileSize = fileCounter.n
	return nil
}

type countWriter struct {
	n int64
}

func (cw *countWriter) Write(p []byte) (int, error) {
	cw.n += int64(len(p))
	return len(p), nil
}

// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package cachepush

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"zb.256lights.llc/drvq/internal/useragent"
)

// HTTPDestination uploads cache objects with HTTP PUT requests,
// as accepted by Nix binary cache servers such as Attic and nix-serve-ng.
type HTTPDestination struct {
	// URL is the root of the cache. It should end in a slash.
	URL *url.URL
	// HTTPClient is used to make requests.
	// If nil, [http.DefaultClient] is used.
	HTTPClient *http.Client
	// Token is sent as a bearer token if not empty.
	Token string
}

func (d *HTTPDestination) client() *http.Client {
	if d.HTTPClient == nil {
		return http.DefaultClient
	}
	return d.HTTPClient
}

// Put uploads the object to the key resolved against the destination's URL.
func (d *HTTPDestination) Put(ctx context.Context, key string, contentType string, body io.ReadSeeker, size int64) error {
	if !isCleanKey(key) {
		return fmt.Errorf("put %s: invalid key", key)
	}
	ref, err := url.Parse(key)
	if err != nil {
		return fmt.Errorf("put %s: %v", key, err)
	}
	u := d.URL.ResolveReference(ref)
	header := http.Header{
		"Content-Type": {contentType},
		"User-Agent":   {useragent.String},
	}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}
	req := (&http.Request{
		Method:        http.MethodPut,
		URL:           u,
		Header:        header,
		Body:          io.NopCloser(body),
		ContentLength: size,
		GetBody: func() (io.ReadCloser, error) {
			if _, err := body.Seek(0, io.SeekStart); err != nil {
				return nil, err
			}
			return io.NopCloser(body), nil
		},
	}).WithContext(ctx)
	resp, err := d.client().Do(req)
	if err != nil {
		return fmt.Errorf("put %v: %v", u.Redacted(), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("put %v: %w", u.Redacted(), &httpError{
			statusCode: resp.StatusCode,
			status:     resp.Status,
		})
	}
	return nil
}

func (d *HTTPDestination) String() string {
	if d.URL == nil {
		return "<nil>"
	}
	return d.URL.Redacted()
}

type httpError struct {
	statusCode int
	status     string
}

func (e *httpError) Error() string {
	status := e.status
	if status == "" {
		status = http.StatusText(e.statusCode)
		if status == "" {
			status = strconv.Itoa(e.statusCode)
		}
	}
	return "http " + status
}

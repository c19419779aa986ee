// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package cachepush

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultS3Endpoint = "s3.amazonaws.com"

// S3Destination uploads cache objects to an S3-compatible object store.
type S3Destination struct {
	client   *minio.Client
	endpoint string
	bucket   string
	prefix   string
	region   string
	secure   bool

	mu            sync.Mutex
	bucketChecked bool
}

func newS3Destination(u *url.URL, opts *Options) (*S3Destination, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("missing bucket")
	}
	q := u.Query()
	d := &S3Destination{
		endpoint: q.Get("endpoint"),
		bucket:   u.Host,
		prefix:   strings.Trim(u.Path, "/"),
		region:   q.Get("region"),
		secure:   q.Get("insecure") == "",
	}
	if d.endpoint == "" {
		d.endpoint = defaultS3Endpoint
	}
	var creds *credentials.Credentials
	if opts.S3AccessKey != "" {
		creds = credentials.NewStaticV4(opts.S3AccessKey, opts.S3SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
		})
	}
	var err error
	d.client, err = minio.New(d.endpoint, &minio.Options{
		Creds:  creds,
		Secure: d.secure,
		Region: d.region,
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Put uploads the object under the destination's prefix,
// creating the bucket first if it does not exist.
func (d *S3Destination) Put(ctx context.Context, key string, contentType string, body io.ReadSeeker, size int64) error {
	if !isCleanKey(key) {
		return fmt.Errorf("put %s: invalid key", key)
	}
	if err := d.ensureBucket(ctx); err != nil {
		return fmt.Errorf("put %s: %v", key, err)
	}
	objectName := key
	if d.prefix != "" {
		objectName = path.Join(d.prefix, key)
	}
	_, err := d.client.PutObject(ctx, d.bucket, objectName, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put %s: %v", key, err)
	}
	return nil
}

func (d *S3Destination) ensureBucket(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bucketChecked {
		return nil
	}
	exists, err := d.client.BucketExists(ctx, d.bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := d.client.MakeBucket(ctx, d.bucket, minio.MakeBucketOptions{Region: d.region}); err != nil {
			return err
		}
	}
	d.bucketChecked = true
	return nil
}

func (d *S3Destination) String() string {
	u := &url.URL{
		Scheme: "s3",
		Host:   d.bucket,
		Path:   "/" + d.prefix,
	}
	q := make(url.Values)
	if d.endpoint != defaultS3Endpoint {
		q.Set("endpoint", d.endpoint)
	}
	if d.region != "" {
		q.Set("region", d.region)
	}
	if !d.secure {
		q.Set("insecure", "1")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

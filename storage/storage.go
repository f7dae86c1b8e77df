// Package storage provides a daemon driver for S3-compatible object storage.
//
// The "connection" managed by the daemon is an *S3Storage: a MinIO client
// bound to one bucket. Connecting verifies that the bucket exists and each
// heartbeat repeats that check, so an unreachable endpoint or a deleted
// bucket invalidates the shared client and the next request reconnects.
//
// # Usage Example
//
//	driver := &storage.S3Driver{
//		AccessKey: "access-key",
//		SecretKey: "secret-key",
//		Bucket:    "data",
//		Region:    "us-east-1",
//	}
//	d := daemon.New("https://s3.example.com", driver, opts)
//
//	s3, err := d.Connection(ctx)
//	if err != nil {
//		return err
//	}
//	err = s3.Put(ctx, key, body, size)
//
// The endpoint may carry an http:// or https:// scheme; a bare host:port uses
// TLS unless DisableTLS is set.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/migadu/connd/logger"
	"github.com/migadu/connd/pkg/metrics"
	"github.com/migadu/connd/pkg/retry"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrBucketNotFound is reported when the configured bucket does not exist.
var ErrBucketNotFound = errors.New("bucket not found")

// S3Driver creates S3Storage values. Credentials and bucket are fixed; the
// endpoint comes from the daemon URL.
type S3Driver struct {
	AccessKey  string
	SecretKey  string
	Bucket     string
	Region     string
	DisableTLS bool
	Debug      bool // Trace requests and responses to stdout
	Logger     logger.Logger
}

func (d *S3Driver) Connect(ctx context.Context, endpoint string) (*S3Storage, error) {
	host, secure, err := parseEndpoint(endpoint, !d.DisableTLS)
	if err != nil {
		return nil, retry.Stop(err)
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(d.AccessKey, d.SecretKey, ""),
		Secure: secure,
		Region: d.Region,
	})
	if err != nil {
		return nil, retry.Stop(fmt.Errorf("failed to initialize MinIO client: %w", err))
	}

	if d.Debug {
		client.TraceOn(os.Stdout)
	}

	s := &S3Storage{
		Client:     client,
		BucketName: d.Bucket,
		log:        d.Logger,
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	if err := s.checkBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (d *S3Driver) Probe(ctx context.Context, s *S3Storage) error {
	return s.checkBucket(ctx)
}

// Close is a no-op: the MinIO client holds no resources beyond pooled HTTP
// connections, which are shared by the process.
func (d *S3Driver) Close(ctx context.Context, s *S3Storage) error {
	return nil
}

func parseEndpoint(endpoint string, defaultSecure bool) (string, bool, error) {
	if endpoint == "" {
		return "", false, fmt.Errorf("empty S3 endpoint")
	}
	if !strings.Contains(endpoint, "://") {
		return endpoint, defaultSecure, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid S3 endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http":
		return u.Host, false, nil
	case "https":
		return u.Host, true, nil
	default:
		return "", false, fmt.Errorf("invalid S3 endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
}

type S3Storage struct {
	Client     *minio.Client
	BucketName string
	log        logger.Logger
}

func (s *S3Storage) checkBucket(ctx context.Context) error {
	start := time.Now()
	exists, err := s.Client.BucketExists(ctx, s.BucketName)
	metrics.S3OperationDuration.WithLabelValues("HEAD_BUCKET").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("HEAD_BUCKET", "error").Inc()
		metrics.StorageOperationErrors.WithLabelValues("HEAD_BUCKET", classifyS3Error(err)).Inc()
		return fmt.Errorf("failed to check bucket %s: %w", s.BucketName, err)
	}
	if !exists {
		metrics.S3OperationsTotal.WithLabelValues("HEAD_BUCKET", "error").Inc()
		return fmt.Errorf("%w: %s", ErrBucketNotFound, s.BucketName)
	}
	metrics.S3OperationsTotal.WithLabelValues("HEAD_BUCKET", "success").Inc()
	return nil
}

// Exists checks if an object with the given key exists in the bucket.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, string, error) {
	objInfo, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, objInfo.VersionID, nil
	}

	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) && minioErr.StatusCode == 404 {
		return false, "", nil
	}
	return false, "", fmt.Errorf("failed to stat object %s: %w", key, err)
}

func (s *S3Storage) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()
	_, err := s.Client.PutObject(ctx, s.BucketName, key, body, size,
		minio.PutObjectOptions{SendContentMd5: true})
	s.record("PUT", start, err)
	return err
}

func (s *S3Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	object, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
	s.record("GET", start, err)
	if err != nil {
		return nil, err
	}
	return object, nil
}

// Delete removes key. Deleting a missing object succeeds.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	start := time.Now()

	exists, versionID, err := s.Exists(ctx, key)
	if err != nil {
		s.log.Error("STORAGE: Error checking existence of object", "key", key, "error", err)
		s.record("DELETE", start, err)
		return err
	}
	if !exists {
		s.log.Debug("STORAGE: Object does not exist - skipping deletion", "key", key)
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "skipped").Inc()
		metrics.S3OperationDuration.WithLabelValues("DELETE").Observe(time.Since(start).Seconds())
		return nil
	}

	err = s.Client.RemoveObject(ctx, s.BucketName, key, minio.RemoveObjectOptions{VersionID: versionID})
	s.record("DELETE", start, err)
	return err
}

func (s *S3Storage) record(operation string, start time.Time, err error) {
	if err != nil {
		metrics.StorageOperationErrors.WithLabelValues(operation, classifyS3Error(err)).Inc()
		metrics.S3OperationsTotal.WithLabelValues(operation, "error").Inc()
	} else {
		metrics.S3OperationsTotal.WithLabelValues(operation, "success").Inc()
	}
	metrics.S3OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// classifyS3Error classifies S3 errors for metrics tracking
func classifyS3Error(err error) string {
	if err == nil {
		return "none"
	}

	errStr := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(errStr, "AccessDenied") || strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "NoSuchKey") || strings.Contains(errStr, "NotFound"):
		return "not_found"
	case strings.Contains(errStr, "SlowDown") || strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "unknown"
	}
}

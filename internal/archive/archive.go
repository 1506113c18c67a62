// Package archive stores raw webhook payloads in S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

const (
	defaultPrefix      = "applications"
	payloadContentType = "application/json"
)

var errMissingBucket = errors.New("archive: bucket is required")

// ObjectStore is the subset of the minio client used by the archiver.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Config describes where payloads are archived.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
	Logger    *zap.Logger
}

// Archiver writes one object per submission token.
type Archiver struct {
	store  ObjectStore
	bucket string
	prefix string
	logger *zap.Logger
}

// NewMinioArchiver connects to the configured endpoint.
func NewMinioArchiver(cfg Config) (*Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: create client: %w", err)
	}
	return NewArchiver(client, cfg)
}

// NewArchiver wraps an existing object store.
func NewArchiver(store ObjectStore, cfg Config) (*Archiver, error) {
	if store == nil {
		return nil, errors.New("archive: object store is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errMissingBucket
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	if prefix == "" {
		prefix = defaultPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{store: store, bucket: bucket, prefix: prefix, logger: logger}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.store.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("archive: check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := a.store.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("archive: create bucket: %w", err)
	}
	a.logger.Info("archive bucket created", zap.String("bucket", a.bucket))
	return nil
}

// ObjectName returns the key a token's payload is stored under.
func (a *Archiver) ObjectName(token string) string {
	return path.Join(a.prefix, token+".json")
}

// ArchivePayload stores the raw payload under the token's object name.
func (a *Archiver) ArchivePayload(ctx context.Context, token string, payload []byte) error {
	if strings.TrimSpace(token) == "" {
		return errors.New("archive: token is required")
	}
	objectName := a.ObjectName(token)
	_, err := a.store.PutObject(ctx, a.bucket, objectName, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType:  payloadContentType,
		UserMetadata: map[string]string{"token": token},
	})
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", objectName, err)
	}
	return nil
}

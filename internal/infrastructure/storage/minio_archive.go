package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"rillcall/internal/core/ports"
	"rillcall/pkg/config"
	"rillcall/pkg/retry"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string
	// Prefix is prepended to every object key.
	Prefix string
	// RemoveLocal deletes the file once it is uploaded.
	RemoveLocal    bool
	ConnectTimeout time.Duration
	Retry          retry.Config
}

// MinIOConfigFrom maps the recording.archive section.
func MinIOConfigFrom(cfg *config.Config) MinIOConfig {
	a := cfg.Recording.Archive
	return MinIOConfig{
		Endpoint:        a.Endpoint,
		AccessKeyID:     a.AccessKeyID,
		SecretAccessKey: a.SecretAccessKey,
		UseSSL:          a.UseSSL,
		Bucket:          a.Bucket,
		Region:          a.Region,
		Prefix:          a.Prefix,
		RemoveLocal:     a.RemoveLocal,
	}
}

// MinIOArchive uploads finished recordings to an S3 compatible bucket.
type MinIOArchive struct {
	client *minio.Client
	cfg    MinIOConfig
	logger *zap.SugaredLogger
}

var _ ports.RecordingArchive = (*MinIOArchive)(nil)

// NewMinIOArchive connects to the endpoint and creates the bucket when it
// does not exist yet.
func NewMinIOArchive(cfg MinIOConfig, logger *zap.SugaredLogger) (*MinIOArchive, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
		cfg.Retry.InitialDelay = 500 * time.Millisecond
		cfg.Retry.MaxDelay = 10 * time.Second
	}
	cfg.Retry.NonRetryableErrors = append(cfg.Retry.NonRetryableErrors, os.ErrNotExist)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		logger.Infow("created recording bucket", "bucket", cfg.Bucket)
	}

	return &MinIOArchive{client: client, cfg: cfg, logger: logger}, nil
}

// ObjectKey is the bucket key a recording is stored under.
func (a *MinIOArchive) ObjectKey(key string) string {
	return objectKey(a.cfg.Prefix, key)
}

func objectKey(prefix, key string) string {
	key = strings.TrimLeft(filepath.ToSlash(key), "/")
	if prefix == "" {
		return key
	}
	return path.Join(strings.Trim(prefix, "/"), key)
}

// Archive uploads the file at localPath under key, retrying transient
// failures. The local file is removed afterwards when RemoveLocal is set.
func (a *MinIOArchive) Archive(ctx context.Context, key, localPath string) error {
	object := a.ObjectKey(key)

	err := retry.Retry(ctx, a.cfg.Retry, func() error {
		info, err := a.client.FPutObject(ctx, a.cfg.Bucket, object, localPath, minio.PutObjectOptions{
			ContentType: contentType(localPath),
		})
		if err != nil {
			a.logger.Debugw("recording upload attempt failed", "key", object, "error", err)
			return err
		}
		a.logger.Infow("recording archived", "bucket", a.cfg.Bucket, "key", object, "size", info.Size)
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", object, err)
	}

	if a.cfg.RemoveLocal {
		if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
			a.logger.Warnw("failed to remove archived recording", "path", localPath, "error", err)
		}
	}
	return nil
}

// HealthCheck verifies the bucket is reachable.
func (a *MinIOArchive) HealthCheck(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.cfg.Bucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", a.cfg.Bucket)
	}
	return nil
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	default:
		return "application/octet-stream"
	}
}

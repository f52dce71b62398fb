package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"

	"github.com/moroshma/MiniToolQueue/pkg/logger"
)

// Config represents MinIO repository configuration
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	BucketName      string
}

// Repository stores offloaded message payloads in a MinIO bucket
type Repository struct {
	client *minio.Client
	config *Config
	logger *logger.Logger

	bucketMu    sync.RWMutex
	bucketReady bool
}

// NewRepository creates a new MinIO repository
func NewRepository(config *Config, log *logger.Logger) (*Repository, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.BucketName == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if log == nil {
		log = logger.NewNop()
	}

	minioClient, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &Repository{
		client: minioClient,
		config: config,
		logger: log,
	}, nil
}

// EnsureBucket creates the payload bucket if it doesn't exist
func (r *Repository) EnsureBucket(ctx context.Context) error {
	r.bucketMu.RLock()
	ready := r.bucketReady
	r.bucketMu.RUnlock()
	if ready {
		return nil
	}

	bucketName := r.config.BucketName
	exists, err := r.client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		r.logger.Info("Creating bucket", logger.String("bucket", bucketName))
		if err := r.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	r.bucketMu.Lock()
	r.bucketReady = true
	r.bucketMu.Unlock()
	return nil
}

// PutObject uploads data under objectName
func (r *Repository) PutObject(ctx context.Context, objectName string, data []byte, contentType string) error {
	if err := r.EnsureBucket(ctx); err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := r.client.PutObject(ctx, r.config.BucketName, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		r.logger.Error("Failed to upload object to MinIO",
			logger.String("bucket", r.config.BucketName),
			logger.String("object", objectName),
			logger.Error(err),
		)
		return fmt.Errorf("failed to upload object: %w", err)
	}

	r.logger.Debug("Payload offloaded",
		logger.String("object", objectName),
		logger.Int("size", len(data)),
	)
	return nil
}

// GetObject downloads data from MinIO
func (r *Repository) GetObject(ctx context.Context, objectName string) ([]byte, error) {
	obj, err := r.client.GetObject(ctx, r.config.BucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

// DeleteObject removes an object from the bucket
func (r *Repository) DeleteObject(ctx context.Context, objectName string) error {
	if err := r.client.RemoveObject(ctx, r.config.BucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// SetupExpiration installs a lifecycle rule that removes payload objects
// older than days. It only catches objects whose journal record is gone
// without the object being deleted.
func (r *Repository) SetupExpiration(ctx context.Context, days int) error {
	if days <= 0 {
		return nil
	}
	if err := r.EnsureBucket(ctx); err != nil {
		return err
	}

	cfg := expirationConfig(days)
	if err := r.client.SetBucketLifecycle(ctx, r.config.BucketName, cfg); err != nil {
		return fmt.Errorf("failed to set bucket lifecycle: %w", err)
	}

	r.logger.Info("Payload expiration configured",
		logger.String("bucket", r.config.BucketName),
		logger.Int("days", days),
	)
	return nil
}

func expirationConfig(days int) *lifecycle.Configuration {
	cfg := lifecycle.NewConfiguration()
	cfg.Rules = []lifecycle.Rule{
		{
			ID:     "mtq-payload-expiration",
			Status: "Enabled",
			Expiration: lifecycle.Expiration{
				Days: lifecycle.ExpirationDays(days),
			},
		},
	}
	return cfg
}

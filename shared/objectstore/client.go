package objectstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds MinIO connection configuration
type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	UseSSL          bool
	Region          string
	RawBucket       string
	ConvertedBucket string
	ReportsBucket   string
}

// Client wraps a MinIO client with the buckets used by the pipeline.
// Artifact locations are plain "bucket/object" paths the pipeline passes
// through to the processing executable.
type Client struct {
	mc     *minio.Client
	config *Config
	logger *slog.Logger
}

// NewClient creates a new object storage client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	mc, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}

	client := &Client{
		mc:     mc,
		config: config,
		logger: logger,
	}

	logger.Info("Object storage client initialized",
		slog.String("endpoint", config.Endpoint),
	)

	return client, nil
}

// EnsureBuckets creates the pipeline buckets if they do not exist yet
func (c *Client) EnsureBuckets(ctx context.Context) error {
	buckets := []string{c.config.RawBucket, c.config.ConvertedBucket, c.config.ReportsBucket}

	for _, bucket := range buckets {
		exists, err := c.mc.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("failed to check bucket %s: %w", bucket, err)
		}

		if !exists {
			if err := c.mc.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: c.config.Region}); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
			c.logger.Info("Created object storage bucket",
				slog.String("bucket", bucket),
			)
		}
	}

	return nil
}

// Upload stores an object and returns its size
func (c *Client) Upload(ctx context.Context, bucket, object string, reader io.Reader, size int64, contentType string) (int64, error) {
	info, err := c.mc.PutObject(ctx, bucket, object, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload object %s/%s: %w", bucket, object, err)
	}

	c.logger.Debug("Object uploaded",
		slog.String("bucket", bucket),
		slog.String("object", object),
		slog.Int64("size", info.Size),
	)

	return info.Size, nil
}

// UploadFile stores a local file as an object
func (c *Client) UploadFile(ctx context.Context, bucket, object, filePath, contentType string) error {
	_, err := c.mc.FPutObject(ctx, bucket, object, filePath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload file to %s/%s: %w", bucket, object, err)
	}
	return nil
}

// DownloadFile fetches an object into a local file
func (c *Client) DownloadFile(ctx context.Context, bucket, object, filePath string) error {
	if err := c.mc.FGetObject(ctx, bucket, object, filePath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("failed to download object %s/%s: %w", bucket, object, err)
	}
	return nil
}

// Get opens an object for streaming reads
func (c *Client) Get(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	obj, err := c.mc.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s/%s: %w", bucket, object, err)
	}
	return obj, nil
}

// Remove deletes an object
func (c *Client) Remove(ctx context.Context, bucket, object string) error {
	if err := c.mc.RemoveObject(ctx, bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove object %s/%s: %w", bucket, object, err)
	}
	return nil
}

// PresignedGetURL returns a time-limited download link for an object
func (c *Client) PresignedGetURL(ctx context.Context, bucket, object string, expiry time.Duration) (string, error) {
	u, err := c.mc.PresignedGetObject(ctx, bucket, object, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign object %s/%s: %w", bucket, object, err)
	}
	return u.String(), nil
}

// RawBucket returns the bucket holding uploaded model files
func (c *Client) RawBucket() string { return c.config.RawBucket }

// ConvertedBucket returns the bucket holding converted viewer models
func (c *Client) ConvertedBucket() string { return c.config.ConvertedBucket }

// ReportsBucket returns the bucket holding generated clash reports
func (c *Client) ReportsBucket() string { return c.config.ReportsBucket }

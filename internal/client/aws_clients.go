package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/config"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/util"
)

// NewKMSClient builds the KMS client backing envelope encryption of inline
// document storage. Returns nil when KMS is disabled (development).
func NewKMSClient(ctx context.Context, cfg *config.Config) (*kms.Client, error) {
	if !cfg.KMS.Enabled {
		return nil, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.KMS.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for KMS: %w", err)
	}

	util.Info("KMS client initialized", zap.String("region", cfg.KMS.Region))
	return kms.NewFromConfig(awsCfg), nil
}

// S3Client stores document images when an object store is configured.
type S3Client struct {
	client *s3.Client
	config *config.S3Config
}

func NewS3Client(ctx context.Context, cfg *config.Config) (*S3Client, error) {
	if !cfg.S3.Enabled {
		return nil, nil
	}
	if cfg.S3.Bucket == "" {
		return nil, fmt.Errorf("S3 enabled but no bucket configured")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for S3: %w", err)
	}

	util.Info("S3 client initialized",
		zap.String("bucket", cfg.S3.Bucket),
		zap.String("region", cfg.S3.Region),
	)

	return &S3Client{
		client: s3.NewFromConfig(awsCfg),
		config: &cfg.S3,
	}, nil
}

// Put writes bytes and returns the object key.
func (c *S3Client) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	fullKey := c.config.Prefix + "/" + key

	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.config.Bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", fullKey, err)
	}
	return fullKey, nil
}

// Get reads an object back by the key Put returned.
func (c *S3Client) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Delete removes an object; used only by superseded-session cleanup.
func (c *S3Client) Delete(ctx context.Context, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

func (c *S3Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.config.Bucket),
	})
	if err != nil {
		return fmt.Errorf("s3 head bucket failed: %w", err)
	}
	return nil
}

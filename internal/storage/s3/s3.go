// Package s3 archives resolved incidents and finished playbook
// executions to object storage for long-term retention.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	siemerrors "sentinel-siem/internal/errors"
)

// Config holds the archive bucket settings. Only Region and Bucket are
// required; everything else falls back to a default.
type Config struct {
	// Region is the AWS region.
	Region string `json:"region" yaml:"region"`

	// Bucket is the S3 bucket name.
	Bucket string `json:"bucket" yaml:"bucket"`

	// Prefix is prepended to every object key, so one bucket can be
	// shared between deployments.
	Prefix string `json:"prefix" yaml:"prefix"`

	// Endpoint is an optional custom endpoint for S3-compatible
	// stores such as MinIO.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// AccessKeyID for static credentials. Leave empty to use the
	// ambient credential chain (IAM role, env, shared config).
	AccessKeyID string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`

	// SecretAccessKey for static credentials.
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`

	// SessionToken for temporary credentials.
	SessionToken string `json:"session_token,omitempty" yaml:"session_token,omitempty"`

	// StorageClass for archived objects. Archives are written once and
	// read rarely, so the default is INTELLIGENT_TIERING.
	StorageClass string `json:"storage_class" yaml:"storage_class"`

	// ServerSideEncryption type (AES256 or aws:kms).
	ServerSideEncryption string `json:"server_side_encryption,omitempty" yaml:"server_side_encryption,omitempty"`

	// KMSKeyID for KMS encryption.
	KMSKeyID string `json:"kms_key_id,omitempty" yaml:"kms_key_id,omitempty"`

	// UsePathStyle forces path-style addressing (MinIO, LocalStack).
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`

	// RetryMaxAttempts for failed operations.
	RetryMaxAttempts int `json:"retry_max_attempts" yaml:"retry_max_attempts"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Region:           "us-east-1",
		Bucket:           "sentinel-siem-archive",
		Prefix:           "archive/",
		StorageClass:     "INTELLIGENT_TIERING",
		RetryMaxAttempts: 3,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Region == "" {
		return siemerrors.InvalidInputf("s3: region is required")
	}
	if c.Bucket == "" {
		return siemerrors.InvalidInputf("s3: bucket is required")
	}
	return nil
}

var storageClasses = map[string]types.StorageClass{
	"STANDARD":            types.StorageClassStandard,
	"STANDARD_IA":         types.StorageClassStandardIa,
	"ONEZONE_IA":          types.StorageClassOnezoneIa,
	"INTELLIGENT_TIERING": types.StorageClassIntelligentTiering,
	"GLACIER":             types.StorageClassGlacier,
	"GLACIER_IR":          types.StorageClassGlacierIr,
	"DEEP_ARCHIVE":        types.StorageClassDeepArchive,
}

// storageClass maps the configured name onto the SDK type. Unknown
// names fall back to STANDARD rather than failing the upload.
func (c *Config) storageClass() types.StorageClass {
	if sc, ok := storageClasses[strings.ToUpper(c.StorageClass)]; ok {
		return sc
	}
	return types.StorageClassStandard
}

// Client wraps the AWS SDK client with the archive bucket's key layout.
type Client struct {
	api    *s3.Client
	config *Config
	logger *slog.Logger
}

// NewClient builds a Client from the config. Static credentials are
// used when provided, otherwise the SDK's default credential chain.
func NewClient(ctx context.Context, cfg *Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.StorageClass == "" {
		cfg.StorageClass = "INTELLIGENT_TIERING"
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	c := &Client{
		api:    s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		logger: logger,
	}

	logger.Info("s3 archive client initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"storage_class", cfg.StorageClass,
	)

	return c, nil
}

// Prefix returns the configured key prefix.
func (c *Client) Prefix() string {
	return c.config.Prefix
}

// key prepends the configured prefix to a logical key.
func (c *Client) key(k string) string {
	return c.config.Prefix + k
}

// UploadInput contains parameters for uploading an object.
type UploadInput struct {
	Key         string
	Body        io.Reader
	ContentType string
	Metadata    map[string]string
}

// UploadOutput contains the result of an upload.
type UploadOutput struct {
	Key  string
	ETag string
	Size int64
}

// Upload writes one object. The body is buffered in memory; archived
// incidents and executions are small compressed documents, so a
// single-part put is enough.
func (c *Client) Upload(ctx context.Context, input *UploadInput) (*UploadOutput, error) {
	key := c.key(input.Key)

	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to read upload data: %w", err)
	}

	put := &s3.PutObjectInput{
		Bucket:       aws.String(c.config.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		StorageClass: c.config.storageClass(),
	}
	if input.ContentType != "" {
		put.ContentType = aws.String(input.ContentType)
	}
	if len(input.Metadata) > 0 {
		put.Metadata = input.Metadata
	}
	switch c.config.ServerSideEncryption {
	case "AES256":
		put.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "aws:kms":
		put.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if c.config.KMSKeyID != "" {
			put.SSEKMSKeyId = aws.String(c.config.KMSKeyID)
		}
	}

	result, err := c.api.PutObject(ctx, put)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to upload object %s: %w", key, err)
	}

	c.logger.Debug("uploaded object", "key", key, "size", len(data))

	return &UploadOutput{
		Key:  key,
		ETag: aws.ToString(result.ETag),
		Size: int64(len(data)),
	}, nil
}

// DownloadOutput contains the result of a download. The caller owns
// Body and must close it.
type DownloadOutput struct {
	Key          string
	Body         io.ReadCloser
	Size         int64
	LastModified time.Time
}

// Download fetches one object by logical key.
func (c *Client) Download(ctx context.Context, key string) (*DownloadOutput, error) {
	fullKey := c.key(key)

	result, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		return nil, fmt.Errorf("s3: failed to download object %s: %w", fullKey, err)
	}

	return &DownloadOutput{
		Key:          fullKey,
		Body:         result.Body,
		Size:         aws.ToInt64(result.ContentLength),
		LastModified: aws.ToTime(result.LastModified),
	}, nil
}

// Delete removes one object by logical key.
func (c *Client) Delete(ctx context.Context, key string) error {
	fullKey := c.key(key)

	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		return fmt.Errorf("s3: failed to delete object %s: %w", fullKey, err)
	}

	c.logger.Debug("deleted object", "key", fullKey)
	return nil
}

// ObjectInfo describes one listed object. Key includes the configured
// prefix, matching what the service returns.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// List returns objects under the given logical prefix. maxKeys of zero
// means no limit.
func (c *Client) List(ctx context.Context, prefix string, maxKeys int) ([]ObjectInfo, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.config.Bucket),
		Prefix: aws.String(c.key(prefix)),
	}
	if maxKeys > 0 {
		input.MaxKeys = aws.Int32(int32(maxKeys))
	}

	var objects []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(c.api, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3: failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
		if maxKeys > 0 && len(objects) >= maxKeys {
			objects = objects[:maxKeys]
			break
		}
	}

	return objects, nil
}

// Exists reports whether an object is present, without fetching it.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	fullKey := c.key(key)

	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("s3: failed to check object existence: %w", err)
	}

	return true, nil
}

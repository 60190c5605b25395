// Package s3 reads blob ranges from an S3-compatible object store using
// the AWS SDK. Blob IDs are object keys under an optional prefix.
package s3

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/chunkfs/chunkfs/pkg/errors"
)

// Config configures the S3 backend.
type Config struct {
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	ObjectPrefix    string `yaml:"object_prefix"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

// Backend is the S3 range reader. The SDK client maintains its own
// connection pool; concurrent calls are independent.
type Backend struct {
	client *s3.Client
	cfg    Config
	logger *slog.Logger
}

// New creates an S3 backend. Static credentials from the config take
// precedence; otherwise the AWS default credential chain applies.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "s3 backend requires bucket")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "loading AWS config failed", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &Backend{client: client, cfg: cfg, logger: logger}, nil
}

func (b *Backend) Kind() string { return "s3" }

// ReadRange issues a ranged GetObject for the object backing blobID.
func (b *Backend) ReadRange(ctx context.Context, blobID string, offset, length int64) ([]byte, error) {
	key := b.cfg.ObjectPrefix + blobID

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		return nil, b.translateError(err).WithBlob(blobID).WithBackend(b.Kind())
	}
	defer out.Body.Close()

	data := make([]byte, length)
	if _, err := io.ReadFull(out.Body, data); err != nil {
		return nil, errors.Wrap(errors.ErrCodeBackendTransient, "s3 response body truncated", err).
			WithBlob(blobID).WithBackend(b.Kind())
	}
	return data, nil
}

// Close is a no-op; the SDK owns its transport.
func (b *Backend) Close() error { return nil }

func (b *Backend) translateError(err error) *errors.ChunkError {
	var noKey *s3types.NoSuchKey
	if errors.As(err, &noKey) {
		return errors.Wrap(errors.ErrCodeBlobNotFound, "object not found", err)
	}
	var noBucket *s3types.NoSuchBucket
	if errors.As(err, &noBucket) {
		return errors.Wrap(errors.ErrCodeBlobNotFound, "bucket not found", err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return errors.Wrap(errors.ErrCodeBlobNotFound, "object not found", err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return errors.Wrap(errors.ErrCodeAuthFailed, "s3 request not authorized", err)
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return errors.Wrap(errors.ErrCodeBackendTransient, "s3 request throttled or failed", err)
		case "InvalidRange":
			return errors.Wrap(errors.ErrCodeBackendPermanent, "requested range not satisfiable", err)
		default:
			return errors.Wrap(errors.ErrCodeBackendPermanent, "s3 request failed", err)
		}
	}

	// No API error means the request never completed: network-level
	// failures are transient.
	return errors.Wrap(errors.ErrCodeBackendTransient, "s3 transport error", err)
}

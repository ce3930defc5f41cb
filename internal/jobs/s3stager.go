package jobs

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/loqalabs/loqa-dictation/internal/config"
)

// S3Stager uploads job audio to an S3-compatible bucket and hands the job
// service an s3:// reference.
type S3Stager struct {
	client *s3.Client
	bucket string
	prefix string
	log    *slog.Logger
}

func NewS3Stager(ctx context.Context, cfg config.S3Config, log *slog.Logger) (*S3Stager, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Stager{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		log:    log.With(slog.String("component", "jobs.s3")),
	}, nil
}

func (s *S3Stager) Stage(ctx context.Context, data []byte, mimeType string) (string, error) {
	key := s.prefix + uuid.NewString() + extensionFor(mimeType)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &mimeType,
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	s.log.Debug("staged job audio", slog.String("key", key), slog.Int("bytes", len(data)))
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// HeadBucket checks that the bucket exists and credentials are valid.
func (s *S3Stager) HeadBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &s.bucket})
	return err
}

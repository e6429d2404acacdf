package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/klauspost/compress/zstd"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

// Uploader is satisfied by *manager.Uploader.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Sink writes every batch as a zstd compressed JSON lines object.
type S3Sink struct {
	bucket   string
	prefix   string
	uploader Uploader
	now      func() time.Time
}

type S3Option func(*S3Sink)

func WithUploader(u Uploader) S3Option {
	return func(s *S3Sink) {
		s.uploader = u
	}
}

func WithS3Clock(now func() time.Time) S3Option {
	return func(s *S3Sink) {
		s.now = now
	}
}

func NewS3Sink(ctx context.Context, cfg S3Config, opts ...S3Option) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("sink: s3 bucket is required")
	}

	s := &S3Sink{
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.uploader != nil {
		return s, nil
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			awscreds.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("sink: loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	s.uploader = manager.NewUploader(client)
	return s, nil
}

func (s *S3Sink) objectKey() string {
	t := s.now().UTC()
	return path.Join(s.prefix, t.Format("2006/01/02"), ksuid.New().String()+".jsonl.zst")
}

func encodeBatch(actions []OutputAction) ([]byte, error) {
	buf := &bytes.Buffer{}
	zw, err := zstd.NewWriter(buf)
	if err != nil {
		return nil, err
	}
	enc := json.NewEncoder(zw)
	for i := range actions {
		if err := enc.Encode(&actions[i]); err != nil {
			zw.Close()
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *S3Sink) Deliver(ctx context.Context, actions []OutputAction) error {
	if len(actions) == 0 {
		return nil
	}

	body, err := encodeBatch(actions)
	if err != nil {
		return fmt.Errorf("sink: encoding batch: %w", err)
	}

	key := s.objectKey()
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("zstd"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("sink: uploading s3://%s/%s: %s: %w", s.bucket, key, apiErr.ErrorCode(), err)
		}
		return fmt.Errorf("sink: uploading s3://%s/%s: %w", s.bucket, key, err)
	}

	ctxzap.Extract(ctx).Debug("uploaded batch",
		zap.String("bucket", s.bucket),
		zap.String("key", key),
		zap.Int("actions", len(actions)),
		zap.Int("bytes", len(body)),
	)
	return nil
}

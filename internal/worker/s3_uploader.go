package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"http-tarpit/internal/config"
	"http-tarpit/internal/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// Uploader stores archive objects. S3Uploader is the production one.
type Uploader interface {
	UploadBytes(ctx context.Context, key string, body []byte) error
	UploadFile(ctx context.Context, key string, f io.ReadSeeker, size int64) error
}

// objectPutter is the slice of *s3.Client the uploader calls.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader
// ------------------------------------------------------------
// PutObject with an application-level retry loop:
//   - S3AppRetries attempts, SDK retries disabled
//   - S3Timeout per attempt
//   - exponential backoff 200ms → 2s
//   - ctx cancellation stops both the attempt and the wait
type S3Uploader struct {
	bucket  string
	retries int
	timeout time.Duration
	metrics *metrics.Metrics
	client  objectPutter
}

// NewS3Uploader loads the default AWS credential chain for cfg.AWSRegion.
func NewS3Uploader(ctx context.Context, cfg config.Config, m *metrics.Metrics) (*S3Uploader, error) {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, awsCfgLib.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
	})

	log.Info().Str("bucket", cfg.ArchiveBucket).Str("region", cfg.AWSRegion).Msg("archive: S3 uploader ready")
	return newS3Uploader(cfg, m, client), nil
}

func newS3Uploader(cfg config.Config, m *metrics.Metrics, client objectPutter) *S3Uploader {
	retries := cfg.S3AppRetries
	if retries < 1 {
		retries = 1
	}
	return &S3Uploader{
		bucket:  cfg.ArchiveBucket,
		retries: retries,
		timeout: cfg.S3Timeout,
		metrics: m,
		client:  client,
	}
}

// UploadBytes uploads an in-memory batch. A fresh reader is built per
// attempt.
func (u *S3Uploader) UploadBytes(ctx context.Context, key string, body []byte) error {
	return u.withRetry(ctx, key, func(ctx context.Context) error {
		return u.putObject(ctx, key, bytes.NewReader(body), int64(len(body)))
	})
}

// UploadFile uploads a DLQ file, rewinding f before every attempt.
func (u *S3Uploader) UploadFile(ctx context.Context, key string, f io.ReadSeeker, size int64) error {
	return u.withRetry(ctx, key, func(ctx context.Context) error {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return u.putObject(ctx, key, f, size)
	})
}

func (u *S3Uploader) withRetry(ctx context.Context, key string, put func(context.Context) error) error {
	var lastErr error
	backoff := 200 * time.Millisecond

	for attempt := 1; attempt <= u.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := put(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		atomic.AddInt64(&u.metrics.S3PutErrorsTotal, 1)
		log.Warn().Err(err).Str("key", key).Int("attempt", attempt).Msg("archive: PutObject failed")

		if attempt == u.retries {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > 2*time.Second {
			backoff = 2 * time.Second
		}
	}

	return lastErr
}

// putObject is one attempt with its own timeout.
func (u *S3Uploader) putObject(ctx context.Context, key string, body io.Reader, size int64) error {
	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(u.bucket),
		Key:             aws.String(key),
		Body:            body,
		ContentLength:   aws.Int64(size),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	return err
}

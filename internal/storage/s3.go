package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"stokbro/internal/circuitbreaker"
	appconfig "stokbro/internal/config"
	"stokbro/internal/metrics"
)

// Error codes that will not succeed on retry
var permanentS3Codes = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"NoSuchBucket":          true,
	"InvalidBucketName":     true,
	"InvalidArgument":       true,
	"EntityTooLarge":        true,
}

// S3Sink implements Sink for S3-compatible storage (AWS, R2, MinIO)
type S3Sink struct {
	client         *s3.Client
	bucket         string
	acl            types.ObjectCannedACL
	baseURL        string
	circuitBreaker *circuitbreaker.Breaker
	metrics        *metrics.Metrics
	writeTimeout   time.Duration
	maxRetries     int
	retryDelay     time.Duration
}

// NewS3Sink creates a new S3-compatible storage sink
func NewS3Sink(ctx context.Context, cfg *appconfig.Config, m *metrics.Metrics, cb *circuitbreaker.Breaker) (*S3Sink, error) {
	region := cfg.S3Region
	if region == "" {
		region = "us-east-1"
	}

	cfgOpts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	// Static credentials (R2 and most S3-compatible providers)
	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		cfgOpts = append(cfgOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.S3AccessKeyID,
				cfg.S3SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3UsePathStyle
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
	})

	baseURL := cfg.PublicBaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg)
	}

	return &S3Sink{
		client:         client,
		bucket:         cfg.S3Bucket,
		acl:            types.ObjectCannedACL(cfg.S3ACL),
		baseURL:        baseURL,
		circuitBreaker: cb,
		metrics:        m,
		writeTimeout:   cfg.StorageFetchTimeout,
		maxRetries:     cfg.StorageMaxRetries,
		retryDelay:     cfg.StorageRetryDelay,
	}, nil
}

// defaultBaseURL is used when no public base URL is configured
func defaultBaseURL(cfg *appconfig.Config) string {
	if cfg.S3Endpoint != "" {
		return fmt.Sprintf("%s/%s", cfg.S3Endpoint, cfg.S3Bucket)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.S3Bucket, cfg.S3Region)
}

// Type implements Sink
func (s *S3Sink) Type() string { return "s3" }

// Put uploads an object with the configured canned ACL
func (s *S3Sink) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	start := time.Now()
	resultLabel := "error"
	defer func() {
		s.metrics.StorageWriteDuration.WithLabelValues("s3", resultLabel).Observe(time.Since(start).Seconds())
	}()

	_, err := s.circuitBreaker.Execute(func() (interface{}, error) {
		var lastErr error
		for attempt := 0; attempt <= s.maxRetries; attempt++ {
			if attempt > 0 {
				// Exponential backoff: retryDelay * 2^(attempt-1)
				delay := s.retryDelay * time.Duration(1<<(attempt-1))
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(delay):
				}
			}

			lastErr = s.putOnce(ctx, key, body, contentType)
			if lastErr == nil {
				return nil, nil
			}
			if !isRetryableError(lastErr) {
				break
			}
		}
		return nil, lastErr
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}

	resultLabel = "success"
	return publicURL(s.baseURL, key), nil
}

func (s *S3Sink) putOnce(ctx context.Context, key string, body []byte, contentType string) error {
	putCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if s.acl != "" {
		input.ACL = s.acl
	}

	_, err := s.client.PutObject(putCtx, input)
	return err
}

// isRetryableError determines if an error should trigger a retry
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return !permanentS3Codes[apiErr.ErrorCode()]
	}

	// Transport-level failures are usually transient
	return true
}

// HealthCheck verifies the bucket is reachable with the configured credentials
func (s *S3Sink) HealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := s.client.HeadBucket(checkCtx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("s3 connectivity check failed: %w", err)
	}
	return nil
}

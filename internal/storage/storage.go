package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"stokbro/internal/circuitbreaker"
	"stokbro/internal/config"
	"stokbro/internal/metrics"
)

// Sink defines the interface for durable storage backends
type Sink interface {
	// Put writes body under key with the given content type and returns
	// the public URL the object can be fetched from
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)

	// HealthCheck performs a lightweight connectivity check
	HealthCheck(ctx context.Context) error

	// Type names the backend for metrics and logs
	Type() string
}

// New creates a new storage sink based on configuration
func New(ctx context.Context, cfg *config.Config, m *metrics.Metrics, cb *circuitbreaker.Breaker) (Sink, error) {
	switch cfg.StorageType {
	case "s3":
		return NewS3Sink(ctx, cfg, m, cb)
	case "local":
		if cfg.StoragePath == "" {
			return nil, fmt.Errorf("STORAGE_PATH required for local storage")
		}
		return NewLocalSink(cfg.StoragePath, cfg.PublicBaseURL, m, cb)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.StorageType)
	}
}

// publicURL joins a base URL and an object key, escaping each key segment
func publicURL(base, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(segments, "/")
}

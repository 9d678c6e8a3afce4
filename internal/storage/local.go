package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stokbro/internal/circuitbreaker"
	"stokbro/internal/metrics"
)

// LocalSink implements Sink for local filesystem storage. Objects are
// expected to be served from baseURL by the HTTP server or a fronting proxy.
type LocalSink struct {
	basePath       string
	baseURL        string
	circuitBreaker *circuitbreaker.Breaker
	metrics        *metrics.Metrics
}

// NewLocalSink creates a new local filesystem storage sink
func NewLocalSink(basePath, baseURL string, m *metrics.Metrics, cb *circuitbreaker.Breaker) (*LocalSink, error) {
	info, err := os.Stat(basePath)
	if err != nil {
		return nil, fmt.Errorf("base path error: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base path is not a directory: %s", basePath)
	}

	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base path: %w", err)
	}

	if baseURL == "" {
		baseURL = "/files"
	}

	return &LocalSink{
		basePath:       absPath,
		baseURL:        baseURL,
		circuitBreaker: cb,
		metrics:        m,
	}, nil
}

// Type implements Sink
func (l *LocalSink) Type() string { return "local" }

// Root returns the absolute directory objects are written to
func (l *LocalSink) Root() string { return l.basePath }

// Put writes the object atomically via a temp file and rename
func (l *LocalSink) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	start := time.Now()
	resultLabel := "error"
	defer func() {
		l.metrics.StorageWriteDuration.WithLabelValues("local", resultLabel).Observe(time.Since(start).Seconds())
	}()

	fullPath := filepath.Clean(filepath.Join(l.basePath, filepath.FromSlash(key)))
	if !strings.HasPrefix(fullPath, l.basePath+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal attempt detected: key=%s", key)
	}

	_, err := l.circuitBreaker.Execute(func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
			return nil, err
		}

		tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*")
		if err != nil {
			return nil, err
		}
		defer os.Remove(tmp.Name())

		if _, err := tmp.Write(body); err != nil {
			tmp.Close()
			return nil, err
		}
		if err := tmp.Close(); err != nil {
			return nil, err
		}
		return nil, os.Rename(tmp.Name(), fullPath)
	})
	if err != nil {
		return "", fmt.Errorf("local put %s: %w", key, err)
	}

	resultLabel = "success"
	return publicURL(l.baseURL, key), nil
}

// HealthCheck verifies the base path is still accessible
func (l *LocalSink) HealthCheck(ctx context.Context) error {
	if _, err := os.Stat(l.basePath); err != nil {
		return fmt.Errorf("base path unavailable: %w", err)
	}
	return nil
}

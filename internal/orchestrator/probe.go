package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var errUnknownLength = errors.New("content length not declared")

// SizeProber learns an object's size without downloading it
type SizeProber interface {
	ContentLength(ctx context.Context, url string) (int64, error)
}

// HTTPProber issues HEAD requests
type HTTPProber struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPProber creates a prober. A nil client uses http.DefaultClient.
func NewHTTPProber(client *http.Client, timeout time.Duration) *HTTPProber {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProber{client: client, timeout: timeout}
}

// ContentLength implements SizeProber
func (p *HTTPProber) ContentLength(ctx context.Context, url string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
	}
	if resp.ContentLength < 0 {
		return 0, errUnknownLength
	}
	return resp.ContentLength, nil
}

package promoter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stokbro/internal/formats"
	"stokbro/internal/metrics"
	"stokbro/internal/models"
	"stokbro/internal/storage"
)

// Stage names the promotion step that failed
type Stage string

const (
	StageFetch  Stage = "fetch"
	StageUpload Stage = "upload"
)

// ErrTooLarge is returned when the vendor body exceeds the configured cap
var ErrTooLarge = errors.New("object exceeds promotion size limit")

// Error is a promotion failure tagged with its stage
type Error struct {
	Stage  Stage
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("promotion %s failed (status %d): %v", e.Stage, e.Status, e.Err)
	}
	return fmt.Sprintf("promotion %s failed: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Result describes a republished object
type Result struct {
	PermanentURL string
	Key          string
	ByteSize     int64
}

// Promoter republishes short-lived vendor URLs into durable storage
type Promoter interface {
	Promote(ctx context.Context, ref models.ResourceRef, format models.Format, tempURL string) (*Result, error)
}

// Service implements Promoter over a storage.Sink
type Service struct {
	httpClient *http.Client
	sink       storage.Sink
	maxBytes   int64
	timeout    time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// New creates a promoter. maxBytes caps the whole-buffer fetch.
func New(sink storage.Sink, maxBytes int64, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{
		httpClient: &http.Client{},
		sink:       sink,
		maxBytes:   maxBytes,
		timeout:    timeout,
		logger:     logger,
		metrics:    m,
	}
}

// ObjectKey returns a durable key for one promotion. The prefix is derived
// from platform, resource and format; the suffix is unique per call, so
// promoting the same resource twice yields two independent objects.
func ObjectKey(ref models.ResourceRef, format models.Format) string {
	return path.Join(string(ref.Platform), ref.ID, string(format), uuid.NewString()+"."+string(format))
}

// Promote downloads the body behind tempURL and writes it to the sink
func (s *Service) Promote(ctx context.Context, ref models.ResourceRef, format models.Format, tempURL string) (*Result, error) {
	s.metrics.ActivePromotions.Inc()
	defer s.metrics.ActivePromotions.Dec()

	body, err := s.fetch(ctx, tempURL)
	if err != nil {
		return nil, err
	}

	key := ObjectKey(ref, format)
	permanentURL, err := s.sink.Put(ctx, key, body, formats.ContentType(format))
	if err != nil {
		return nil, &Error{Stage: StageUpload, Err: err}
	}

	size := int64(len(body))
	s.metrics.PromotedBytesHist.Observe(float64(size))
	s.logger.Debug("promoted object",
		zap.String("platform", string(ref.Platform)),
		zap.String("resource_id", ref.ID),
		zap.String("format", string(format)),
		zap.String("key", key),
		zap.Int64("bytes", size),
	)

	return &Result{PermanentURL: permanentURL, Key: key, ByteSize: size}, nil
}

func (s *Service) fetch(ctx context.Context, tempURL string) ([]byte, error) {
	fetchCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, tempURL, nil)
	if err != nil {
		return nil, &Error{Stage: StageFetch, Err: err}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Stage: StageFetch, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Stage: StageFetch, Status: resp.StatusCode, Err: fmt.Errorf("upstream responded %s", resp.Status)}
	}

	var buf bytes.Buffer
	counter := &models.ByteCounter{Writer: &buf}
	reader := io.Reader(resp.Body)
	if s.maxBytes > 0 {
		reader = io.LimitReader(resp.Body, s.maxBytes+1)
	}
	if _, err := io.Copy(counter, reader); err != nil {
		return nil, &Error{Stage: StageFetch, Status: resp.StatusCode, Err: err}
	}
	if s.maxBytes > 0 && counter.Count > s.maxBytes {
		return nil, &Error{Stage: StageFetch, Status: resp.StatusCode, Err: ErrTooLarge}
	}

	return buf.Bytes(), nil
}

package retriever

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net/http"

	"go.uber.org/zap"

	"stokbro/internal/metrics"
	"stokbro/internal/models"
)

// Progress is emitted while a transfer with a declared length runs.
// A Percent of 0 after a failure resets any progress display.
type Progress struct {
	Loaded  int64
	Total   int64
	Percent int
}

// ProgressFunc receives progress updates
type ProgressFunc func(Progress)

// Request identifies what to fetch. An empty RecordID skips the access count.
type Request struct {
	PermanentURL string
	FileName     string
	RecordID     string
}

// Result describes a saved file
type Result struct {
	Path  string
	Bytes int64
}

// Counter records access attempts
type Counter interface {
	IncrementDownloadCount(ctx context.Context, id string) error
}

// Saver materializes a completed transfer
type Saver interface {
	Save(name string, data []byte) (string, error)
}

// Retriever streams durable URLs to local files
type Retriever struct {
	client  *http.Client
	counter Counter
	saver   Saver
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates a retriever. A nil client uses http.DefaultClient.
func New(client *http.Client, counter Counter, saver Saver, logger *zap.Logger, m *metrics.Metrics) *Retriever {
	if client == nil {
		client = http.DefaultClient
	}
	return &Retriever{client: client, counter: counter, saver: saver, logger: logger, metrics: m}
}

// Retrieve probes, counts, streams, verifies and saves. On any failure
// nothing is saved.
func (r *Retriever) Retrieve(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
	if onProgress == nil {
		onProgress = func(Progress) {}
	}

	res, err := r.retrieve(ctx, req, onProgress)
	r.metrics.RetrievalsTotal.WithLabelValues(Label(err)).Inc()
	if err != nil {
		r.logger.Warn("retrieval failed",
			zap.String("record_id", req.RecordID),
			zap.String("url", req.PermanentURL),
			zap.String("result", Label(err)),
			zap.Error(err),
		)
		return nil, err
	}

	r.metrics.RetrievedBytesHist.Observe(float64(res.Bytes))
	return res, nil
}

func (r *Retriever) retrieve(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
	if err := r.probe(ctx, req.PermanentURL); err != nil {
		return nil, err
	}

	// Counts the attempt, not a completed transfer
	if req.RecordID != "" && r.counter != nil {
		if err := r.counter.IncrementDownloadCount(ctx, req.RecordID); err != nil {
			r.logger.Error("failed to increment download count",
				zap.String("record_id", req.RecordID),
				zap.Error(err),
			)
		}
	}

	data, err := r.stream(ctx, req.PermanentURL, onProgress)
	if err != nil {
		onProgress(Progress{})
		return nil, err
	}

	path, err := r.saver.Save(req.FileName, data)
	if err != nil {
		onProgress(Progress{})
		return nil, err
	}

	return &Result{Path: path, Bytes: int64(len(data))}, nil
}

func (r *Retriever) probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := r.client.Do(req)
	if err != nil {
		return &NetworkError{Err: err}
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		return ErrExpiredLink
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &StatusError{Status: resp.StatusCode}
	}
	return nil
}

func (r *Retriever) stream(ctx context.Context, url string, onProgress ProgressFunc) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Status: resp.StatusCode}
	}

	total := resp.ContentLength
	var buf bytes.Buffer
	pw := &progressWriter{
		counter:    models.ByteCounter{Writer: &buf},
		total:      total,
		onProgress: onProgress,
		last:       -1,
	}

	_, err = io.Copy(pw, resp.Body)
	loaded := pw.counter.Count

	// A body that closes early against a declared length is an incomplete
	// transfer, whichever way the transport reports it
	if total > 0 && loaded < total && (err == nil || errors.Is(err, io.ErrUnexpectedEOF)) {
		return nil, &IntegrityError{Declared: total, Received: loaded}
	}
	if err != nil {
		return nil, &NetworkError{Received: loaded, Err: err}
	}

	return buf.Bytes(), nil
}

// progressWriter counts bytes and emits rounded percentages when the total is known
type progressWriter struct {
	counter    models.ByteCounter
	total      int64
	onProgress ProgressFunc
	last       int
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.counter.Write(b)
	if p.total > 0 {
		pct := int(math.Round(float64(p.counter.Count) / float64(p.total) * 100))
		if pct != p.last {
			p.last = pct
			p.onProgress(Progress{Loaded: p.counter.Count, Total: p.total, Percent: pct})
		}
	}
	return n, err
}

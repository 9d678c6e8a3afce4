package models

import (
	"io"
	"math"
	"time"
)

// Platform identifies a content vendor
type Platform string

const (
	// Freepik serves numbered stock resources (pages ending in _<id>.htm)
	Freepik Platform = "freepik"
	// Flaticon serves icons and other vector assets
	Flaticon Platform = "flaticon"
)

// Valid reports whether p is a known platform
func (p Platform) Valid() bool {
	return p == Freepik || p == Flaticon
}

// Format is a file-format token requested from a vendor (eps, png, svg, ...)
type Format string

// ResourceRef is a resolved (platform, resource id) pair
type ResourceRef struct {
	ID       string   `json:"id"`
	Platform Platform `json:"platform"`
}

// DownloadRecord is the persisted provenance of one promoted format
type DownloadRecord struct {
	ID            string    `json:"id"`
	Owner         string    `json:"owner"`
	OriginalURL   string    `json:"original_url"`
	PermanentURL  string    `json:"permanent_url"`
	Format        Format    `json:"format"`
	FileName      string    `json:"file_name"`
	FileSizeMB    float64   `json:"file_size_mb"`
	DownloadCount int       `json:"download_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RecordPage is one page of a user's download history
type RecordPage struct {
	Items      []*DownloadRecord `json:"items"`
	Page       int               `json:"page"`
	PerPage    int               `json:"per_page"`
	TotalItems int               `json:"total_items"`
	TotalPages int               `json:"total_pages"`
}

// QuotaState is a user's credit ledger
type QuotaState struct {
	UserID string `json:"user_id"`
	Used   int    `json:"used"`
	Limit  int    `json:"limit"`
}

// Remaining returns the unused credit, never below zero
func (q QuotaState) Remaining() int {
	if q.Used >= q.Limit {
		return 0
	}
	return q.Limit - q.Used
}

// BatchItem is a single format that reached a permanent URL
type BatchItem struct {
	Format       Format  `json:"format"`
	PermanentURL string  `json:"permanent_url"`
	FileName     string  `json:"file_name"`
	FileSizeMB   float64 `json:"file_size_mb"`
	RecordID     string  `json:"record_id,omitempty"`
}

// BatchOutcome aggregates the successes of one orchestration run, in
// declared format order. Failed formats are not listed.
type BatchOutcome struct {
	Resource  ResourceRef `json:"resource"`
	Requested int         `json:"requested"`
	Items     []BatchItem `json:"items"`
}

// Succeeded returns the number of formats that reached a permanent URL
func (o *BatchOutcome) Succeeded() int {
	if o == nil {
		return 0
	}
	return len(o.Items)
}

// Session identifies the caller on whose behalf operations run
type Session struct {
	UserID string
}

// BytesToMB converts a byte count to megabytes rounded to two decimals
func BytesToMB(n int64) float64 {
	if n <= 0 {
		return 0
	}
	return math.Round(float64(n)/(1024*1024)*100) / 100
}

// ByteCounter wraps an io.Writer and counts bytes written
type ByteCounter struct {
	Writer io.Writer
	Count  int64
}

func (bc *ByteCounter) Write(p []byte) (int, error) {
	n, err := bc.Writer.Write(p)
	bc.Count += int64(n)
	return n, err
}

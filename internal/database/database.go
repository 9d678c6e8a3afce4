package database

import (
	"context"
	"errors"
	"fmt"

	"stokbro/internal/config"
	"stokbro/internal/metrics"
	"stokbro/internal/models"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// Store defines the interface for record and quota persistence
type Store interface {
	CreateRecord(ctx context.Context, rec *models.DownloadRecord) error
	GetRecord(ctx context.Context, id string) (*models.DownloadRecord, error)
	// UpdatePermanentURL replaces a record's durable URL after re-issuance
	UpdatePermanentURL(ctx context.Context, id, permanentURL string, sizeMB float64) error
	IncrementDownloadCount(ctx context.Context, id string) error
	// ListRecords returns one page of owner's records, newest first. Pages start at 1.
	ListRecords(ctx context.Context, owner string, page, perPage int) (*models.RecordPage, error)

	// GetQuota returns the user's ledger, or the default limit with zero usage
	GetQuota(ctx context.Context, userID string) (models.QuotaState, error)
	// AddQuotaUsed atomically increments the user's usage by n
	AddQuotaUsed(ctx context.Context, userID string, n int) (models.QuotaState, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// Migrator is implemented by stores that can create their own schema
type Migrator interface {
	EnsureSchema(ctx context.Context) error
}

// These indirection variables allow tests to override the concrete
// store constructors so we can exercise New(...) without real DBs.
var (
	newPostgresStoreFunc = func(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (Store, error) {
		return NewPostgresStore(ctx, cfg, m)
	}
	newMySQLStoreFunc = func(cfg *config.Config, m *metrics.Metrics) (Store, error) {
		return NewMySQLStore(cfg, m)
	}
	newRedisStoreFunc = func(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (Store, error) {
		return NewRedisStore(ctx, cfg, m)
	}
)

// New creates a new database store based on the configured engine
func New(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (Store, error) {
	switch cfg.DBEngine {
	case "postgres", "postgresql":
		return newPostgresStoreFunc(ctx, cfg, m)
	case "mysql":
		return newMySQLStoreFunc(cfg, m)
	case "redis", "rediss":
		return newRedisStoreFunc(ctx, cfg, m)
	case "memory":
		return NewMemoryStore(cfg.QuotaDefaultLimit), nil
	default:
		return nil, fmt.Errorf("unsupported database engine: %s", cfg.DBEngine)
	}
}

// normalizePage clamps page and perPage to usable values
func normalizePage(page, perPage int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 7
	}
	return page, perPage
}

// newPage builds a RecordPage from a slice and total count
func newPage(items []*models.DownloadRecord, page, perPage, total int) *models.RecordPage {
	if items == nil {
		items = []*models.DownloadRecord{}
	}
	return &models.RecordPage{
		Items:      items,
		Page:       page,
		PerPage:    perPage,
		TotalItems: total,
		TotalPages: (total + perPage - 1) / perPage,
	}
}

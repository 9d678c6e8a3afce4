package retriever

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"stokbro/internal/database"
	"stokbro/internal/models"
	"stokbro/internal/resolver"
)

// Records is the persistence recovery needs
type Records interface {
	GetRecord(ctx context.Context, id string) (*models.DownloadRecord, error)
	UpdatePermanentURL(ctx context.Context, id, permanentURL string, sizeMB float64) error
	IncrementDownloadCount(ctx context.Context, id string) error
}

// Reissuer re-runs the download pipeline for one format
type Reissuer interface {
	RunSingle(ctx context.Context, s models.Session, ref models.ResourceRef, format models.Format) (*models.BatchItem, error)
}

// Recovery offers the two ways out of an expired link: pay one credit
// for a fresh durable URL, or hand back the original page URL so the
// user can resubmit it
type Recovery struct {
	records  Records
	reissuer Reissuer
	logger   *zap.Logger
}

// NewRecovery creates a recovery helper
func NewRecovery(records Records, reissuer Reissuer, logger *zap.Logger) *Recovery {
	return &Recovery{records: records, reissuer: reissuer, logger: logger}
}

func (r *Recovery) owned(ctx context.Context, s models.Session, id string) (*models.DownloadRecord, error) {
	rec, err := r.records.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	// Other users' records are indistinguishable from missing ones
	if rec.Owner != s.UserID {
		return nil, database.ErrNotFound
	}
	return rec, nil
}

// Reissue promotes the record's format again, charges one credit, points
// the record at the new URL and counts the access
func (r *Recovery) Reissue(ctx context.Context, s models.Session, id string) (*models.DownloadRecord, error) {
	rec, err := r.owned(ctx, s, id)
	if err != nil {
		return nil, err
	}

	ref, err := resolver.Resolve(rec.OriginalURL)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}

	item, err := r.reissuer.RunSingle(ctx, s, ref, rec.Format)
	if err != nil {
		return nil, err
	}

	if err := r.records.UpdatePermanentURL(ctx, id, item.PermanentURL, item.FileSizeMB); err != nil {
		return nil, fmt.Errorf("update record %s: %w", id, err)
	}
	if err := r.records.IncrementDownloadCount(ctx, id); err != nil {
		r.logger.Error("failed to increment download count",
			zap.String("record_id", id),
			zap.Error(err),
		)
	}

	r.logger.Info("record reissued",
		zap.String("record_id", id),
		zap.String("user_id", s.UserID),
		zap.String("format", string(rec.Format)),
	)
	return r.records.GetRecord(ctx, id)
}

// Prefill returns the page URL the record was created from
func (r *Recovery) Prefill(ctx context.Context, s models.Session, id string) (string, error) {
	rec, err := r.owned(ctx, s, id)
	if err != nil {
		return "", err
	}
	return rec.OriginalURL, nil
}

package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"stokbro/internal/models"
)

// MemoryStore implements Store in process memory. Used for tests and
// single-node development; contents are lost on restart.
type MemoryStore struct {
	mu           sync.RWMutex
	records      map[string]*models.DownloadRecord
	quotas       map[string]models.QuotaState
	defaultLimit int
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(defaultLimit int) *MemoryStore {
	return &MemoryStore{
		records:      make(map[string]*models.DownloadRecord),
		quotas:       make(map[string]models.QuotaState),
		defaultLimit: defaultLimit,
	}
}

// CreateRecord implements Store
func (s *MemoryStore) CreateRecord(ctx context.Context, rec *models.DownloadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

// GetRecord implements Store
func (s *MemoryStore) GetRecord(ctx context.Context, id string) (*models.DownloadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// UpdatePermanentURL implements Store
func (s *MemoryStore) UpdatePermanentURL(ctx context.Context, id, permanentURL string, sizeMB float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.PermanentURL = permanentURL
	rec.FileSizeMB = sizeMB
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// IncrementDownloadCount implements Store
func (s *MemoryStore) IncrementDownloadCount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.DownloadCount++
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// ListRecords implements Store
func (s *MemoryStore) ListRecords(ctx context.Context, owner string, page, perPage int) (*models.RecordPage, error) {
	page, perPage = normalizePage(page, perPage)

	s.mu.RLock()
	var owned []*models.DownloadRecord
	for _, rec := range s.records {
		if rec.Owner == owner {
			cp := *rec
			owned = append(owned, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(owned, func(i, j int) bool {
		if owned[i].CreatedAt.Equal(owned[j].CreatedAt) {
			return owned[i].ID > owned[j].ID
		}
		return owned[i].CreatedAt.After(owned[j].CreatedAt)
	})

	start := (page - 1) * perPage
	if start > len(owned) {
		start = len(owned)
	}
	end := min(start+perPage, len(owned))

	return newPage(owned[start:end], page, perPage, len(owned)), nil
}

// GetQuota implements Store
func (s *MemoryStore) GetQuota(ctx context.Context, userID string) (models.QuotaState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quotaLocked(userID), nil
}

// SetQuotaLimit overrides a user's credit limit
func (s *MemoryStore) SetQuotaLimit(userID string, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.quotaLocked(userID)
	q.Limit = limit
	s.quotas[userID] = q
}

func (s *MemoryStore) quotaLocked(userID string) models.QuotaState {
	if q, ok := s.quotas[userID]; ok {
		return q
	}
	return models.QuotaState{UserID: userID, Limit: s.defaultLimit}
}

// AddQuotaUsed implements Store
func (s *MemoryStore) AddQuotaUsed(ctx context.Context, userID string, n int) (models.QuotaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.quotaLocked(userID)
	q.Used += n
	s.quotas[userID] = q
	return q, nil
}

// HealthCheck implements Store
func (s *MemoryStore) HealthCheck(ctx context.Context) error { return nil }

// Close implements Store
func (s *MemoryStore) Close() error { return nil }

package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"stokbro/internal/config"
	"stokbro/internal/metrics"
	"stokbro/internal/models"
)

const maxWatchRetries = 5

// RedisStore implements Store for Redis. Records are JSON values, each
// owner has a sorted-set index scored by creation time, and quotas are hashes.
type RedisStore struct {
	client       *redis.Client
	keyPrefix    string
	defaultLimit int
	timeout      time.Duration
	metrics      *metrics.Metrics
}

// NewRedisStore creates a new Redis store
func NewRedisStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("redis parse url error: %w", err)
	}

	// Configure connection pool
	opts.PoolSize = cfg.DBMaxConnections
	opts.MinIdleConns = min(2, cfg.DBMaxConnections) // Keep a few connections warm (or max if max < 2)
	opts.ConnMaxLifetime = 1 * time.Hour             // Recycle connections after 1 hour
	opts.ConnMaxIdleTime = 30 * time.Minute          // Close idle connections after 30 min

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connect error: %w", err)
	}

	return &RedisStore{
		client:       client,
		keyPrefix:    cfg.KeyPrefix,
		defaultLimit: cfg.QuotaDefaultLimit,
		timeout:      cfg.DatabaseQueryTimeout,
		metrics:      m,
	}, nil
}

func (s *RedisStore) recordKey(id string) string    { return s.keyPrefix + "download:" + id }
func (s *RedisStore) ownerKey(owner string) string  { return s.keyPrefix + "owner:" + owner }
func (s *RedisStore) quotaKey(userID string) string { return s.keyPrefix + "quota:" + userID }

func (s *RedisStore) begin(ctx context.Context) (context.Context, func()) {
	start := time.Now()
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	return queryCtx, func() {
		cancel()
		s.metrics.DatabaseQueryDuration.WithLabelValues("redis").Observe(time.Since(start).Seconds())
	}
}

// CreateRecord stores the record and indexes it under its owner
func (s *RedisStore) CreateRecord(ctx context.Context, rec *models.DownloadRecord) error {
	queryCtx, done := s.begin(ctx)
	defer done()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(queryCtx, func(pipe redis.Pipeliner) error {
		pipe.Set(queryCtx, s.recordKey(rec.ID), data, 0)
		pipe.ZAdd(queryCtx, s.ownerKey(rec.Owner), redis.Z{
			Score:  float64(rec.CreatedAt.UnixMilli()),
			Member: rec.ID,
		})
		return nil
	})
	return err
}

// GetRecord retrieves a download record by ID
func (s *RedisStore) GetRecord(ctx context.Context, id string) (*models.DownloadRecord, error) {
	queryCtx, done := s.begin(ctx)
	defer done()

	data, err := s.client.Get(queryCtx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var record models.DownloadRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}

	record.ID = id
	return &record, nil
}

// mutate applies fn to a record under WATCH so concurrent writers retry
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(*models.DownloadRecord)) error {
	key := s.recordKey(id)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var rec models.DownloadRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		fn(&rec)
		rec.UpdatedAt = time.Now().UTC()

		out, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis update %s: too much contention", id)
}

// UpdatePermanentURL implements Store
func (s *RedisStore) UpdatePermanentURL(ctx context.Context, id, permanentURL string, sizeMB float64) error {
	queryCtx, done := s.begin(ctx)
	defer done()

	return s.mutate(queryCtx, id, func(r *models.DownloadRecord) {
		r.PermanentURL = permanentURL
		r.FileSizeMB = sizeMB
	})
}

// IncrementDownloadCount implements Store
func (s *RedisStore) IncrementDownloadCount(ctx context.Context, id string) error {
	queryCtx, done := s.begin(ctx)
	defer done()

	return s.mutate(queryCtx, id, func(r *models.DownloadRecord) {
		r.DownloadCount++
	})
}

// ListRecords implements Store
func (s *RedisStore) ListRecords(ctx context.Context, owner string, page, perPage int) (*models.RecordPage, error) {
	page, perPage = normalizePage(page, perPage)

	queryCtx, done := s.begin(ctx)
	defer done()

	idx := s.ownerKey(owner)
	total, err := s.client.ZCard(queryCtx, idx).Result()
	if err != nil {
		return nil, err
	}

	start := int64((page - 1) * perPage)
	ids, err := s.client.ZRevRange(queryCtx, idx, start, start+int64(perPage)-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return newPage(nil, page, perPage, int(total)), nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	values, err := s.client.MGet(queryCtx, keys...).Result()
	if err != nil {
		return nil, err
	}

	items := make([]*models.DownloadRecord, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// index entry whose record was deleted
			continue
		}
		var rec models.DownloadRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, err
		}
		items = append(items, &rec)
	}

	return newPage(items, page, perPage, int(total)), nil
}

// GetQuota implements Store
func (s *RedisStore) GetQuota(ctx context.Context, userID string) (models.QuotaState, error) {
	queryCtx, done := s.begin(ctx)
	defer done()

	state := models.QuotaState{UserID: userID, Limit: s.defaultLimit}
	fields, err := s.client.HGetAll(queryCtx, s.quotaKey(userID)).Result()
	if err != nil {
		return state, err
	}
	if v, ok := fields["used"]; ok {
		state.Used, _ = strconv.Atoi(v)
	}
	if v, ok := fields["limit"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			state.Limit = n
		}
	}
	return state, nil
}

// AddQuotaUsed implements Store with HINCRBY
func (s *RedisStore) AddQuotaUsed(ctx context.Context, userID string, n int) (models.QuotaState, error) {
	queryCtx, done := s.begin(ctx)
	defer done()

	key := s.quotaKey(userID)
	var used *redis.IntCmd
	var limit *redis.StringCmd
	_, err := s.client.TxPipelined(queryCtx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(queryCtx, key, "limit", s.defaultLimit)
		used = pipe.HIncrBy(queryCtx, key, "used", int64(n))
		limit = pipe.HGet(queryCtx, key, "limit")
		return nil
	})
	if err != nil {
		return models.QuotaState{UserID: userID}, err
	}

	state := models.QuotaState{UserID: userID, Used: int(used.Val()), Limit: s.defaultLimit}
	if l, err := strconv.Atoi(limit.Val()); err == nil {
		state.Limit = l
	}
	return state, nil
}

// HealthCheck pings the server
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"stokbro/internal/config"
	"stokbro/internal/metrics"
	"stokbro/internal/models"
)

// PostgresStore implements Store for PostgreSQL
type PostgresStore struct {
	pool         *pgxpool.Pool
	q            sqlQueries
	defaultLimit int
	timeout      time.Duration
	metrics      *metrics.Metrics
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config error: %w", err)
	}
	if cfg.DBMaxConnections > 0 {
		poolCfg.MaxConns = int32(cfg.DBMaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect error: %w", err)
	}

	return &PostgresStore{
		pool:         pool,
		q:            newSQLQueries(sq.Dollar, cfg.TableName, cfg.QuotaTableName),
		defaultLimit: cfg.QuotaDefaultLimit,
		timeout:      cfg.DatabaseQueryTimeout,
		metrics:      m,
	}, nil
}

func (s *PostgresStore) begin(ctx context.Context) (context.Context, func()) {
	start := time.Now()
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	return queryCtx, func() {
		cancel()
		s.metrics.DatabaseQueryDuration.WithLabelValues("postgres").Observe(time.Since(start).Seconds())
	}
}

// EnsureSchema creates the record and quota tables if missing
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema(s.q.table, s.q.quotaTable) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
	}
	return nil
}

// CreateRecord inserts a new download record
func (s *PostgresStore) CreateRecord(ctx context.Context, rec *models.DownloadRecord) error {
	queryCtx, done := s.begin(ctx)
	defer done()

	query, args, err := s.q.insertRecord(rec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(queryCtx, query, args...)
	return err
}

// GetRecord retrieves a download record by ID
func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*models.DownloadRecord, error) {
	queryCtx, done := s.begin(ctx)
	defer done()

	query, args, err := s.q.selectRecord(id)
	if err != nil {
		return nil, err
	}

	rec, err := scanRecord(s.pool.QueryRow(queryCtx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// UpdatePermanentURL implements Store
func (s *PostgresStore) UpdatePermanentURL(ctx context.Context, id, permanentURL string, sizeMB float64) error {
	queryCtx, done := s.begin(ctx)
	defer done()

	query, args, err := s.q.updatePermanentURL(id, permanentURL, sizeMB, time.Now().UTC())
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(queryCtx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementDownloadCount implements Store
func (s *PostgresStore) IncrementDownloadCount(ctx context.Context, id string) error {
	queryCtx, done := s.begin(ctx)
	defer done()

	query, args, err := s.q.incrementDownloadCount(id, time.Now().UTC())
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(queryCtx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecords implements Store
func (s *PostgresStore) ListRecords(ctx context.Context, owner string, page, perPage int) (*models.RecordPage, error) {
	page, perPage = normalizePage(page, perPage)

	queryCtx, done := s.begin(ctx)
	defer done()

	countQuery, countArgs, err := s.q.countRecords(owner)
	if err != nil {
		return nil, err
	}
	var total int
	if err := s.pool.QueryRow(queryCtx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, err
	}

	query, args, err := s.q.listRecords(owner, page, perPage)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(queryCtx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.DownloadRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return newPage(items, page, perPage, total), nil
}

// GetQuota implements Store
func (s *PostgresStore) GetQuota(ctx context.Context, userID string) (models.QuotaState, error) {
	queryCtx, done := s.begin(ctx)
	defer done()

	state := models.QuotaState{UserID: userID, Limit: s.defaultLimit}
	query, args, err := s.q.selectQuota(userID)
	if err != nil {
		return state, err
	}

	err = s.pool.QueryRow(queryCtx, query, args...).Scan(&state.Used, &state.Limit)
	if errors.Is(err, pgx.ErrNoRows) {
		return state, nil
	}
	return state, err
}

// AddQuotaUsed implements Store with a single upsert
func (s *PostgresStore) AddQuotaUsed(ctx context.Context, userID string, n int) (models.QuotaState, error) {
	queryCtx, done := s.begin(ctx)
	defer done()

	state := models.QuotaState{UserID: userID}
	suffix := fmt.Sprintf("ON CONFLICT (user_id) DO UPDATE SET used = %s.used + EXCLUDED.used RETURNING used, credit_limit", s.q.quotaTable)
	query, args, err := s.q.upsertQuota(userID, n, s.defaultLimit, suffix)
	if err != nil {
		return state, err
	}

	err = s.pool.QueryRow(queryCtx, query, args...).Scan(&state.Used, &state.Limit)
	return state, err
}

// HealthCheck pings the pool
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

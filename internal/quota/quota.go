package quota

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"stokbro/internal/metrics"
	"stokbro/internal/models"
)

// ErrQuotaExceeded is returned when a reservation would overrun the limit
var ErrQuotaExceeded = errors.New("insufficient credits")

// Store is the persistence the ledger needs
type Store interface {
	GetQuota(ctx context.Context, userID string) (models.QuotaState, error)
	AddQuotaUsed(ctx context.Context, userID string, n int) (models.QuotaState, error)
}

// Ledger enforces per-user credit budgets. The check is pessimistic (it
// reserves the largest possible batch) and the charge is the actual count.
// The check is advisory: two concurrent batches can both pass it. The charge
// is an atomic increment in the store, so no usage is lost.
type Ledger struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewLedger creates a quota ledger
func NewLedger(store Store, logger *zap.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{store: store, logger: logger, metrics: m}
}

// CheckBudget returns the user's state and ErrQuotaExceeded if used+reserve
// would exceed the limit
func (l *Ledger) CheckBudget(ctx context.Context, userID string, reserve int) (models.QuotaState, error) {
	state, err := l.store.GetQuota(ctx, userID)
	if err != nil {
		return state, fmt.Errorf("read quota: %w", err)
	}
	if state.Used+reserve > state.Limit {
		return state, ErrQuotaExceeded
	}
	return state, nil
}

// State returns the user's current ledger
func (l *Ledger) State(ctx context.Context, userID string) (models.QuotaState, error) {
	return l.store.GetQuota(ctx, userID)
}

// Consume charges n credits. n <= 0 is a no-op.
func (l *Ledger) Consume(ctx context.Context, userID string, n int) (models.QuotaState, error) {
	if n <= 0 {
		return l.store.GetQuota(ctx, userID)
	}

	state, err := l.store.AddQuotaUsed(ctx, userID, n)
	if err != nil {
		return state, fmt.Errorf("consume quota: %w", err)
	}

	l.metrics.CreditsConsumed.Add(float64(n))
	l.logger.Info("credits consumed",
		zap.String("user_id", userID),
		zap.Int("n", n),
		zap.Int("used", state.Used),
		zap.Int("limit", state.Limit),
	)
	return state, nil
}

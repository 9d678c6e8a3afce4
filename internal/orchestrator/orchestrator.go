package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stokbro/internal/formats"
	"stokbro/internal/metrics"
	"stokbro/internal/models"
	"stokbro/internal/promoter"
	"stokbro/internal/quota"
	"stokbro/internal/resolver"
	"stokbro/internal/vendor"
)

var (
	// ErrBusy is returned when the user's machine is not idle
	ErrBusy = errors.New("a batch is already in flight")
	// ErrNothingSucceeded is returned when every format failed
	ErrNothingSucceeded = errors.New("nothing succeeded")
	// ErrEmptyURL is returned for blank submissions; the machine stays idle
	ErrEmptyURL = errors.New("empty url")
)

// Budget is the quota ledger as seen by the orchestrator
type Budget interface {
	CheckBudget(ctx context.Context, userID string, reserve int) (models.QuotaState, error)
	Consume(ctx context.Context, userID string, n int) (models.QuotaState, error)
}

// RecordWriter persists provenance records
type RecordWriter interface {
	CreateRecord(ctx context.Context, rec *models.DownloadRecord) error
}

// Deps are the collaborators a run drives
type Deps struct {
	Gateway  vendor.Gateway
	Promoter promoter.Promoter
	Records  RecordWriter
	Budget   Budget
	Catalog  *formats.Catalog
	// Prober learns display sizes; defaults to HTTP HEAD
	Prober SizeProber
}

// Options tunes a run
type Options struct {
	MaxConcurrent int
	Cooldown      time.Duration
}

// Orchestrator drives resolve, fan-out, promotion, persistence and charging
// for one resource at a time per user
type Orchestrator struct {
	deps          Deps
	maxConcurrent int
	cooldown      time.Duration
	bus           *Bus
	logger        *zap.Logger
	metrics       *metrics.Metrics

	mu       sync.Mutex
	machines map[string]*machine
}

// New creates an orchestrator. A nil bus gets a fresh one.
func New(deps Deps, opts Options, bus *Bus, logger *zap.Logger, m *metrics.Metrics) *Orchestrator {
	if deps.Prober == nil {
		deps.Prober = NewHTTPProber(nil, 5*time.Second)
	}
	if bus == nil {
		bus = NewBus()
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 8
	}

	return &Orchestrator{
		deps:          deps,
		maxConcurrent: maxConcurrent,
		cooldown:      opts.Cooldown,
		bus:           bus,
		logger:        logger,
		metrics:       m,
		machines:      make(map[string]*machine),
	}
}

// Bus returns the event bus runs publish to
func (o *Orchestrator) Bus() *Bus { return o.bus }

// State returns the user's current state
func (o *Orchestrator) State(userID string) State {
	o.mu.Lock()
	mc, ok := o.machines[userID]
	o.mu.Unlock()
	if !ok {
		return StateIdle
	}
	return mc.current()
}

// start claims the user's machine for a new run. Lookup and claim happen
// under o.mu so a machine being dropped cannot be claimed.
func (o *Orchestrator) start(userID string) (*machine, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	mc, ok := o.machines[userID]
	if !ok {
		mc = &machine{state: StateIdle}
		o.machines[userID] = mc
		o.metrics.OrchestratorState.WithLabelValues(string(StateIdle)).Inc()
	}
	return mc, mc.tryStart()
}

// drop forgets an idle machine so the map holds only active users
func (o *Orchestrator) drop(userID string, mc *machine) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.machines[userID] != mc || mc.current() != StateIdle {
		return
	}
	delete(o.machines, userID)
	o.metrics.OrchestratorState.WithLabelValues(string(StateIdle)).Dec()
}

// Run processes every catalog format for the resource behind rawURL
func (o *Orchestrator) Run(ctx context.Context, s models.Session, rawURL string) (*models.BatchOutcome, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, ErrEmptyURL
	}

	mc, ok := o.start(s.UserID)
	if !ok {
		o.metrics.BatchesTotal.WithLabelValues("busy").Inc()
		return nil, ErrBusy
	}
	o.metrics.ActiveBatches.Inc()
	defer o.metrics.ActiveBatches.Dec()

	o.entered(s.UserID, StateIdle, StateValidating, "")

	// Once validated the batch runs to completion regardless of the caller
	ctx = context.WithoutCancel(ctx)

	o.transition(mc, s.UserID, StateParsing)
	ref, err := resolver.Resolve(rawURL)
	if err != nil {
		return nil, o.fail(mc, s.UserID, "unrecognized", "unrecognized link", err)
	}

	want := o.deps.Catalog.For(ref.Platform)
	if err := o.checkBudget(ctx, mc, s.UserID, o.deps.Catalog.Max(ref.Platform)); err != nil {
		return nil, err
	}

	o.transition(mc, s.UserID, StateFetchingTempURLs)
	o.metrics.FormatsRequested.Observe(float64(len(want)))
	results := o.fanOut(ctx, s.UserID, ref, want)

	outcome := &models.BatchOutcome{Resource: ref, Requested: len(want)}
	for _, item := range results {
		if item != nil {
			outcome.Items = append(outcome.Items, *item)
		}
	}

	o.transition(mc, s.UserID, StateSavingRecords)
	o.saveRecords(ctx, s.UserID, rawURL, outcome)

	o.transition(mc, s.UserID, StateIncrementingCredits)
	o.consume(ctx, s.UserID, outcome.Succeeded())
	o.metrics.FormatsSucceeded.Observe(float64(outcome.Succeeded()))

	if outcome.Succeeded() == 0 {
		return outcome, o.fail(mc, s.UserID, "nothing_succeeded", "nothing succeeded", ErrNothingSucceeded)
	}

	o.complete(mc, s.UserID, outcome)
	return outcome, nil
}

// RunSingle re-enters the pipeline for one format and charges one credit.
// No record is created; callers update the record they are recovering.
func (o *Orchestrator) RunSingle(ctx context.Context, s models.Session, ref models.ResourceRef, format models.Format) (*models.BatchItem, error) {
	mc, ok := o.start(s.UserID)
	if !ok {
		o.metrics.BatchesTotal.WithLabelValues("busy").Inc()
		return nil, ErrBusy
	}
	o.metrics.ActiveBatches.Inc()
	defer o.metrics.ActiveBatches.Dec()

	o.entered(s.UserID, StateIdle, StateValidating, "")
	ctx = context.WithoutCancel(ctx)

	if !ref.Platform.Valid() || ref.ID == "" {
		return nil, o.fail(mc, s.UserID, "unrecognized", "unrecognized link", resolver.ErrNotRecognized)
	}
	if err := o.checkBudget(ctx, mc, s.UserID, 1); err != nil {
		return nil, err
	}

	o.transition(mc, s.UserID, StateFetchingTempURLs)
	o.metrics.FormatsRequested.Observe(1)
	item, err := o.pipeline(ctx, ref, format)
	if err != nil {
		o.formatFailed(s.UserID, ref, format, err)
		o.metrics.FormatsSucceeded.Observe(0)
		return nil, o.fail(mc, s.UserID, "nothing_succeeded", "nothing succeeded", fmt.Errorf("%w: %w", ErrNothingSucceeded, err))
	}
	o.metrics.FormatResultsTotal.WithLabelValues(string(ref.Platform), "success").Inc()

	o.transition(mc, s.UserID, StateIncrementingCredits)
	o.consume(ctx, s.UserID, 1)
	o.metrics.FormatsSucceeded.Observe(1)

	o.complete(mc, s.UserID, &models.BatchOutcome{Resource: ref, Requested: 1, Items: []models.BatchItem{*item}})
	return item, nil
}

// Fetch runs the gateway and promoter for one format and charges one
// credit on success. The state machine and records are left untouched.
func (o *Orchestrator) Fetch(ctx context.Context, s models.Session, ref models.ResourceRef, format models.Format) (*models.BatchItem, error) {
	if _, err := o.deps.Budget.CheckBudget(ctx, s.UserID, 1); err != nil {
		return nil, err
	}

	item, err := o.pipeline(ctx, ref, format)
	if err != nil {
		return nil, err
	}

	o.consume(context.WithoutCancel(ctx), s.UserID, 1)
	return item, nil
}

func (o *Orchestrator) checkBudget(ctx context.Context, mc *machine, userID string, reserve int) error {
	state, err := o.deps.Budget.CheckBudget(ctx, userID, reserve)
	if errors.Is(err, quota.ErrQuotaExceeded) {
		o.metrics.BatchesTotal.WithLabelValues("insufficient_credits").Inc()
		msg := fmt.Sprintf("insufficient credits: %d of %d used, %d needed", state.Used, state.Limit, reserve)
		from, _ := mc.set(StateIdle)
		o.entered(userID, from, StateIdle, msg)
		o.drop(userID, mc)
		return err
	}
	if err != nil {
		return o.fail(mc, userID, "failed", "could not read credits", err)
	}
	return nil
}

// fanOut runs one pipeline per format and waits for all of them. The
// result slice follows declared format order; failed formats are nil.
func (o *Orchestrator) fanOut(ctx context.Context, userID string, ref models.ResourceRef, want []models.Format) []*models.BatchItem {
	results := make([]*models.BatchItem, len(want))

	var g errgroup.Group
	g.SetLimit(o.maxConcurrent)
	for i, format := range want {
		g.Go(func() error {
			item, err := o.pipeline(ctx, ref, format)
			if err != nil {
				o.formatFailed(userID, ref, format, err)
				return nil
			}
			o.metrics.FormatResultsTotal.WithLabelValues(string(ref.Platform), "success").Inc()
			results[i] = item
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (o *Orchestrator) pipeline(ctx context.Context, ref models.ResourceRef, format models.Format) (*models.BatchItem, error) {
	link, err := o.deps.Gateway.TemporaryURL(ctx, ref, format)
	if err != nil {
		return nil, err
	}

	res, err := o.deps.Promoter.Promote(ctx, ref, format, link.URL)
	if err != nil {
		return nil, err
	}

	size, err := o.deps.Prober.ContentLength(ctx, res.PermanentURL)
	if err != nil {
		o.logger.Debug("size probe failed",
			zap.String("url", res.PermanentURL),
			zap.Error(err),
		)
		size = 0
	}

	return &models.BatchItem{
		Format:       format,
		PermanentURL: res.PermanentURL,
		FileName:     link.FileName,
		FileSizeMB:   models.BytesToMB(size),
	}, nil
}

// saveRecords persists every success concurrently. Failures are logged and
// the item stays in the outcome without a record id.
func (o *Orchestrator) saveRecords(ctx context.Context, userID, rawURL string, outcome *models.BatchOutcome) {
	var g errgroup.Group
	g.SetLimit(o.maxConcurrent)
	for i := range outcome.Items {
		item := &outcome.Items[i]
		g.Go(func() error {
			now := time.Now().UTC()
			rec := &models.DownloadRecord{
				ID:           uuid.NewString(),
				Owner:        userID,
				OriginalURL:  rawURL,
				PermanentURL: item.PermanentURL,
				Format:       item.Format,
				FileName:     item.FileName,
				FileSizeMB:   item.FileSizeMB,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := o.deps.Records.CreateRecord(ctx, rec); err != nil {
				o.metrics.RecordSaveFailures.Inc()
				o.logger.Error("failed to save download record",
					zap.String("user_id", userID),
					zap.String("format", string(item.Format)),
					zap.Error(err),
				)
				return nil
			}
			item.RecordID = rec.ID
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) consume(ctx context.Context, userID string, n int) {
	if _, err := o.deps.Budget.Consume(ctx, userID, n); err != nil {
		o.logger.Error("failed to charge credits",
			zap.String("user_id", userID),
			zap.Int("n", n),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) formatFailed(userID string, ref models.ResourceRef, format models.Format, err error) {
	o.metrics.FormatResultsTotal.WithLabelValues(string(ref.Platform), resultLabel(err)).Inc()
	o.logger.Warn("format failed",
		zap.String("platform", string(ref.Platform)),
		zap.String("resource_id", ref.ID),
		zap.String("format", string(format)),
		zap.Error(err),
	)
	o.bus.Publish(Event{
		Kind:   EventFormatFailed,
		UserID: userID,
		State:  StateFetchingTempURLs,
		Format: format,
		Err:    err,
		At:     time.Now(),
	})
}

func resultLabel(err error) string {
	var pe *promoter.Error
	if errors.As(err, &pe) {
		return "promotion_" + string(pe.Stage)
	}
	var ve *vendor.Error
	if errors.As(err, &ve) {
		return vendor.Label(err)
	}
	return "failed"
}

func (o *Orchestrator) transition(mc *machine, userID string, to State) {
	from, ok := mc.set(to)
	if !ok {
		o.logger.Error("invalid state transition",
			zap.String("user_id", userID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return
	}
	o.entered(userID, from, to, "")
}

func (o *Orchestrator) entered(userID string, from, to State, msg string) {
	o.metrics.OrchestratorState.WithLabelValues(string(from)).Dec()
	o.metrics.OrchestratorState.WithLabelValues(string(to)).Inc()
	o.bus.Publish(Event{Kind: EventTransition, UserID: userID, State: to, Message: msg, At: time.Now()})
}

// fail moves to error, publishes the outcome and schedules the reset
func (o *Orchestrator) fail(mc *machine, userID, label, msg string, err error) error {
	o.metrics.BatchesTotal.WithLabelValues(label).Inc()
	o.transition(mc, userID, StateError)
	o.bus.Publish(Event{Kind: EventOutcome, UserID: userID, State: StateError, Message: msg, Err: err, At: time.Now()})
	o.scheduleIdle(mc, userID)
	return err
}

func (o *Orchestrator) complete(mc *machine, userID string, outcome *models.BatchOutcome) {
	o.metrics.BatchesTotal.WithLabelValues("complete").Inc()
	o.transition(mc, userID, StateComplete)
	o.bus.Publish(Event{
		Kind:    EventOutcome,
		UserID:  userID,
		State:   StateComplete,
		Message: fmt.Sprintf("%d of %d formats ready", outcome.Succeeded(), outcome.Requested),
		Outcome: outcome,
		At:      time.Now(),
	})
	o.scheduleIdle(mc, userID)
}

func (o *Orchestrator) scheduleIdle(mc *machine, userID string) {
	terminal := mc.current()
	mc.resetAfter(o.cooldown, func() {
		o.entered(userID, terminal, StateIdle, "")
		o.drop(userID, mc)
	})
}

package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stokbro/internal/database"
	"stokbro/internal/formats"
	"stokbro/internal/metrics"
	"stokbro/internal/models"
	"stokbro/internal/promoter"
	"stokbro/internal/quota"
	"stokbro/internal/resolver"
	"stokbro/internal/vendor"
)

var sharedMetrics = metrics.New()

const (
	freepikURL  = "https://www.freepik.com/free-vector/abstract-background_12345.htm"
	flaticonURL = "https://www.flaticon.com/free-icon/house_25694"
)

var session = models.Session{UserID: "user-1"}

type fakeGateway struct {
	mu    sync.Mutex
	calls []models.Format
	fail  map[models.Format]error
	block chan struct{}
}

func (g *fakeGateway) TemporaryURL(ctx context.Context, ref models.ResourceRef, format models.Format) (*vendor.Link, error) {
	g.mu.Lock()
	g.calls = append(g.calls, format)
	err := g.fail[format]
	g.mu.Unlock()

	if g.block != nil {
		<-g.block
	}
	if err != nil {
		return nil, err
	}
	return &vendor.Link{
		URL:      "https://vendor.example.com/" + ref.ID + "." + string(format),
		FileName: ref.ID + "." + string(format),
	}, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type fakePromoter struct {
	mu    sync.Mutex
	calls int
}

func (p *fakePromoter) Promote(ctx context.Context, ref models.ResourceRef, format models.Format, tempURL string) (*promoter.Result, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	key := string(ref.Platform) + "/" + ref.ID + "/" + string(format)
	return &promoter.Result{PermanentURL: "https://cdn.example.com/" + key, Key: key, ByteSize: 2048}, nil
}

type fixedProber struct {
	size int64
	err  error
}

func (p fixedProber) ContentLength(ctx context.Context, url string) (int64, error) {
	return p.size, p.err
}

type failingRecords struct{}

func (failingRecords) CreateRecord(ctx context.Context, rec *models.DownloadRecord) error {
	return errors.New("insert failed")
}

type harness struct {
	orch     *Orchestrator
	gateway  *fakeGateway
	promoter *fakePromoter
	store    *database.MemoryStore
}

func newHarness(t *testing.T, limit int, cooldown time.Duration) *harness {
	t.Helper()
	store := database.NewMemoryStore(limit)
	h := &harness{
		gateway:  &fakeGateway{fail: map[models.Format]error{}},
		promoter: &fakePromoter{},
		store:    store,
	}
	h.orch = New(Deps{
		Gateway:  h.gateway,
		Promoter: h.promoter,
		Records:  store,
		Budget:   quota.NewLedger(store, zap.NewNop(), sharedMetrics),
		Catalog:  formats.NewCatalog(nil),
		Prober:   fixedProber{size: 1 << 20},
	}, Options{MaxConcurrent: 4, Cooldown: cooldown}, nil, zap.NewNop(), sharedMetrics)
	return h
}

func (h *harness) used(t *testing.T) int {
	t.Helper()
	q, err := h.store.GetQuota(context.Background(), session.UserID)
	require.NoError(t, err)
	return q.Used
}

func (h *harness) records(t *testing.T) []*models.DownloadRecord {
	t.Helper()
	page, err := h.store.ListRecords(context.Background(), session.UserID, 1, 100)
	require.NoError(t, err)
	return page.Items
}

func TestRun_AllFormatsSucceed(t *testing.T) {
	h := newHarness(t, 100, 0)

	outcome, err := h.orch.Run(context.Background(), session, "  "+freepikURL+"\n")
	require.NoError(t, err)

	want := formats.NewCatalog(nil).For(models.Freepik)
	require.Len(t, outcome.Items, len(want))
	for i, item := range outcome.Items {
		assert.Equal(t, want[i], item.Format, "items follow declared order")
		assert.Equal(t, 1.0, item.FileSizeMB)
		assert.NotEmpty(t, item.RecordID)
	}
	assert.Equal(t, models.ResourceRef{ID: "12345", Platform: models.Freepik}, outcome.Resource)
	assert.Equal(t, len(want), outcome.Requested)

	recs := h.records(t)
	assert.Len(t, recs, len(want))
	for _, r := range recs {
		assert.Equal(t, freepikURL, r.OriginalURL)
		assert.Zero(t, r.DownloadCount)
	}
	assert.Equal(t, len(want), h.used(t))
	assert.Equal(t, StateIdle, h.orch.State(session.UserID))
}

func TestRun_InsufficientCreditsMakesNoVendorCalls(t *testing.T) {
	h := newHarness(t, 4, 0) // freepik reserves 5

	_, err := h.orch.Run(context.Background(), session, freepikURL)
	require.ErrorIs(t, err, quota.ErrQuotaExceeded)

	assert.Zero(t, h.gateway.callCount())
	assert.Zero(t, h.promoter.calls)
	assert.Empty(t, h.records(t))
	assert.Zero(t, h.used(t))
	assert.Equal(t, StateIdle, h.orch.State(session.UserID), "insufficient credits returns to idle, not error")
}

func TestRun_ReservationUsesPlatformMaximum(t *testing.T) {
	h := newHarness(t, 4, 0) // flaticon reserves 4

	outcome, err := h.orch.Run(context.Background(), session, flaticonURL)
	require.NoError(t, err)
	assert.Equal(t, 4, outcome.Succeeded())
	assert.Equal(t, 4, h.used(t))
}

func TestRun_OneNotFoundYieldsRest(t *testing.T) {
	h := newHarness(t, 100, 0)
	h.gateway.fail["svg"] = &vendor.Error{Kind: vendor.KindNotFound, Platform: models.Freepik, Status: 404}

	outcome, err := h.orch.Run(context.Background(), session, freepikURL)
	require.NoError(t, err)

	total := len(formats.NewCatalog(nil).For(models.Freepik))
	assert.Equal(t, total-1, outcome.Succeeded())
	assert.Equal(t, total, h.gateway.callCount())
	assert.Equal(t, total-1, h.used(t))

	recs := h.records(t)
	assert.Len(t, recs, total-1)
	for _, r := range recs {
		assert.NotEqual(t, models.Format("svg"), r.Format, "failed format must not be persisted")
	}
	for _, item := range outcome.Items {
		assert.NotEqual(t, models.Format("svg"), item.Format)
	}
}

func TestRun_NothingSucceeded(t *testing.T) {
	h := newHarness(t, 100, 0)
	for _, f := range formats.NewCatalog(nil).For(models.Flaticon) {
		h.gateway.fail[f] = &vendor.Error{Kind: vendor.KindUpstream, Timeout: true}
	}

	outcome, err := h.orch.Run(context.Background(), session, flaticonURL)
	require.ErrorIs(t, err, ErrNothingSucceeded)
	assert.Zero(t, outcome.Succeeded())
	assert.Zero(t, h.used(t))
	assert.Empty(t, h.records(t))
	assert.Equal(t, StateIdle, h.orch.State(session.UserID))
}

func TestRun_UnrecognizedLink(t *testing.T) {
	h := newHarness(t, 100, 0)

	_, err := h.orch.Run(context.Background(), session, "https://example.com/not-a-resource")
	require.ErrorIs(t, err, resolver.ErrNotRecognized)
	assert.Zero(t, h.gateway.callCount())
}

func TestRun_EmptyURLStaysIdle(t *testing.T) {
	h := newHarness(t, 100, time.Hour)

	_, err := h.orch.Run(context.Background(), session, "   ")
	require.ErrorIs(t, err, ErrEmptyURL)
	assert.Equal(t, StateIdle, h.orch.State(session.UserID))
}

func TestRun_RecordSaveFailureKeepsTally(t *testing.T) {
	store := database.NewMemoryStore(100)
	gw := &fakeGateway{fail: map[models.Format]error{}}
	orch := New(Deps{
		Gateway:  gw,
		Promoter: &fakePromoter{},
		Records:  failingRecords{},
		Budget:   quota.NewLedger(store, zap.NewNop(), sharedMetrics),
		Catalog:  formats.NewCatalog(nil),
		Prober:   fixedProber{err: errors.New("head failed")},
	}, Options{MaxConcurrent: 2}, nil, zap.NewNop(), sharedMetrics)

	outcome, err := orch.Run(context.Background(), session, flaticonURL)
	require.NoError(t, err)
	assert.Equal(t, 4, outcome.Succeeded())
	for _, item := range outcome.Items {
		assert.Empty(t, item.RecordID)
		assert.Zero(t, item.FileSizeMB, "failed size probe reports zero")
	}

	q, _ := store.GetQuota(context.Background(), session.UserID)
	assert.Equal(t, 4, q.Used, "credits are charged even when history tracking fails")
}

func TestRun_BusyWhileInFlight(t *testing.T) {
	h := newHarness(t, 100, 0)
	h.gateway.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(context.Background(), session, freepikURL)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return h.orch.State(session.UserID) == StateFetchingTempURLs
	}, time.Second, 5*time.Millisecond)

	_, err := h.orch.Run(context.Background(), session, freepikURL)
	assert.ErrorIs(t, err, ErrBusy)

	// other users are independent
	other := models.Session{UserID: "user-2"}
	assert.Equal(t, StateIdle, h.orch.State(other.UserID))

	close(h.gateway.block)
	require.NoError(t, <-done)
}

func TestRun_CooldownReturnsToIdle(t *testing.T) {
	h := newHarness(t, 100, 50*time.Millisecond)

	_, err := h.orch.Run(context.Background(), session, flaticonURL)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, h.orch.State(session.UserID))

	_, err = h.orch.Run(context.Background(), session, flaticonURL)
	assert.ErrorIs(t, err, ErrBusy, "terminal state is held during cooldown")

	require.Eventually(t, func() bool {
		return h.orch.State(session.UserID) == StateIdle
	}, time.Second, 5*time.Millisecond)
}

func TestRun_PublishesTransitions(t *testing.T) {
	h := newHarness(t, 100, 0)
	events, unsubscribe := h.orch.Bus().Subscribe(64)
	defer unsubscribe()

	_, err := h.orch.Run(context.Background(), session, flaticonURL)
	require.NoError(t, err)

	var states []State
	var outcome *models.BatchOutcome
	for len(states) < 7 {
		select {
		case ev := <-events:
			switch ev.Kind {
			case EventTransition:
				states = append(states, ev.State)
			case EventOutcome:
				outcome = ev.Outcome
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, got %v", states)
		}
	}

	assert.Equal(t, []State{
		StateValidating,
		StateParsing,
		StateFetchingTempURLs,
		StateSavingRecords,
		StateIncrementingCredits,
		StateComplete,
		StateIdle,
	}, states)
	require.NotNil(t, outcome)
	assert.Equal(t, 4, outcome.Succeeded())
}

func TestRunSingle_ChargesExactlyOne(t *testing.T) {
	h := newHarness(t, 100, 0)
	ref := models.ResourceRef{ID: "12345", Platform: models.Freepik}

	item, err := h.orch.RunSingle(context.Background(), session, ref, "png")
	require.NoError(t, err)

	assert.Equal(t, models.Format("png"), item.Format)
	assert.Equal(t, 1, h.gateway.callCount())
	assert.Equal(t, 1, h.promoter.calls)
	assert.Equal(t, 1, h.used(t))
	assert.Empty(t, h.records(t), "single runs do not create records")
}

func TestRunSingle_FailureChargesNothing(t *testing.T) {
	h := newHarness(t, 100, 0)
	h.gateway.fail["png"] = &vendor.Error{Kind: vendor.KindNotFound}

	_, err := h.orch.RunSingle(context.Background(), session, models.ResourceRef{ID: "1", Platform: models.Flaticon}, "png")
	require.ErrorIs(t, err, ErrNothingSucceeded)
	assert.Equal(t, vendor.KindNotFound, vendor.KindOf(err))
	assert.Zero(t, h.used(t))
}

func TestFetch_ChargesOneCredit(t *testing.T) {
	h := newHarness(t, 100, 0)

	item, err := h.orch.Fetch(context.Background(), session, models.ResourceRef{ID: "7", Platform: models.Flaticon}, "svg")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/flaticon/7/svg", item.PermanentURL)
	assert.Equal(t, 1, h.used(t))
	assert.Empty(t, h.records(t))
	assert.Equal(t, StateIdle, h.orch.State(session.UserID))
}

func TestFetch_LedgerGates(t *testing.T) {
	t.Run("exhausted", func(t *testing.T) {
		h := newHarness(t, 0, 0)

		_, err := h.orch.Fetch(context.Background(), session, models.ResourceRef{ID: "7", Platform: models.Flaticon}, "svg")
		require.ErrorIs(t, err, quota.ErrQuotaExceeded)
		assert.Zero(t, h.gateway.callCount())
		assert.Zero(t, h.used(t))
	})

	t.Run("vendor failure charges nothing", func(t *testing.T) {
		h := newHarness(t, 100, 0)
		h.gateway.fail["svg"] = &vendor.Error{Kind: vendor.KindNotFound}

		_, err := h.orch.Fetch(context.Background(), session, models.ResourceRef{ID: "7", Platform: models.Flaticon}, "svg")
		require.Error(t, err)
		assert.Zero(t, h.used(t))
	})
}

func TestRun_IdleMachinesAreDropped(t *testing.T) {
	h := newHarness(t, 100, 20*time.Millisecond)

	for _, user := range []string{"a", "b", "c"} {
		_, err := h.orch.Run(context.Background(), models.Session{UserID: user}, flaticonURL)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		h.orch.mu.Lock()
		defer h.orch.mu.Unlock()
		return len(h.orch.machines) == 0
	}, time.Second, 5*time.Millisecond)

	_, err := h.orch.Run(context.Background(), models.Session{UserID: "a"}, flaticonURL)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, h.orch.State("a"))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateValidating, true},
		{StateValidating, StateParsing, true},
		{StateParsing, StateFetchingTempURLs, true},
		{StateFetchingTempURLs, StateIncrementingCredits, true},
		{StateSavingRecords, StateFetchingTempURLs, false},
		{StateComplete, StateValidating, false},
		{StateFetchingTempURLs, StateError, true},
		{StateIdle, StateError, false},
		{StateError, StateIdle, true},
		{StateParsing, StateIdle, true},
	}

	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestBus_UnsubscribeCloses(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe(1)

	bus.Publish(Event{Kind: EventTransition})
	bus.Publish(Event{Kind: EventTransition}) // dropped, buffer full

	unsubscribe()
	unsubscribe()

	var n int
	for range ch {
		n++
	}
	assert.Equal(t, 1, n)
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"stokbro/internal/auth"
	"stokbro/internal/database"
	"stokbro/internal/formats"
	"stokbro/internal/metrics"
	"stokbro/internal/models"
	"stokbro/internal/orchestrator"
	"stokbro/internal/promoter"
	"stokbro/internal/quota"
	"stokbro/internal/resolver"
	"stokbro/internal/vendor"
)

var resourceIDPattern = regexp.MustCompile(`^\d+$`)

// Orchestrator is the subset of the state machine the API drives
type Orchestrator interface {
	Run(ctx context.Context, s models.Session, rawURL string) (*models.BatchOutcome, error)
	Fetch(ctx context.Context, s models.Session, ref models.ResourceRef, format models.Format) (*models.BatchItem, error)
}

// Recovery handles expired durable links
type Recovery interface {
	Reissue(ctx context.Context, s models.Session, id string) (*models.DownloadRecord, error)
	Prefill(ctx context.Context, s models.Session, id string) (string, error)
}

// History lists a user's records
type History interface {
	ListRecords(ctx context.Context, owner string, page, perPage int) (*models.RecordPage, error)
}

// QuotaReader reports a user's ledger
type QuotaReader interface {
	State(ctx context.Context, userID string) (models.QuotaState, error)
}

// Handler serves the download API
type Handler struct {
	logger   *zap.Logger
	orch     Orchestrator
	recovery Recovery
	history  History
	quota    QuotaReader
	catalog  *formats.Catalog
	metrics  *metrics.Metrics
	pageSize int
}

// Options bundles Handler collaborators
type Options struct {
	Orchestrator Orchestrator
	Recovery     Recovery
	History      History
	Quota        QuotaReader
	Catalog      *formats.Catalog
	PageSize     int
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, m *metrics.Metrics, opts Options) *Handler {
	pageSize := opts.PageSize
	if pageSize < 1 {
		pageSize = 7
	}
	return &Handler{
		logger:   logger,
		orch:     opts.Orchestrator,
		recovery: opts.Recovery,
		history:  opts.History,
		quota:    opts.Quota,
		catalog:  opts.Catalog,
		metrics:  m,
		pageSize: pageSize,
	}
}

// Register mounts the API routes on r
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/{platform}/download", h.Proxy).Methods(http.MethodGet)
	r.HandleFunc("/batches", h.Batch).Methods(http.MethodPost)
	r.HandleFunc("/downloads", h.History).Methods(http.MethodGet)
	r.HandleFunc("/downloads/{id}/reissue", h.Reissue).Methods(http.MethodPost)
	r.HandleFunc("/downloads/{id}/prefill", h.Prefill).Methods(http.MethodGet)
	r.HandleFunc("/quota", h.Quota).Methods(http.MethodGet)
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (models.Session, bool) {
	s, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, h.metrics, http.StatusUnauthorized, auth.ErrNoSession.Error())
	}
	return s, ok
}

type urlResponse struct {
	URL string `json:"url"`
}

// Proxy exchanges a resource id and format for a durable URL
func (h *Handler) Proxy(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	platform := models.Platform(mux.Vars(r)["platform"])
	if !platform.Valid() {
		writeError(w, h.metrics, http.StatusNotFound, "unsupported platform")
		return
	}

	query := r.URL.Query()
	resourceID := strings.TrimSpace(query.Get("resourceId"))
	if resourceID == "" {
		writeError(w, h.metrics, http.StatusBadRequest, "resourceId is required")
		return
	}
	if !resourceIDPattern.MatchString(resourceID) {
		writeError(w, h.metrics, http.StatusBadRequest, "resourceId must be numeric")
		return
	}

	format := models.Format(strings.ToLower(strings.TrimSpace(query.Get("format"))))
	if format == "" {
		format = h.catalog.Default(platform)
	}

	item, err := h.orch.Fetch(r.Context(), s, models.ResourceRef{ID: resourceID, Platform: platform}, format)
	if err != nil {
		status, msg := proxyStatus(err)
		h.logger.Warn("proxy download failed",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.String("user_id", s.UserID),
			zap.String("platform", string(platform)),
			zap.String("resource_id", resourceID),
			zap.String("format", string(format)),
			zap.Int("status", status),
			zap.Error(err),
		)
		writeError(w, h.metrics, status, msg)
		return
	}

	writeJSON(w, h.metrics, http.StatusOK, urlResponse{URL: item.PermanentURL})
}

func proxyStatus(err error) (int, string) {
	if errors.Is(err, quota.ErrQuotaExceeded) {
		return http.StatusPaymentRequired, "insufficient credits"
	}
	var pe *promoter.Error
	if errors.As(err, &pe) {
		return http.StatusInternalServerError, "failed to store download"
	}
	if vendor.IsTimeout(err) {
		return http.StatusRequestTimeout, "vendor request timed out"
	}
	switch vendor.KindOf(err) {
	case vendor.KindUnauthorized:
		return http.StatusUnauthorized, "vendor api key invalid or missing"
	case vendor.KindNotFound:
		return http.StatusNotFound, "resource not found"
	}
	return http.StatusInternalServerError, "failed to get download url"
}

type batchRequest struct {
	URL string `json:"url"`
}

// Batch runs the orchestrator for every format of one pasted URL
func (h *Handler) Batch(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req batchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, h.metrics, http.StatusBadRequest, "invalid request body")
		return
	}

	outcome, err := h.orch.Run(r.Context(), s, req.URL)
	if err != nil {
		status, msg := batchStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("batch failed",
				zap.String("request_id", GetRequestID(r.Context())),
				zap.String("user_id", s.UserID),
				zap.Error(err),
			)
		}
		writeError(w, h.metrics, status, msg)
		return
	}

	writeJSON(w, h.metrics, http.StatusOK, outcome)
}

func batchStatus(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyURL):
		return http.StatusBadRequest, "url is required"
	case errors.Is(err, resolver.ErrNotRecognized):
		return http.StatusBadRequest, "unrecognized link"
	case errors.Is(err, quota.ErrQuotaExceeded):
		return http.StatusPaymentRequired, "insufficient credits"
	case errors.Is(err, orchestrator.ErrBusy):
		return http.StatusConflict, "a download is already in progress"
	case errors.Is(err, orchestrator.ErrNothingSucceeded):
		return http.StatusBadGateway, "no format could be downloaded"
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound, "download not found"
	}
	return http.StatusInternalServerError, "internal error"
}

// History lists the session user's records, newest first
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, h.metrics, http.StatusBadRequest, "page must be a positive integer")
			return
		}
		page = n
	}

	result, err := h.history.ListRecords(r.Context(), s.UserID, page, h.pageSize)
	if err != nil {
		h.logger.Error("failed to list records", zap.String("user_id", s.UserID), zap.Error(err))
		writeError(w, h.metrics, http.StatusInternalServerError, "failed to load history")
		return
	}

	writeJSON(w, h.metrics, http.StatusOK, result)
}

type quotaResponse struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// Quota reports the session user's credits
func (h *Handler) Quota(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	state, err := h.quota.State(r.Context(), s.UserID)
	if err != nil {
		h.logger.Error("failed to read quota", zap.String("user_id", s.UserID), zap.Error(err))
		writeError(w, h.metrics, http.StatusInternalServerError, "failed to read quota")
		return
	}

	writeJSON(w, h.metrics, http.StatusOK, quotaResponse{
		Used:      state.Used,
		Limit:     state.Limit,
		Remaining: state.Remaining(),
	})
}

// Reissue spends one credit to replace an expired durable URL
func (h *Handler) Reissue(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	rec, err := h.recovery.Reissue(r.Context(), s, mux.Vars(r)["id"])
	if err != nil {
		status, msg := batchStatus(err)
		if status == http.StatusInternalServerError || status == http.StatusBadGateway {
			h.logger.Warn("reissue failed",
				zap.String("request_id", GetRequestID(r.Context())),
				zap.String("record_id", mux.Vars(r)["id"]),
				zap.Error(err),
			)
		}
		writeError(w, h.metrics, status, msg)
		return
	}

	writeJSON(w, h.metrics, http.StatusOK, rec)
}

// Prefill returns the record's original page URL for manual resubmission
func (h *Handler) Prefill(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	original, err := h.recovery.Prefill(r.Context(), s, mux.Vars(r)["id"])
	if err != nil {
		status, msg := batchStatus(err)
		writeError(w, h.metrics, status, msg)
		return
	}

	writeJSON(w, h.metrics, http.StatusOK, urlResponse{URL: original})
}

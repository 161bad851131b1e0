package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/iago/reporting-back/internal/domain"
	"github.com/iago/reporting-back/internal/http/middleware"
	"github.com/iago/reporting-back/internal/idempotency"
	"github.com/iago/reporting-back/internal/service"
	"github.com/iago/reporting-back/internal/storage"
)

var errInvalidPayload = errors.New("invalid payload")

const pollRetryAfterSeconds = "2"

// HealthCheck is a named readiness probe.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type API struct {
	dispatch    *service.DispatchService
	idempotency idempotency.Store
	downloads   *storage.MemoryBlobStore
	checks      []HealthCheck
	logger      *slog.Logger
}

type Option func(*API)

// WithDownloads enables the signed download route backed by the in-memory store.
func WithDownloads(store *storage.MemoryBlobStore) Option {
	return func(api *API) {
		api.downloads = store
	}
}

func WithHealthChecks(checks ...HealthCheck) Option {
	return func(api *API) {
		api.checks = append(api.checks, checks...)
	}
}

func NewAPI(dispatch *service.DispatchService, idem idempotency.Store, logger *slog.Logger, opts ...Option) *API {
	if idem == nil {
		idem = idempotency.NewMemoryStore(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	api := &API{
		dispatch:    dispatch,
		idempotency: idem,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(api)
	}
	return api
}

// DownloadsEnabled reports whether the API serves artifacts itself.
func (api *API) DownloadsEnabled() bool {
	return api.downloads != nil
}

type submitRequest struct {
	Kind   string         `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Token     string `json:"token,omitempty"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	writeErrorWithToken(w, r, statusCode, code, message, "")
}

func writeErrorWithToken(w http.ResponseWriter, r *http.Request, statusCode int, code, message, token string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context()), Token: token}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

func decodeJSON(r *http.Request, value any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

// writeDomainError maps service errors onto the HTTP error envelope.
func (api *API) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := mapDomainError(err)
	if status >= http.StatusInternalServerError {
		api.logger.ErrorContext(r.Context(), "request failed",
			"request_id", middleware.GetRequestID(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, r, status, code, message)
}

func mapDomainError(err error) (int, string, string) {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized", "authentication required"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "forbidden", "access denied"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found", "report not found"
	case errors.Is(err, domain.ErrUnknownKind):
		return http.StatusBadRequest, "unknown_kind", err.Error()
	case errors.Is(err, domain.ErrInvalidParams):
		return http.StatusUnprocessableEntity, "invalid_params", err.Error()
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, domain.ErrNotRetryable):
		return http.StatusConflict, "not_retryable", err.Error()
	case errors.Is(err, domain.ErrIdempotencyConflict):
		return http.StatusConflict, "idempotency_conflict", "Idempotency-Key already used with different payload"
	case errors.Is(err, domain.ErrQueueUnavailable):
		return http.StatusServiceUnavailable, "queue_unavailable", "report accepted but could not be scheduled"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func parseOptionalDateTime(value string) (*time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, errInvalidPayload
	}
	return &parsed, nil
}

func formatTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

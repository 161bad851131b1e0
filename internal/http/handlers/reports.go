package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/iago/reporting-back/internal/auth"
	"github.com/iago/reporting-back/internal/domain"
	"github.com/iago/reporting-back/internal/http/middleware"
	"github.com/iago/reporting-back/internal/idempotency"
	"github.com/iago/reporting-back/internal/service"
)

const (
	maxIdempotencyKeyLength = 128
	defaultListPageSize     = 20
	maxListPageSize         = 100
)

func (api *API) SubmitReport(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.RequesterFrom(r.Context())
	if !ok {
		api.writeDomainError(w, r, domain.ErrUnauthorized)
		return
	}

	var request submitRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	request.Kind = strings.TrimSpace(request.Kind)
	if request.Kind == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "kind is required")
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if len(idempotencyKey) > maxIdempotencyKeyLength {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "Idempotency-Key is too long")
		return
	}
	scopedKey := ""
	payloadHash := idempotency.HashPayload(request)
	if idempotencyKey != "" {
		scopedKey = idempotency.ScopedKey(caller.String(), idempotencyKey)
		entry, exists, err := api.idempotency.Get(r.Context(), scopedKey)
		if err != nil {
			api.logger.WarnContext(r.Context(), "idempotency lookup failed", "error", err)
		}
		if exists {
			if entry.PayloadHash != payloadHash {
				api.writeDomainError(w, r, domain.ErrIdempotencyConflict)
				return
			}
			w.Header().Set("Retry-After", pollRetryAfterSeconds)
			writeJSON(w, http.StatusAccepted, submitResponse(entry.Token, domain.ReportStatusQueued, entry.CreatedAt))
			return
		}
	}

	req, err := api.dispatch.Submit(r.Context(), service.SubmitInput{
		Kind:      request.Kind,
		Params:    request.Params,
		Requester: caller,
		RemoteIP:  middleware.ClientIP(r),
	})
	if req != nil && scopedKey != "" {
		api.remember(r, scopedKey, payloadHash, req)
	}
	if err != nil {
		if req != nil && errors.Is(err, domain.ErrQueueUnavailable) {
			status, code, message := mapDomainError(err)
			writeErrorWithToken(w, r, status, code, message, req.Token)
			return
		}
		api.writeDomainError(w, r, err)
		return
	}

	w.Header().Set("Retry-After", pollRetryAfterSeconds)
	writeJSON(w, http.StatusAccepted, submitResponse(req.Token, req.Status, req.CreatedAt))
}

func (api *API) remember(r *http.Request, key string, payloadHash uint64, req *domain.ReportRequest) {
	entry := idempotency.Entry{PayloadHash: payloadHash, Token: req.Token, CreatedAt: req.CreatedAt}
	if _, err := api.idempotency.Put(r.Context(), key, entry); err != nil {
		api.logger.WarnContext(r.Context(), "idempotency store failed",
			"request_id", req.ID,
			"error", err,
		)
	}
}

func submitResponse(token string, status domain.ReportStatus, acceptedAt time.Time) map[string]any {
	return map[string]any{
		"token":       token,
		"status":      status.String(),
		"status_url":  "/v1/reports/" + token,
		"accepted_at": acceptedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (api *API) PollReport(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.RequesterFrom(r.Context())
	if !ok {
		api.writeDomainError(w, r, domain.ErrUnauthorized)
		return
	}

	token := chi.URLParam(r, "token")
	result, err := api.dispatch.Poll(r.Context(), caller, token)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}

	req := result.Request
	response := map[string]any{
		"token":      req.Token,
		"status":     result.Status.String(),
		"kind":       req.Kind,
		"created_at": req.CreatedAt.UTC().Format(time.RFC3339Nano),
	}

	switch result.Status {
	case domain.ReportStatusDone:
		response["download_url"] = result.DownloadURL
		response["expires_at"] = formatTime(result.ExpiresAt)
		response["finished_at"] = formatTime(req.FinishedAt)
		if req.File != nil {
			response["file"] = map[string]any{
				"filename":     req.File.Filename,
				"content_type": req.File.ContentType,
				"size":         req.File.Size,
			}
		}
		writeJSON(w, http.StatusOK, response)
	case domain.ReportStatusFailed:
		response["error"] = result.Error
		response["finished_at"] = formatTime(req.FinishedAt)
		writeJSON(w, http.StatusUnprocessableEntity, response)
	default:
		if req.StartedAt != nil {
			response["started_at"] = formatTime(req.StartedAt)
		}
		w.Header().Set("Retry-After", pollRetryAfterSeconds)
		writeJSON(w, http.StatusOK, response)
	}
}

func (api *API) RetryReport(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.RequesterFrom(r.Context())
	if !ok {
		api.writeDomainError(w, r, domain.ErrUnauthorized)
		return
	}

	req, err := api.dispatch.Retry(r.Context(), caller, chi.URLParam(r, "token"))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}

	w.Header().Set("Retry-After", pollRetryAfterSeconds)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"token":      req.Token,
		"status":     req.Status.String(),
		"status_url": "/v1/reports/" + req.Token,
	})
}

func (api *API) ListReports(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.RequesterFrom(r.Context())
	if !ok {
		api.writeDomainError(w, r, domain.ErrUnauthorized)
		return
	}

	query := r.URL.Query()
	pageSize, _ := strconv.Atoi(query.Get("page_size"))
	if pageSize <= 0 || pageSize > maxListPageSize {
		pageSize = defaultListPageSize
	}
	page := 1
	if rawPage := strings.TrimSpace(query.Get("page")); rawPage != "" {
		parsed, err := strconv.Atoi(rawPage)
		if err != nil || parsed > math.MaxInt32/pageSize {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid page")
			return
		}
		if parsed > 0 {
			page = parsed
		}
	}

	from, err := parseOptionalDateTime(query.Get("from"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid from date")
		return
	}
	to, err := parseOptionalDateTime(query.Get("to"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid to date")
		return
	}

	filter := domain.ReportListFilter{
		Kind:     strings.TrimSpace(query.Get("kind")),
		From:     from,
		To:       to,
		Page:     page,
		PageSize: pageSize,
	}
	if rawStatus := strings.TrimSpace(query.Get("status")); rawStatus != "" {
		status, err := domain.ParseReportStatus(rawStatus)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid status filter")
			return
		}
		filter.Status = &status
	}

	items, total, err := api.dispatch.List(r.Context(), caller, filter)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}

	payloadItems := make([]map[string]any, 0, len(items))
	for _, item := range items {
		entry := map[string]any{
			"token":       item.Token,
			"kind":        item.Kind,
			"status":      item.Status.String(),
			"attempts":    item.Attempts,
			"created_at":  item.CreatedAt.UTC().Format(time.RFC3339Nano),
			"finished_at": formatTime(item.FinishedAt),
		}
		if item.Status == domain.ReportStatusFailed {
			entry["error"] = item.ErrorMessage
		}
		payloadItems = append(payloadItems, entry)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":     payloadItems,
		"page":      page,
		"page_size": pageSize,
		"total":     total,
		"has_next":  page*pageSize < total,
	})
}

func (api *API) ListKinds(w http.ResponseWriter, r *http.Request) {
	kinds := api.dispatch.Kinds()
	items := make([]map[string]any, 0, len(kinds))
	for _, info := range kinds {
		items = append(items, map[string]any{
			"kind":        info.Kind,
			"description": info.Description,
			"has_schema":  info.HasSchema,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

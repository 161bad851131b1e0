package repository

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/iago/reporting-back/internal/domain"
)

var (
	ErrNotFound = domain.ErrNotFound
	// ErrInvalidTransition is returned when a finalize write finds the row outside processing.
	ErrInvalidTransition = errors.New("invalid report status transition")
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
	// maxPage keeps (page-1)*pageSize inside int32 for every allowed page size.
	maxPage = math.MaxInt32 / maxPageSize
)

// ReportsRepository persists report requests. Claim is the only mutual-exclusion
// point between workers: it must flip queued|failed to processing atomically.
type ReportsRepository interface {
	Create(ctx context.Context, req *domain.ReportRequest) error
	Get(ctx context.Context, id string) (*domain.ReportRequest, error)
	GetByToken(ctx context.Context, token string) (*domain.ReportRequest, error)
	Claim(ctx context.Context, id string, startedAt time.Time, serviceName string) (bool, error)
	Complete(ctx context.Context, id string, file domain.Artifact, finishedAt time.Time) error
	Fail(ctx context.Context, id string, message string, finishedAt time.Time) error
	List(ctx context.Context, filter domain.ReportListFilter) ([]*domain.ReportRequest, int, error)
}

// MemoryReportsRepository stores requests in memory for local development and tests.
type MemoryReportsRepository struct {
	mu       sync.RWMutex
	requests map[string]*domain.ReportRequest
	byToken  map[string]string
}

func NewMemoryReportsRepository() *MemoryReportsRepository {
	return &MemoryReportsRepository{
		requests: make(map[string]*domain.ReportRequest),
		byToken:  make(map[string]string),
	}
}

func (r *MemoryReportsRepository) Create(_ context.Context, req *domain.ReportRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byToken[req.Token]; exists {
		return domain.ErrDuplicateToken
	}
	if _, exists := r.requests[req.ID]; exists {
		return errors.New("report request id already exists")
	}
	r.requests[req.ID] = req.Clone()
	r.byToken[req.Token] = req.ID
	return nil
}

func (r *MemoryReportsRepository) Get(_ context.Context, id string) (*domain.ReportRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	req, ok := r.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return req.Clone(), nil
}

func (r *MemoryReportsRepository) GetByToken(_ context.Context, token string) (*domain.ReportRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	return r.requests[id].Clone(), nil
}

func (r *MemoryReportsRepository) Claim(
	_ context.Context,
	id string,
	startedAt time.Time,
	serviceName string,
) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[id]
	if !ok {
		return false, ErrNotFound
	}
	if !req.Status.Claimable() {
		return false, nil
	}

	req.Status = domain.ReportStatusProcessing
	req.StartedAt = &startedAt
	req.FinishedAt = nil
	req.ErrorMessage = ""
	req.ServiceName = serviceName
	req.Attempts++
	req.UpdatedAt = startedAt
	return true, nil
}

func (r *MemoryReportsRepository) Complete(
	_ context.Context,
	id string,
	file domain.Artifact,
	finishedAt time.Time,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[id]
	if !ok {
		return ErrNotFound
	}
	if !req.Status.CanTransitionTo(domain.ReportStatusDone) {
		return ErrInvalidTransition
	}

	req.Status = domain.ReportStatusDone
	req.File = &file
	req.FinishedAt = &finishedAt
	req.UpdatedAt = finishedAt
	return nil
}

func (r *MemoryReportsRepository) Fail(
	_ context.Context,
	id string,
	message string,
	finishedAt time.Time,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[id]
	if !ok {
		return ErrNotFound
	}
	if !req.Status.CanTransitionTo(domain.ReportStatusFailed) {
		return ErrInvalidTransition
	}

	req.Status = domain.ReportStatusFailed
	req.ErrorMessage = domain.TruncateErrorMessage(message)
	req.File = nil
	req.FinishedAt = &finishedAt
	req.UpdatedAt = finishedAt
	return nil
}

func (r *MemoryReportsRepository) List(
	_ context.Context,
	filter domain.ReportListFilter,
) ([]*domain.ReportRequest, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filter = normalizeFilter(filter)

	items := make([]*domain.ReportRequest, 0)
	for _, req := range r.requests {
		if filter.Requester != nil && !req.Requester.Equal(*filter.Requester) {
			continue
		}
		if filter.Status != nil && req.Status != *filter.Status {
			continue
		}
		if filter.Kind != "" && req.Kind != filter.Kind {
			continue
		}
		if filter.From != nil && req.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && req.CreatedAt.After(*filter.To) {
			continue
		}
		if filter.StartedBefore != nil && (req.StartedAt == nil || !req.StartedAt.Before(*filter.StartedBefore)) {
			continue
		}
		items = append(items, req)
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	total := len(items)
	start := (filter.Page - 1) * filter.PageSize
	if start >= total {
		return []*domain.ReportRequest{}, total, nil
	}
	end := start + filter.PageSize
	if end > total {
		end = total
	}

	page := make([]*domain.ReportRequest, 0, end-start)
	for _, req := range items[start:end] {
		page = append(page, req.Clone())
	}
	return page, total, nil
}

func normalizeFilter(filter domain.ReportListFilter) domain.ReportListFilter {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = defaultPageSize
	}
	if filter.PageSize > maxPageSize {
		filter.PageSize = maxPageSize
	}
	if filter.Page > maxPage {
		filter.Page = maxPage
	}
	return filter
}

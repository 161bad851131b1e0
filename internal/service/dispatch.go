package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iago/reporting-back/internal/auth"
	"github.com/iago/reporting-back/internal/domain"
	"github.com/iago/reporting-back/internal/events"
	"github.com/iago/reporting-back/internal/queue"
	"github.com/iago/reporting-back/internal/registry"
	"github.com/iago/reporting-back/internal/repository"
	"github.com/iago/reporting-back/internal/storage"
)

const (
	DefaultDownloadURLTTL = 15 * time.Minute
	maxTokenAttempts      = 3
)

type DispatchConfig struct {
	DownloadURLTTL time.Duration
	ServiceName    string
}

type SubmitInput struct {
	Kind      string
	Params    map[string]any
	Requester domain.RequesterRef
	RemoteIP  string
}

// PollResult is the caller-facing view of a request.
type PollResult struct {
	Request     *domain.ReportRequest
	Status      domain.ReportStatus
	DownloadURL string
	ExpiresAt   *time.Time
	Error       string
}

// DispatchService is the submit/poll boundary in front of the queue.
type DispatchService struct {
	repo       repository.ReportsRepository
	registry   *registry.Registry
	producer   queue.Producer
	blobs      storage.BlobStore
	authorizer auth.AuthorizationChecker
	publisher  events.Publisher
	logger     *slog.Logger
	urlTTL     time.Duration
	source     string
	now        func() time.Time
}

func NewDispatchService(
	repo repository.ReportsRepository,
	reg *registry.Registry,
	producer queue.Producer,
	blobs storage.BlobStore,
	authorizer auth.AuthorizationChecker,
	publisher events.Publisher,
	logger *slog.Logger,
	cfg DispatchConfig,
) *DispatchService {
	if cfg.DownloadURLTTL <= 0 {
		cfg.DownloadURLTTL = DefaultDownloadURLTTL
	}
	if authorizer == nil {
		authorizer = auth.RequesterOnly{}
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DispatchService{
		repo:       repo,
		registry:   reg,
		producer:   producer,
		blobs:      blobs,
		authorizer: authorizer,
		publisher:  publisher,
		logger:     logger,
		urlTTL:     cfg.DownloadURLTTL,
		source:     cfg.ServiceName,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates the kind eagerly, stores a queued request and enqueues it.
// When the queue rejects the message the request is returned together with
// ErrQueueUnavailable; it stays queued and can be re-enqueued through Retry.
func (s *DispatchService) Submit(ctx context.Context, in SubmitInput) (*domain.ReportRequest, error) {
	kind := strings.TrimSpace(in.Kind)
	if kind == "" {
		return nil, fmt.Errorf("%w: kind is required", domain.ErrInvalidInput)
	}
	if !in.Requester.Valid() {
		return nil, fmt.Errorf("%w: requester is required", domain.ErrInvalidInput)
	}
	if err := s.registry.ValidateParams(kind, in.Params); err != nil {
		return nil, err
	}

	now := s.now()
	req := &domain.ReportRequest{
		ID:        uuid.NewString(),
		Kind:      kind,
		Params:    domain.CloneParams(in.Params),
		Requester: in.Requester,
		Status:    domain.ReportStatusQueued,
		RemoteIP:  in.RemoteIP,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.create(ctx, req); err != nil {
		return nil, err
	}

	if err := s.enqueue(ctx, req); err != nil {
		s.logger.ErrorContext(ctx, "enqueue report request",
			"request_id", req.ID,
			"kind", req.Kind,
			"error", err,
		)
		return req, err
	}

	s.logger.InfoContext(ctx, "report request queued", "request_id", req.ID, "kind", req.Kind)
	s.publish(ctx, events.TypeReportQueued, req)
	return req, nil
}

func (s *DispatchService) create(ctx context.Context, req *domain.ReportRequest) error {
	for attempt := 1; attempt <= maxTokenAttempts; attempt++ {
		token, err := domain.NewToken()
		if err != nil {
			return err
		}
		req.Token = token

		err = s.repo.Create(ctx, req)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrDuplicateToken) {
			return fmt.Errorf("create report request: %w", err)
		}
	}
	return fmt.Errorf("create report request: %w", domain.ErrDuplicateToken)
}

// Poll returns the current state of the request behind token. Download URLs are
// minted on each call and only for done requests.
func (s *DispatchService) Poll(ctx context.Context, caller domain.RequesterRef, token string) (PollResult, error) {
	req, err := s.authorizedByToken(ctx, caller, token)
	if err != nil {
		return PollResult{}, err
	}

	result := PollResult{Request: req, Status: req.Status}
	switch req.Status {
	case domain.ReportStatusDone:
		if req.File == nil {
			return PollResult{}, fmt.Errorf("report request %s is done without an artifact", req.ID)
		}
		url, expiresAt, err := s.blobs.SignedURL(ctx, req.File.Key, req.File.Filename, s.urlTTL)
		if err != nil {
			return PollResult{}, fmt.Errorf("sign download url: %w", err)
		}
		result.DownloadURL = url
		result.ExpiresAt = &expiresAt
	case domain.ReportStatusFailed:
		result.Error = req.ErrorMessage
	}
	return result, nil
}

// Retry re-enqueues a failed request, or a queued one whose message was lost.
// The same row and token are reused.
func (s *DispatchService) Retry(ctx context.Context, caller domain.RequesterRef, token string) (*domain.ReportRequest, error) {
	req, err := s.authorizedByToken(ctx, caller, token)
	if err != nil {
		return nil, err
	}
	if !req.Status.Claimable() {
		return nil, fmt.Errorf("%w: status is %s", domain.ErrNotRetryable, req.Status)
	}
	if err := s.enqueue(ctx, req); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "report request re-enqueued",
		"request_id", req.ID,
		"status", req.Status.String(),
	)
	return req, nil
}

// List returns the caller's own requests.
func (s *DispatchService) List(
	ctx context.Context,
	caller domain.RequesterRef,
	filter domain.ReportListFilter,
) ([]*domain.ReportRequest, int, error) {
	if !caller.Valid() {
		return nil, 0, domain.ErrUnauthorized
	}
	filter.Requester = &caller
	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list report requests: %w", err)
	}
	return items, total, nil
}

func (s *DispatchService) Kinds() []registry.KindInfo {
	return s.registry.Kinds()
}

func (s *DispatchService) authorizedByToken(
	ctx context.Context,
	caller domain.RequesterRef,
	token string,
) (*domain.ReportRequest, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, domain.ErrNotFound
	}
	req, err := s.repo.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("load report request: %w", err)
	}
	if !s.authorizer.Authorize(ctx, caller, req) {
		return nil, domain.ErrForbidden
	}
	return req, nil
}

func (s *DispatchService) enqueue(ctx context.Context, req *domain.ReportRequest) error {
	if s.producer == nil {
		return fmt.Errorf("%w: no producer configured", domain.ErrQueueUnavailable)
	}
	message := domain.QueueMessage{
		RequestID:  req.ID,
		Attempt:    0,
		EnqueuedAt: s.now(),
	}
	if err := s.producer.Enqueue(ctx, message); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrQueueUnavailable, err)
	}
	return nil
}

func (s *DispatchService) publish(ctx context.Context, eventType string, req *domain.ReportRequest) {
	if err := s.publisher.Publish(context.WithoutCancel(ctx), events.NewEnvelope(eventType, s.source, req)); err != nil {
		s.logger.WarnContext(ctx, "publish report event",
			"event_type", eventType,
			"request_id", req.ID,
			"error", err,
		)
	}
}

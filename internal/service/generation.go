package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/iago/reporting-back/internal/domain"
	"github.com/iago/reporting-back/internal/events"
	"github.com/iago/reporting-back/internal/registry"
	"github.com/iago/reporting-back/internal/repository"
	"github.com/iago/reporting-back/internal/storage"
)

const (
	defaultFilename    = "report.bin"
	defaultContentType = "application/octet-stream"
	failureWriteBudget = 5 * time.Second
)

// Outcome tells the caller what a Run call did with the request.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeDone
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeFailed:
		return "failed"
	default:
		return "skipped"
	}
}

type GenerationConfig struct {
	// ServiceName is recorded on every request this process claims.
	ServiceName string
	// Timeout bounds a single generator invocation. Zero means no limit.
	Timeout time.Duration
}

// GenerationService executes one queued report request end to end.
type GenerationService struct {
	repo        repository.ReportsRepository
	registry    *registry.Registry
	blobs       storage.BlobStore
	publisher   events.Publisher
	logger      *slog.Logger
	serviceName string
	timeout     time.Duration
	now         func() time.Time
}

func NewGenerationService(
	repo repository.ReportsRepository,
	reg *registry.Registry,
	blobs storage.BlobStore,
	publisher events.Publisher,
	logger *slog.Logger,
	cfg GenerationConfig,
) *GenerationService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerationService{
		repo:        repo,
		registry:    reg,
		blobs:       blobs,
		publisher:   publisher,
		logger:      logger,
		serviceName: cfg.ServiceName,
		timeout:     cfg.Timeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run processes the request identified by requestID.
//
// A missing request is returned as a plain error: nothing can be recorded for it.
// Requests that are already processing or done are skipped without effect, so
// redelivery is safe. Any generation failure is recorded on the request and then
// returned as *domain.GenerationError so the queue can account for it.
func (s *GenerationService) Run(ctx context.Context, requestID string) (Outcome, error) {
	req, err := s.repo.Get(ctx, requestID)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("load report request %s: %w", requestID, err)
	}
	if !req.Status.Claimable() {
		s.logger.DebugContext(ctx, "report request not eligible",
			"request_id", req.ID,
			"status", req.Status.String(),
		)
		return OutcomeSkipped, nil
	}

	startedAt := s.now()
	claimed, err := s.repo.Claim(ctx, req.ID, startedAt, s.serviceName)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("claim report request %s: %w", req.ID, err)
	}
	if !claimed {
		s.logger.DebugContext(ctx, "report request claimed elsewhere", "request_id", req.ID)
		return OutcomeSkipped, nil
	}
	req.Status = domain.ReportStatusProcessing
	req.StartedAt = &startedAt
	req.Attempts++

	artifact, genErr := s.generate(ctx, req)
	if genErr == nil {
		finishedAt := s.now()
		err := s.repo.Complete(ctx, req.ID, artifact, finishedAt)
		if err == nil {
			req.Status = domain.ReportStatusDone
			req.File = &artifact
			req.FinishedAt = &finishedAt
			s.logger.InfoContext(ctx, "report generated",
				"request_id", req.ID,
				"kind", req.Kind,
				"size", artifact.Size,
				"duration_ms", finishedAt.Sub(startedAt).Milliseconds(),
			)
			s.publish(ctx, events.TypeReportCompleted, req)
			return OutcomeDone, nil
		}
		genErr = fmt.Errorf("finalize report: %w", err)
		s.discardArtifact(ctx, artifact.Key)
	}

	s.recordFailure(ctx, req, genErr)
	return OutcomeFailed, &domain.GenerationError{RequestID: req.ID, Kind: req.Kind, Err: genErr}
}

func (s *GenerationService) generate(ctx context.Context, req *domain.ReportRequest) (domain.Artifact, error) {
	generator, err := s.registry.Resolve(req.Kind)
	if err != nil {
		return domain.Artifact{}, err
	}

	genCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	meta := registry.Meta{RequestID: req.ID, Kind: req.Kind, Requester: req.Requester}
	output, err := invokeGenerator(genCtx, generator, domain.CloneParams(req.Params), meta)
	if err != nil {
		return domain.Artifact{}, err
	}
	if closer, ok := output.Body.(io.Closer); ok {
		defer closer.Close()
	}

	filename := strings.TrimSpace(output.Filename)
	if filename == "" {
		filename = defaultFilename
	}
	contentType := strings.TrimSpace(output.ContentType)
	if contentType == "" {
		contentType = defaultContentType
	}

	object, err := s.blobs.Put(genCtx, storage.ObjectKey(req.ID, filename), output.Body, contentType)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("store artifact: %w", err)
	}
	if err := genCtx.Err(); err != nil {
		s.discardArtifact(ctx, object.Key)
		return domain.Artifact{}, fmt.Errorf("generation timed out: %w", err)
	}

	return domain.Artifact{
		Key:         object.Key,
		Filename:    filename,
		ContentType: contentType,
		Size:        object.Size,
		Checksum:    object.Checksum,
	}, nil
}

type generatorResult struct {
	output registry.Output
	err    error
}

// invokeGenerator runs the generator in its own goroutine so a timeout surfaces
// even when the generator ignores ctx, and turns panics into errors.
func invokeGenerator(
	ctx context.Context,
	generator registry.Generator,
	params map[string]any,
	meta registry.Meta,
) (registry.Output, error) {
	results := make(chan generatorResult, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				results <- generatorResult{err: fmt.Errorf("generator panic: %v\n%s", recovered, debug.Stack())}
			}
		}()
		output, err := generator.Generate(ctx, params, meta)
		results <- generatorResult{output: output, err: err}
	}()

	select {
	case result := <-results:
		if result.err != nil {
			return registry.Output{}, result.err
		}
		if result.output.Body == nil {
			return registry.Output{}, errors.New("generator returned no body")
		}
		return result.output, nil
	case <-ctx.Done():
		go closeLateOutput(results)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return registry.Output{}, fmt.Errorf("generation timed out: %w", ctx.Err())
		}
		return registry.Output{}, fmt.Errorf("generation aborted: %w", ctx.Err())
	}
}

// closeLateOutput waits for an abandoned generator and releases its body.
func closeLateOutput(results <-chan generatorResult) {
	late := <-results
	if closer, ok := late.output.Body.(io.Closer); ok {
		_ = closer.Close()
	}
}

// recordFailure writes the failed state. Errors here are logged and dropped so
// they never replace the generation error returned to the queue.
func (s *GenerationService) recordFailure(ctx context.Context, req *domain.ReportRequest, cause error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteBudget)
	defer cancel()

	message := failureMessage(cause)
	finishedAt := s.now()
	if err := s.repo.Fail(writeCtx, req.ID, message, finishedAt); err != nil {
		s.logger.ErrorContext(ctx, "record report failure",
			"request_id", req.ID,
			"kind", req.Kind,
			"cause", cause,
			"error", err,
		)
		return
	}

	req.Status = domain.ReportStatusFailed
	req.ErrorMessage = domain.TruncateErrorMessage(message)
	req.FinishedAt = &finishedAt
	req.File = nil
	s.logger.WarnContext(ctx, "report generation failed",
		"request_id", req.ID,
		"kind", req.Kind,
		"attempts", req.Attempts,
		"error", cause,
	)
	s.publish(writeCtx, events.TypeReportFailed, req)
}

func (s *GenerationService) discardArtifact(ctx context.Context, key string) {
	deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteBudget)
	defer cancel()
	if err := s.blobs.Delete(deleteCtx, key); err != nil {
		s.logger.WarnContext(ctx, "discard orphaned artifact", "key", key, "error", err)
	}
}

func (s *GenerationService) publish(ctx context.Context, eventType string, req *domain.ReportRequest) {
	publishCtx := context.WithoutCancel(ctx)
	if err := s.publisher.Publish(publishCtx, events.NewEnvelope(eventType, s.serviceName, req)); err != nil {
		s.logger.WarnContext(ctx, "publish report event",
			"event_type", eventType,
			"request_id", req.ID,
			"error", err,
		)
	}
}

// failureMessage keeps the human readable part of an error; panic stacks stay in logs.
func failureMessage(err error) string {
	if err == nil {
		return ""
	}
	message := err.Error()
	if idx := strings.IndexByte(message, '\n'); idx >= 0 {
		message = message[:idx]
	}
	return message
}

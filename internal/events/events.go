package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/iago/reporting-back/internal/domain"
	"github.com/iago/reporting-back/internal/redact"
)

const (
	TypeReportQueued    = "report.queued"
	TypeReportCompleted = "report.completed"
	TypeReportFailed    = "report.failed"
)

// Envelope is the wire shape of a lifecycle event.
type Envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Source     string          `json:"source"`
	Data       ReportEventData `json:"data"`
}

type ReportEventData struct {
	RequestID    string              `json:"request_id"`
	Token        string              `json:"token,omitempty"`
	Kind         string              `json:"kind"`
	Status       domain.ReportStatus `json:"status"`
	Requester    domain.RequesterRef `json:"requester"`
	ErrorMessage string              `json:"error_message,omitempty"`
	Attempts     int                 `json:"attempts,omitempty"`
	File         *domain.Artifact    `json:"file,omitempty"`
}

// Publisher delivers lifecycle events. Publishing is best-effort: callers log
// failures and never roll back state because of them.
type Publisher interface {
	Publish(ctx context.Context, event Envelope) error
}

// NewEnvelope snapshots req. Error messages are redacted since events leave the process.
func NewEnvelope(eventType, source string, req *domain.ReportRequest) Envelope {
	return Envelope{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
		Source:     source,
		Data: ReportEventData{
			RequestID:    req.ID,
			Token:        req.Token,
			Kind:         req.Kind,
			Status:       req.Status,
			Requester:    req.Requester,
			ErrorMessage: redact.String(req.ErrorMessage),
			Attempts:     req.Attempts,
			File:         req.File,
		},
	}
}

func (e Envelope) Marshal() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.EventType, err)
	}
	return raw, nil
}

// LoggingPublisher writes events to the structured log. Used when no broker is configured.
type LoggingPublisher struct {
	logger *slog.Logger
}

func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(ctx context.Context, event Envelope) error {
	p.logger.InfoContext(ctx, "report event",
		"event_id", event.EventID,
		"event_type", event.EventType,
		"request_id", event.Data.RequestID,
		"kind", event.Data.Kind,
		"status", event.Data.Status.String(),
	)
	return nil
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Envelope) error { return nil }

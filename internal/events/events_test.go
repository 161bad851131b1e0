package events

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/iago/reporting-back/internal/domain"
)

func TestEnvelopeMarshalUsesStatusNames(t *testing.T) {
	req := &domain.ReportRequest{
		ID:           "req-1",
		Token:        "tok",
		Kind:         "sales",
		Status:       domain.ReportStatusFailed,
		Requester:    domain.RequesterRef{Type: "user", ID: "u1"},
		ErrorMessage: "DB timeout",
	}
	event := NewEnvelope(TypeReportFailed, "reporting-back", req)
	if event.EventID == "" || event.OccurredAt.IsZero() {
		t.Fatalf("expected generated id and timestamp, got %+v", event)
	}

	raw, err := event.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	data := decoded["data"].(map[string]any)
	if decoded["event_type"] != TypeReportFailed || data["status"] != "failed" || data["error_message"] != "DB timeout" {
		t.Fatalf("unexpected payload %s", raw)
	}
}

func TestLoggingPublisherWritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	publisher := NewLoggingPublisher(logger)

	req := &domain.ReportRequest{ID: "req-9", Kind: "sales", Status: domain.ReportStatusDone}
	if err := publisher.Publish(context.Background(), NewEnvelope(TypeReportCompleted, "svc", req)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	line := buf.String()
	for _, want := range []string{`"event_type":"report.completed"`, `"request_id":"req-9"`, `"status":"done"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %s in log line %s", want, line)
		}
	}
}

func TestNewKafkaPublisherValidatesConfig(t *testing.T) {
	if _, err := NewKafkaPublisher(nil, "reports.events"); err == nil {
		t.Fatalf("expected error without brokers")
	}
	if _, err := NewKafkaPublisher([]string{"localhost:9092"}, " "); err == nil {
		t.Fatalf("expected error without topic")
	}
	publisher, err := NewKafkaPublisher([]string{"localhost:9092"}, "reports.events")
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	if err := publisher.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

package domain

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestReportStatusOrdinalsAreStable(t *testing.T) {
	cases := map[ReportStatus]int{
		ReportStatusQueued:     0,
		ReportStatusProcessing: 1,
		ReportStatusDone:       2,
		ReportStatusFailed:     3,
	}
	for status, ordinal := range cases {
		if int(status) != ordinal {
			t.Fatalf("expected %s to have ordinal %d, got %d", status, ordinal, int(status))
		}
	}
}

func TestReportStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to ReportStatus
		allowed  bool
	}{
		{ReportStatusQueued, ReportStatusProcessing, true},
		{ReportStatusFailed, ReportStatusProcessing, true},
		{ReportStatusProcessing, ReportStatusDone, true},
		{ReportStatusProcessing, ReportStatusFailed, true},
		{ReportStatusProcessing, ReportStatusQueued, false},
		{ReportStatusQueued, ReportStatusDone, false},
		{ReportStatusQueued, ReportStatusFailed, false},
		{ReportStatusDone, ReportStatusProcessing, false},
		{ReportStatusProcessing, ReportStatusProcessing, false},
		{ReportStatusDone, ReportStatusFailed, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.allowed {
			t.Fatalf("%s -> %s: expected allowed=%v, got %v", tc.from, tc.to, tc.allowed, got)
		}
	}
}

func TestReportStatusJSONRoundTripUsesNames(t *testing.T) {
	encoded, err := json.Marshal(map[string]ReportStatus{"status": ReportStatusFailed})
	if err != nil {
		t.Fatalf("marshal status: %v", err)
	}
	if string(encoded) != `{"status":"failed"}` {
		t.Fatalf("unexpected encoding %s", encoded)
	}

	var decoded struct {
		Status ReportStatus `json:"status"`
	}
	if err := json.Unmarshal([]byte(`{"status":"Processing"}`), &decoded); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if decoded.Status != ReportStatusProcessing {
		t.Fatalf("expected processing, got %s", decoded.Status)
	}

	if _, err := ParseReportStatus("pending"); err == nil {
		t.Fatalf("expected unknown status to fail parsing")
	}
}

func TestNewTokenIsURLSafeAndUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		token, err := NewToken()
		if err != nil {
			t.Fatalf("new token: %v", err)
		}
		raw, err := base64.RawURLEncoding.DecodeString(token)
		if err != nil {
			t.Fatalf("token %q is not raw url base64: %v", token, err)
		}
		if len(raw) < 32 {
			t.Fatalf("expected at least 32 bytes of entropy, got %d", len(raw))
		}
		if _, dup := seen[token]; dup {
			t.Fatalf("duplicate token generated: %s", token)
		}
		seen[token] = struct{}{}
	}
}

func TestTruncateErrorMessage(t *testing.T) {
	if got := TruncateErrorMessage("   "); got == "" {
		t.Fatalf("expected fallback message for blank error")
	}
	if got := TruncateErrorMessage("DB timeout"); got != "DB timeout" {
		t.Fatalf("expected short message unchanged, got %q", got)
	}

	long := strings.Repeat("é", MaxErrorMessageLength)
	got := TruncateErrorMessage(long)
	if len(got) > MaxErrorMessageLength {
		t.Fatalf("expected at most %d bytes, got %d", MaxErrorMessageLength, len(got))
	}
	if !strings.HasPrefix(long, got) || strings.ContainsRune(got, '�') {
		t.Fatalf("truncation split a rune")
	}
}

func TestReportRequestCloneIsDeep(t *testing.T) {
	startedAt := time.Now().UTC()
	original := &ReportRequest{
		ID:        "req-1",
		Params:    map[string]any{"filters": map[string]any{"month": "2024-01"}, "ids": []any{"a"}},
		StartedAt: &startedAt,
		File:      &Artifact{Key: "k", Filename: "a.csv"},
	}

	clone := original.Clone()
	clone.Params["filters"].(map[string]any)["month"] = "2024-02"
	clone.Params["ids"].([]any)[0] = "b"
	clone.File.Filename = "b.csv"
	*clone.StartedAt = startedAt.Add(time.Hour)

	if original.Params["filters"].(map[string]any)["month"] != "2024-01" {
		t.Fatalf("nested map shared between clone and original")
	}
	if original.Params["ids"].([]any)[0] != "a" {
		t.Fatalf("slice shared between clone and original")
	}
	if original.File.Filename != "a.csv" || !original.StartedAt.Equal(startedAt) {
		t.Fatalf("pointer fields shared between clone and original")
	}
}

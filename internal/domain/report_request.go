package domain

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ReportStatus values are persisted as integers; the ordinals must never change.
type ReportStatus int

const (
	ReportStatusQueued ReportStatus = iota
	ReportStatusProcessing
	ReportStatusDone
	ReportStatusFailed
)

const (
	tokenEntropyBytes     = 32
	MaxErrorMessageLength = 1024
)

var reportStatusNames = map[ReportStatus]string{
	ReportStatusQueued:     "queued",
	ReportStatusProcessing: "processing",
	ReportStatusDone:       "done",
	ReportStatusFailed:     "failed",
}

func (s ReportStatus) String() string {
	if name, ok := reportStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s ReportStatus) Valid() bool {
	_, ok := reportStatusNames[s]
	return ok
}

// Claimable reports whether a generation attempt may start from this status.
func (s ReportStatus) Claimable() bool {
	return s == ReportStatusQueued || s == ReportStatusFailed
}

// CanTransitionTo encodes the lifecycle: queued|failed -> processing -> done|failed.
func (s ReportStatus) CanTransitionTo(next ReportStatus) bool {
	switch next {
	case ReportStatusProcessing:
		return s.Claimable()
	case ReportStatusDone, ReportStatusFailed:
		return s == ReportStatusProcessing
	default:
		return false
	}
}

func (s ReportStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid report status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *ReportStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseReportStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func ParseReportStatus(value string) (ReportStatus, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for status, name := range reportStatusNames {
		if name == normalized {
			return status, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, value)
}

// RequesterRef points at the identity that created a request. Type discriminates
// between identity kinds owned by the host (user, service account, ...).
type RequesterRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (r RequesterRef) Valid() bool {
	return strings.TrimSpace(r.Type) != "" && strings.TrimSpace(r.ID) != ""
}

func (r RequesterRef) Equal(other RequesterRef) bool {
	return r.Type == other.Type && r.ID == other.ID
}

func (r RequesterRef) String() string {
	return r.Type + ":" + r.ID
}

// Artifact describes a generated file stored in the blob store.
type Artifact struct {
	Key         string `json:"key"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum,omitempty"`
}

// ReportRequest is the durable record of one report generation request.
type ReportRequest struct {
	ID           string
	Token        string
	Kind         string
	Params       map[string]any
	Requester    RequesterRef
	Status       ReportStatus
	ErrorMessage string
	ServiceName  string
	RemoteIP     string
	Attempts     int
	StartedAt    *time.Time
	FinishedAt   *time.Time
	File         *Artifact
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (r *ReportRequest) Clone() *ReportRequest {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Params = CloneParams(r.Params)
	if r.StartedAt != nil {
		startedAt := *r.StartedAt
		clone.StartedAt = &startedAt
	}
	if r.FinishedAt != nil {
		finishedAt := *r.FinishedAt
		clone.FinishedAt = &finishedAt
	}
	if r.File != nil {
		file := *r.File
		clone.File = &file
	}
	return &clone
}

// QueueMessage is the unit of work handed to queue backends.
type QueueMessage struct {
	RequestID  string    `json:"request_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type ReportListFilter struct {
	Requester     *RequesterRef
	Status        *ReportStatus
	Kind          string
	From          *time.Time
	To            *time.Time
	StartedBefore *time.Time
	Page          int
	PageSize      int
}

// NewToken returns an unguessable URL-safe token with 32 bytes of entropy.
func NewToken() (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random token bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// TruncateErrorMessage bounds stored error messages without splitting a UTF-8 rune.
func TruncateErrorMessage(message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		return "report generation failed"
	}
	if len(message) <= MaxErrorMessageLength {
		return message
	}
	cut := MaxErrorMessageLength
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}

// CloneParams deep-copies JSON-compatible values.
func CloneParams(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	clone := make(map[string]any, len(params))
	for key, value := range params {
		clone[key] = cloneValue(value)
	}
	return clone
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return CloneParams(typed)
	case []any:
		items := make([]any, len(typed))
		for i, item := range typed {
			items[i] = cloneValue(item)
		}
		return items
	default:
		return typed
	}
}

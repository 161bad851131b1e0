package storage

import (
	"context"
	"errors"
	"io"
	"mime"
	"path"
	"strings"
	"time"
)

var (
	ErrObjectNotFound   = errors.New("object not found")
	ErrInvalidSignature = errors.New("invalid download signature")
)

// Object describes a stored blob after a successful Put.
type Object struct {
	Key         string
	ContentType string
	Size        int64
	Checksum    string
}

// BlobStore is the artifact store. SignedURL must not require the caller to hold
// credentials for the store itself.
type BlobStore interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) (Object, error)
	SignedURL(ctx context.Context, key, filename string, ttl time.Duration) (string, time.Time, error)
	Delete(ctx context.Context, key string) error
}

// ObjectKey builds the storage key for a request artifact.
func ObjectKey(requestID, filename string) string {
	return path.Join("reports", requestID, SanitizeFilename(filename))
}

// SanitizeFilename keeps the base name and replaces anything outside a safe set.
func SanitizeFilename(filename string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	if base == "." || base == "/" || base == "" {
		return "report.bin"
	}

	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	sanitized := strings.TrimLeft(b.String(), ".")
	if sanitized == "" {
		return "report.bin"
	}
	return sanitized
}

// ContentDisposition is the attachment header value for filename.
func ContentDisposition(filename string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": SanitizeFilename(filename)})
}

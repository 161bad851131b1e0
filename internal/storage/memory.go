package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type memoryBlob struct {
	data        []byte
	contentType string
}

type downloadClaims struct {
	Filename string `json:"filename"`
	jwt.RegisteredClaims
}

// MemoryBlobStore keeps artifacts in process and signs download links with an
// HMAC JWT. The links are served by the API's download route.
type MemoryBlobStore struct {
	mu      sync.RWMutex
	blobs   map[string]memoryBlob
	baseURL string
	secret  []byte
	now     func() time.Time
}

func NewMemoryBlobStore(baseURL string, secret string) *MemoryBlobStore {
	return &MemoryBlobStore{
		blobs:   make(map[string]memoryBlob),
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		now:     time.Now,
	}
}

func (s *MemoryBlobStore) Put(_ context.Context, key string, body io.Reader, contentType string) (Object, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return Object{}, fmt.Errorf("read artifact body: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	sum := sha256.Sum256(data)

	s.mu.Lock()
	s.blobs[key] = memoryBlob{data: data, contentType: contentType}
	s.mu.Unlock()

	return Object{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		Checksum:    hex.EncodeToString(sum[:]),
	}, nil
}

func (s *MemoryBlobStore) SignedURL(_ context.Context, key, filename string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("signed url ttl must be positive")
	}
	s.mu.RLock()
	_, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return "", time.Time{}, ErrObjectNotFound
	}

	issuedAt := s.now()
	expiresAt := issuedAt.Add(ttl).Truncate(time.Second)
	claims := downloadClaims{
		Filename: SanitizeFilename(filename),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   key,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signature, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign download url: %w", err)
	}

	query := url.Values{}
	query.Set("expires", strconv.FormatInt(expiresAt.Unix(), 10))
	query.Set("signature", signature)
	return s.baseURL + "/v1/downloads/" + key + "?" + query.Encode(), expiresAt, nil
}

// Verify checks that signature authorizes a download of key and returns the
// filename it was minted for.
func (s *MemoryBlobStore) Verify(key, signature string) (string, error) {
	claims := &downloadClaims{}
	token, err := jwt.ParseWithClaims(signature, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", ErrInvalidSignature
	}
	if claims.Subject != key {
		return "", ErrInvalidSignature
	}
	return claims.Filename, nil
}

func (s *MemoryBlobStore) Get(_ context.Context, key string) (io.Reader, string, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, "", ErrObjectNotFound
	}
	return bytes.NewReader(blob.data), blob.contentType, nil
}

func (s *MemoryBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return ErrObjectNotFound
	}
	delete(s.blobs, key)
	return nil
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}

package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/iago/reporting-back/internal/domain"
)

const defaultRequesterType = "user"

// IdentityResolver extracts the calling identity from an HTTP request.
type IdentityResolver interface {
	Resolve(r *http.Request) (domain.RequesterRef, error)
}

// Claims is the bearer token payload. Subject is the requester id and
// RequesterType selects the identity kind.
type Claims struct {
	RequesterType string `json:"rtyp,omitempty"`
	jwt.RegisteredClaims
}

// JWTIdentityResolver validates HS256 bearer tokens.
type JWTIdentityResolver struct {
	secret []byte
	now    func() time.Time
}

func NewJWTIdentityResolver(secret string) *JWTIdentityResolver {
	return &JWTIdentityResolver{secret: []byte(secret), now: time.Now}
}

func (j *JWTIdentityResolver) Resolve(r *http.Request) (domain.RequesterRef, error) {
	raw, ok := bearerToken(r)
	if !ok {
		return domain.RequesterRef{}, fmt.Errorf("%w: missing bearer token", domain.ErrUnauthorized)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	}, jwt.WithTimeFunc(j.now), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return domain.RequesterRef{}, fmt.Errorf("%w: invalid token", domain.ErrUnauthorized)
	}

	requesterType := strings.TrimSpace(claims.RequesterType)
	if requesterType == "" {
		requesterType = defaultRequesterType
	}
	ref := domain.RequesterRef{Type: requesterType, ID: strings.TrimSpace(claims.Subject)}
	if !ref.Valid() {
		return domain.RequesterRef{}, fmt.Errorf("%w: token has no subject", domain.ErrUnauthorized)
	}
	return ref, nil
}

// Issue signs a token for ref. Used by tooling and tests.
func (j *JWTIdentityResolver) Issue(ref domain.RequesterRef, ttl time.Duration) (string, error) {
	now := j.now()
	claims := Claims{
		RequesterType: ref.Type,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ref.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("sign identity token: %w", err)
	}
	return signed, nil
}

// HeaderIdentityResolver trusts X-Requester-Type / X-Requester-Id. Only meant
// for local development or behind a gateway that sets those headers.
type HeaderIdentityResolver struct{}

func (HeaderIdentityResolver) Resolve(r *http.Request) (domain.RequesterRef, error) {
	ref := domain.RequesterRef{
		Type: strings.TrimSpace(r.Header.Get("X-Requester-Type")),
		ID:   strings.TrimSpace(r.Header.Get("X-Requester-Id")),
	}
	if ref.Type == "" {
		ref.Type = defaultRequesterType
	}
	if !ref.Valid() {
		return domain.RequesterRef{}, fmt.Errorf("%w: missing requester headers", domain.ErrUnauthorized)
	}
	return ref, nil
}

func bearerToken(r *http.Request) (string, bool) {
	authorization := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(authorization, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authorization, prefix))
	return token, token != ""
}

type contextKey string

const requesterContextKey contextKey = "requester"

func WithRequester(ctx context.Context, ref domain.RequesterRef) context.Context {
	return context.WithValue(ctx, requesterContextKey, ref)
}

func RequesterFrom(ctx context.Context) (domain.RequesterRef, bool) {
	ref, ok := ctx.Value(requesterContextKey).(domain.RequesterRef)
	return ref, ok && ref.Valid()
}

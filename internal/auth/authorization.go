package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/iago/reporting-back/internal/domain"
)

// AuthorizationChecker decides whether caller may see req.
type AuthorizationChecker interface {
	Authorize(ctx context.Context, caller domain.RequesterRef, req *domain.ReportRequest) bool
}

type AuthorizerFunc func(ctx context.Context, caller domain.RequesterRef, req *domain.ReportRequest) bool

func (f AuthorizerFunc) Authorize(ctx context.Context, caller domain.RequesterRef, req *domain.ReportRequest) bool {
	return f(ctx, caller, req)
}

// RequesterOnly allows access to the identity that created the request.
type RequesterOnly struct{}

func (RequesterOnly) Authorize(_ context.Context, caller domain.RequesterRef, req *domain.ReportRequest) bool {
	return req != nil && caller.Valid() && caller.Equal(req.Requester)
}

type AllowAll struct{}

func (AllowAll) Authorize(context.Context, domain.RequesterRef, *domain.ReportRequest) bool {
	return true
}

func NewAuthorizationChecker(mode string) (AuthorizationChecker, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "requester":
		return RequesterOnly{}, nil
	case "allow_all":
		return AllowAll{}, nil
	default:
		return nil, fmt.Errorf("unknown authorization mode %q", mode)
	}
}

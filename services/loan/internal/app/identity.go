package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ebooklib/internal/usertoken"
	"ebooklib/pkg/domain"
	"ebooklib/services/loan/internal/authclient"
)

// Authenticator resolves the caller of a borrow request.
// claimedUserID is the userId the caller put in the request body.
type Authenticator interface {
	Authenticate(ctx context.Context, token, claimedUserID string) (domain.Identity, error)
}

// TokenVerifier is satisfied by the user service client and the local JWKS verifier.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (domain.Identity, error)
}

// TokenAuthenticator requires a bearer token and ignores any claimed user id.
type TokenAuthenticator struct {
	Verifier TokenVerifier
}

func (a TokenAuthenticator) Authenticate(ctx context.Context, token, _ string) (domain.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Identity{}, ErrUnauthorized
	}
	id, err := a.Verifier.Verify(ctx, token)
	if err != nil {
		if errors.Is(err, authclient.ErrUnauthorized) || errors.Is(err, usertoken.ErrInvalidToken) {
			return domain.Identity{}, ErrUnauthorized
		}
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	return id, nil
}

// DefaultTrustedUserID is the borrower when verification is off and the body names nobody.
const DefaultTrustedUserID = "dev-user"

// TrustedCaller skips verification and believes the claimed user id.
// Only development and test deployments may select it.
type TrustedCaller struct {
	DefaultUserID string
}

func (c TrustedCaller) Authenticate(_ context.Context, _ string, claimedUserID string) (domain.Identity, error) {
	userID := strings.TrimSpace(claimedUserID)
	if userID == "" {
		userID = c.DefaultUserID
	}
	if userID == "" {
		userID = DefaultTrustedUserID
	}
	return domain.Identity{Subject: userID, Role: domain.RoleAdmin}, nil
}

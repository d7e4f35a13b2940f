package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"versehub/api/internal/apperr"
	"versehub/api/internal/auth"
	"versehub/api/internal/identity"
	"versehub/api/internal/util"
)

type Session struct {
	Token     string             `json:"token"`
	ExpiresAt time.Time          `json:"expiresAt"`
	Principal identity.Principal `json:"principal"`
}

// IssueSession exchanges an identity provider assertion for a bearer token.
// Assertions use the token format signed with the provider secret, and each
// one is accepted once.
func (s *Service) IssueSession(ctx context.Context, assertion string) (Session, error) {
	if len(s.providerSecret) == 0 {
		return Session{}, auth.ErrInvalidToken
	}
	asserted, err := auth.ParseToken(s.providerSecret, strings.TrimSpace(assertion))
	if err != nil {
		return Session{}, err
	}
	if !asserted.ExpiresAt().After(s.now()) {
		return Session{}, auth.ErrExpiredToken
	}
	used, err := s.revocations.IsRevoked(ctx, asserted.JTI)
	if err != nil {
		return Session{}, apperr.External("SESSION_STORE_UNAVAILABLE", "could not check assertion replay", err)
	}
	if used {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.revocations.Revoke(ctx, asserted.JTI, asserted.ExpiresAt()); err != nil {
		return Session{}, apperr.External("SESSION_STORE_UNAVAILABLE", "could not record assertion", err)
	}

	principal := asserted.Principal()
	principal.ID = strings.TrimSpace(principal.ID)
	principal.DisplayName = strings.TrimSpace(principal.DisplayName)
	principal.Email = strings.TrimSpace(principal.Email)
	if principal.IsZero() {
		return Session{}, apperr.Validation("PRINCIPAL_ID_REQUIRED", "principal id is required")
	}
	if principal.DisplayName == "" {
		principal.DisplayName = principal.ID
	}
	claims := auth.ClaimsFor(principal, util.NewID("jti"), s.now(), s.tokenTTL)
	token, err := auth.IssueToken(s.tokenSecret, claims)
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	return Session{Token: token, ExpiresAt: claims.ExpiresAt(), Principal: principal}, nil
}

// Authenticate verifies a bearer token and checks it has not been revoked.
func (s *Service) Authenticate(ctx context.Context, token string) (identity.Principal, auth.Claims, error) {
	claims, err := auth.ParseToken(s.tokenSecret, token)
	if err != nil {
		return identity.Principal{}, auth.Claims{}, err
	}
	if !claims.ExpiresAt().After(s.now()) {
		return identity.Principal{}, auth.Claims{}, auth.ErrExpiredToken
	}
	revoked, err := s.revocations.IsRevoked(ctx, claims.JTI)
	if err != nil {
		return identity.Principal{}, auth.Claims{}, apperr.External("SESSION_STORE_UNAVAILABLE", "could not check token revocation", err)
	}
	if revoked {
		return identity.Principal{}, auth.Claims{}, auth.ErrInvalidToken
	}
	return claims.Principal(), claims, nil
}

// Logout revokes the token until it would have expired anyway.
func (s *Service) Logout(ctx context.Context, claims auth.Claims) error {
	if err := s.revocations.Revoke(ctx, claims.JTI, claims.ExpiresAt()); err != nil {
		return apperr.External("SESSION_STORE_UNAVAILABLE", "could not revoke token", err)
	}
	return nil
}

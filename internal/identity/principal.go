// Package identity holds the acting principal supplied by the external
// identity provider. Credentials are never validated here.
package identity

import (
	"context"
	"strings"
)

type Principal struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
}

func (p Principal) IsZero() bool {
	return strings.TrimSpace(p.ID) == ""
}

type contextKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	if !ok || p.IsZero() {
		return Principal{}, false
	}
	return p, true
}

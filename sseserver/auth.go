package sseserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthorized is returned by an Authenticator when the request carries
// no acceptable credential.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator is the narrow seam for protecting the HTTP surface. The
// bridge treats credentials as opaque; implementations decide what a valid
// request looks like. When no Authenticator is configured every request is
// admitted, matching the reference deployment.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, r *http.Request) error
}

// StaticTokenAuthenticator admits requests bearing a fixed token. Intended
// for closed deployments and tests; anything more belongs in a real
// Authenticator implementation.
type StaticTokenAuthenticator struct {
	token string
}

// NewStaticTokenAuthenticator builds an authenticator around one shared
// bearer token.
func NewStaticTokenAuthenticator(token string) *StaticTokenAuthenticator {
	return &StaticTokenAuthenticator{token: token}
}

func (a *StaticTokenAuthenticator) CheckAuthentication(ctx context.Context, r *http.Request) error {
	const bearerPrefix = "Bearer "
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return ErrUnauthorized
	}
	tok := strings.TrimSpace(header[len(bearerPrefix):])
	if subtle.ConstantTimeCompare([]byte(tok), []byte(a.token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

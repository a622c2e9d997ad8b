// Package identity resolves a user identity from a WebSocket handshake
// request. Absent or invalid identity is not an error condition for the
// connection itself: the caller keeps the socket open as anonymous, excluded
// from presence registration and direct delivery.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// ErrNoIdentity means the handshake carried no resolvable user identity.
var ErrNoIdentity = errors.New("identity: no resolvable user identity")

// Resolver extracts the user id from an incoming handshake request.
type Resolver interface {
	Resolve(r *http.Request) (string, error)
}

// tokenClaims extends the registered claims with the username claim issued
// by the identity provider.
type tokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
}

// JWTResolver validates handshake tokens against a JWKS endpoint.
type JWTResolver struct {
	jwks   *keyfunc.JWKS
	issuer string
}

// NewJWTResolver fetches and caches the JWKS key set, retrying while the
// identity provider is still starting. If issuer is non-empty, tokens must
// carry it.
func NewJWTResolver(jwksURL, issuer string) (*JWTResolver, error) {
	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:               context.Background(),
			RefreshInterval:   5 * time.Minute,
			RefreshRateLimit:  time.Minute,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				slog.Error("JWKS refresh error", "error", err)
			},
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for JWKS endpoint", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS after retries: %w", err)
	}
	slog.Info("JWKS loaded", "url", jwksURL)
	return &JWTResolver{jwks: jwks, issuer: issuer}, nil
}

// Resolve validates the bearer token from the Authorization header or the
// "token" query parameter and returns the username it identifies.
func (v *JWTResolver) Resolve(r *http.Request) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		return "", ErrNoIdentity
	}

	claims := &tokenClaims{}
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, claims, v.jwks.Keyfunc, opts...)
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return "", ErrNoIdentity
	}

	if claims.PreferredUsername != "" {
		return claims.PreferredUsername, nil
	}
	if claims.Subject != "" {
		return claims.Subject, nil
	}
	return "", ErrNoIdentity
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// QueryResolver trusts the userId query parameter. Development only: the
// handshake is not authenticated in this mode.
type QueryResolver struct{}

func (QueryResolver) Resolve(r *http.Request) (string, error) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		return "", ErrNoIdentity
	}
	return userID, nil
}

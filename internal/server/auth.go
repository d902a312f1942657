package server

// Bearer-token authentication.
//
// Protected requests carry a compact JWT either in the Authorization header
//
//	Authorization: Bearer <compact-JWT>
//
// or, because browsers cannot set headers on a WebSocket handshake, in the
// access_token query parameter. Tokens are verified with RS256 against a
// PEM public key or with HS256 against a shared secret, whichever is
// configured, and must carry an exp claim.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/loggyxp/loggyxp/internal/config"
)

// contextKey is an unexported type used for context keys in this package to
// avoid collisions with keys defined in other packages.
type contextKey int

const claimsKey contextKey = 0

// tokenQueryParam is the query parameter accepted in place of the
// Authorization header.
const tokenQueryParam = "access_token"

// ClaimsFromContext retrieves the verified claims injected by
// Authenticator.Middleware.
func ClaimsFromContext(ctx context.Context) (*jwt.RegisteredClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*jwt.RegisteredClaims)
	return c, ok
}

// Authenticator verifies bearer tokens.
type Authenticator struct {
	key    any
	method string
	logger *slog.Logger
}

// NewAuthenticator builds an Authenticator from cfg. It returns nil and no
// error when authentication is not configured.
func NewAuthenticator(cfg config.AuthConfig, logger *slog.Logger) (*Authenticator, error) {
	switch {
	case cfg.JWTPublicKeyPath != "":
		pem, err := os.ReadFile(cfg.JWTPublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("server: read JWT public key: %w", err)
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			return nil, fmt.Errorf("server: parse JWT public key: %w", err)
		}
		return &Authenticator{key: key, method: jwt.SigningMethodRS256.Alg(), logger: logger}, nil
	case cfg.JWTSecret != "":
		return &Authenticator{key: []byte(cfg.JWTSecret), method: jwt.SigningMethodHS256.Alg(), logger: logger}, nil
	default:
		return nil, nil
	}
}

// Middleware rejects requests without a valid token with HTTP 401 and stores
// the verified claims in the request context otherwise.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.verify(r)
		if err != nil {
			a.logger.Warn("auth: authentication failed",
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("error", err.Error()),
			)
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) verify(r *http.Request) (*jwt.RegisteredClaims, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return nil, err
	}

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return a.key, nil },
		jwt.WithValidMethods([]string{a.method}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func bearerToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", errors.New("malformed Authorization header")
		}
		return strings.TrimSpace(token), nil
	}
	if token := r.URL.Query().Get(tokenQueryParam); token != "" {
		return token, nil
	}
	return "", errors.New("missing bearer token")
}

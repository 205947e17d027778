// Package session validates the session token presented by a socket before
// any join or leave proceeds. Tokens are JWTs issued by the identity
// provider; keys are resolved through its JWKS endpoint.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidSession is returned for missing, expired, or mismatched tokens.
var ErrInvalidSession = errors.New("session: invalid")

// Identity is the authenticated principal attached to a socket.
type Identity struct {
	UserID   string
	UserName string
}

// Validator checks that a (userID, token) pair names a still-valid session.
type Validator interface {
	Validate(ctx context.Context, userID, token string) (*Identity, error)
}

type tokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
	Name              string `json:"name"`
}

// JWKSValidator validates JWTs against a remote JWKS key set.
type JWKSValidator struct {
	jwks   *keyfunc.JWKS
	issuer string
}

// NewJWKSValidator fetches the key set, retrying while the identity
// provider starts up.
func NewJWKSValidator(jwksURL, issuer string) (*JWKSValidator, error) {
	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 context.Background(),
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for JWKS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS after retries: %w", err)
	}
	slog.Info("JWKS loaded", "url", jwksURL)
	return &JWKSValidator{jwks: jwks, issuer: issuer}, nil
}

// Validate parses the token and checks it belongs to userID and has not
// expired.
func (v *JWKSValidator) Validate(_ context.Context, userID, tokenString string) (*Identity, error) {
	if userID == "" || tokenString == "" {
		return nil, ErrInvalidSession
	}

	claims := &tokenClaims{}
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc, opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	if claims.Subject != userID {
		return nil, fmt.Errorf("%w: subject mismatch", ErrInvalidSession)
	}

	name := claims.Name
	if name == "" {
		name = claims.PreferredUsername
	}
	return &Identity{UserID: claims.Subject, UserName: name}, nil
}

// Close stops the JWKS refresh goroutine.
func (v *JWKSValidator) Close() {
	v.jwks.EndBackground()
}

// Insecure accepts any non-empty token. Used when no JWKS endpoint is
// configured, which only makes sense in local development.
type Insecure struct{}

func (Insecure) Validate(_ context.Context, userID, token string) (*Identity, error) {
	if userID == "" || token == "" {
		return nil, ErrInvalidSession
	}
	return &Identity{UserID: userID, UserName: userID}, nil
}

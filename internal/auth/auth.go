// Package auth validates caller credentials for the gateway.
//
// The gateway treats identity as an external concern: the HTTP layer hands
// an Authorization header or X-Api-Key value to an Authenticator and gets
// back an Identity {UserID, OrgID, Role}. This package ships a JWT + hashed
// API key implementation; deployments with their own identity provider can
// substitute any Authenticator.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Roles recognized by the policy engine's user predicates.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
	RoleGuest = "guest"
)

// ErrInvalidCredentials is returned for any credential that fails
// validation. Callers map it to 401.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Identity is the validated caller identity.
type Identity struct {
	UserID string
	OrgID  string
	Role   string
}

// Authenticator validates credentials. Implementations must be safe for
// concurrent use.
type Authenticator interface {
	// ValidateBearer validates a Bearer JWT and returns the caller identity.
	ValidateBearer(ctx context.Context, token string) (Identity, error)

	// ValidateAPIKey validates a raw API key and returns the caller identity.
	ValidateAPIKey(ctx context.Context, apiKey string) (Identity, error)
}

// Claims extends jwt.RegisteredClaims with gateway-specific fields.
type Claims struct {
	jwt.RegisteredClaims
	OrgID string `json:"org_id"`
	Role  string `json:"role"`
}

// APIKeyRecord is a stored API key: an Argon2id hash plus the identity it
// resolves to.
type APIKeyRecord struct {
	KeyHash string
	UserID  string
	OrgID   string
	Role    string
}

// KeyStore looks up API key records. Implementations must be safe for
// concurrent use.
type KeyStore interface {
	ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error)
}

// TokenAuthenticator validates HS256 JWTs signed with a shared secret and
// API keys against a KeyStore.
type TokenAuthenticator struct {
	secret     []byte
	expiration time.Duration
	keys       KeyStore
}

// NewTokenAuthenticator creates a TokenAuthenticator. keys may be nil, in
// which case API key auth always fails.
func NewTokenAuthenticator(secret string, expiration time.Duration, keys KeyStore) *TokenAuthenticator {
	return &TokenAuthenticator{secret: []byte(secret), expiration: expiration, keys: keys}
}

// IssueToken creates a signed JWT for the given identity. Used by tests and
// by deployments without an external identity provider.
func (a *TokenAuthenticator) IssueToken(id Identity) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(a.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    "aegis",
			Audience:  jwt.ClaimStrings{"aegis"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		OrgID: id.OrgID,
		Role:  id.Role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateBearer parses and validates a JWT, returning the caller identity.
func (a *TokenAuthenticator) ValidateBearer(_ context.Context, tokenStr string) (Identity, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return a.secret, nil
		},
		jwt.WithAudience("aegis"),
	)
	if err != nil {
		return Identity{}, ErrInvalidCredentials
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidCredentials
	}
	if claims.Issuer != "aegis" {
		return Identity{}, ErrInvalidCredentials
	}
	if claims.OrgID == "" {
		return Identity{}, ErrInvalidCredentials
	}

	role := claims.Role
	if role == "" {
		role = RoleUser
	}
	return Identity{UserID: claims.Subject, OrgID: claims.OrgID, Role: role}, nil
}

// ValidateAPIKey checks a raw API key against the key store's Argon2id
// hashes. Runs a dummy verification when no hash matched so timing does not
// reveal whether keys exist.
func (a *TokenAuthenticator) ValidateAPIKey(ctx context.Context, apiKey string) (Identity, error) {
	if a.keys == nil || apiKey == "" {
		DummyVerify()
		return Identity{}, ErrInvalidCredentials
	}

	records, err := a.keys.ListAPIKeys(ctx)
	if err != nil {
		DummyVerify()
		return Identity{}, ErrInvalidCredentials
	}

	verified := false
	for _, rec := range records {
		valid, verr := VerifyAPIKey(apiKey, rec.KeyHash)
		if verr != nil {
			continue
		}
		verified = true
		if valid {
			role := rec.Role
			if role == "" {
				role = RoleUser
			}
			return Identity{UserID: rec.UserID, OrgID: rec.OrgID, Role: role}, nil
		}
	}
	if !verified {
		DummyVerify()
	}
	return Identity{}, ErrInvalidCredentials
}

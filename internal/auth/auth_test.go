package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticKeyStore struct {
	records []APIKeyRecord
}

func (s staticKeyStore) ListAPIKeys(context.Context) ([]APIKeyRecord, error) {
	return s.records, nil
}

func TestIssueAndValidateBearer(t *testing.T) {
	a := NewTokenAuthenticator("test-secret", time.Hour, nil)

	token, exp, err := a.IssueToken(Identity{UserID: "u-1", OrgID: "org-1", Role: RoleAdmin})
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	id, err := a.ValidateBearer(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", id.UserID)
	assert.Equal(t, "org-1", id.OrgID)
	assert.Equal(t, RoleAdmin, id.Role)
}

func TestValidateBearerRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenAuthenticator("secret-a", time.Hour, nil)
	validator := NewTokenAuthenticator("secret-b", time.Hour, nil)

	token, _, err := issuer.IssueToken(Identity{UserID: "u", OrgID: "org", Role: RoleUser})
	require.NoError(t, err)

	_, err = validator.ValidateBearer(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateBearerRejectsGarbage(t *testing.T) {
	a := NewTokenAuthenticator("s", time.Hour, nil)
	_, err := a.ValidateBearer(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateAPIKey(t *testing.T) {
	hash, err := HashAPIKey("sk-live-abc123")
	require.NoError(t, err)

	store := staticKeyStore{records: []APIKeyRecord{
		{KeyHash: hash, UserID: "u-2", OrgID: "org-2", Role: RoleUser},
	}}
	a := NewTokenAuthenticator("s", time.Hour, store)

	id, err := a.ValidateAPIKey(context.Background(), "sk-live-abc123")
	require.NoError(t, err)
	assert.Equal(t, "org-2", id.OrgID)

	_, err = a.ValidateAPIKey(context.Background(), "sk-live-wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestHashAPIKeyRoundTrip(t *testing.T) {
	hash, err := HashAPIKey("key-1")
	require.NoError(t, err)

	ok, err := VerifyAPIKey("key-1", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyAPIKey("key-2", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyAPIKey("key-1", "not-a-phc-string")
	require.Error(t, err)
}

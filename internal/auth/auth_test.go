package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	svc := NewService("unit-test-secret")
	svc.RegisterAPICredentials("operator-key", "operator-secret")

	resp, err := svc.GenerateToken(Credentials{APIKey: "operator-key", APISecret: "operator-secret"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Token)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), resp.Expiration, time.Minute)

	claims, err := svc.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "operator-key", claims.ClientID)
	assert.Equal(t, []string{"operate"}, claims.Permissions)
}

func TestGenerateTokenInvalidCredentials(t *testing.T) {
	svc := NewService("unit-test-secret")
	svc.RegisterAPICredentials("operator-key", "operator-secret")

	_, err := svc.GenerateToken(Credentials{APIKey: "operator-key", APISecret: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.GenerateToken(Credentials{APIKey: "unknown", APISecret: "operator-secret"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	issuer := NewService("secret-a")
	issuer.RegisterAPICredentials("operator-key", "operator-secret")

	resp, err := issuer.GenerateToken(Credentials{APIKey: "operator-key", APISecret: "operator-secret"})
	require.NoError(t, err)

	verifier := NewService("secret-b")
	_, err = verifier.ValidateToken(resp.Token)
	assert.Error(t, err)
}

func TestValidateTokenGarbage(t *testing.T) {
	svc := NewService("unit-test-secret")
	_, err := svc.ValidateToken("not.a.token")
	assert.Error(t, err)
}

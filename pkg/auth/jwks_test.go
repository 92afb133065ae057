package auth_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk-inc/followup-engine/pkg/auth"
	"github.com/relaydesk-inc/followup-engine/pkg/testhelpers"
)

func TestJWKSClient_ParseUnverifiedToken(t *testing.T) {
	client, err := auth.NewJWKSClient(&auth.JWKSConfig{EnableVerification: false})
	require.NoError(t, err)
	defer client.Close()

	businessID := uuid.NewString()
	token := testhelpers.GenerateTestJWT("user-1", businessID, "jo@example.com")

	claims, err := client.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, businessID, claims.BusinessID)
	assert.Equal(t, "jo@example.com", claims.Email)
}

func TestJWKSClient_ParseUnverifiedToken_Garbage(t *testing.T) {
	client, err := auth.NewJWKSClient(&auth.JWKSConfig{EnableVerification: false})
	require.NoError(t, err)

	_, err = client.ValidateToken("not.a.jwt")
	assert.Error(t, err)
}

package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSecureToken(t *testing.T) {
	token, err := GenerateSecureToken()
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	token2, err := GenerateSecureToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, token2)

	// raw base64url of 32 bytes is 43 chars
	assert.Len(t, token, 43)
}

func TestGenerateHexToken(t *testing.T) {
	token, err := GenerateHexToken(16)
	require.NoError(t, err)
	assert.Len(t, token, 32)

	_, err = hex.DecodeString(token)
	assert.NoError(t, err)

	_, err = GenerateHexToken(0)
	assert.Error(t, err)
}

func TestHashToken(t *testing.T) {
	a := HashToken("session-a")
	assert.Len(t, a, 64)
	assert.Equal(t, a, HashToken("session-a"))
	assert.NotEqual(t, a, HashToken("session-b"))
}

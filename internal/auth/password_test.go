package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPassword(t *testing.T) {
	hash, err := hashPassword("correct horse battery staple")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(hash, "$argon2id$"))
	assert.True(t, verifyPassword(hash, "correct horse battery staple"))
	assert.False(t, verifyPassword(hash, "correct horse battery stapl"))
}

func TestHashPasswordUniqueSalt(t *testing.T) {
	first, err := hashPassword("same password")
	require.NoError(t, err)
	second, err := hashPassword("same password")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.True(t, verifyPassword(first, "same password"))
	assert.True(t, verifyPassword(second, "same password"))
}

func TestVerifyPasswordMalformedHash(t *testing.T) {
	cases := []string{
		"",
		"not-a-hash",
		"$argon2id$v=19$m=65536,t=3,p=4$short",
		"$argon2id$v=19$bad-params$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=3,p=4$!!!$aGFzaA",
	}
	for _, encoded := range cases {
		assert.False(t, verifyPassword(encoded, "whatever"), "hash %q should not verify", encoded)
	}
}

func TestGenerateRandomToken(t *testing.T) {
	first, err := generateRandomToken()
	require.NoError(t, err)
	second, err := generateRandomToken()
	require.NoError(t, err)

	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}

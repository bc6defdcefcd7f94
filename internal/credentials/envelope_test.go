package credentials

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

// knownEnvelope holds "canvas-token-123" sealed with testKey and iv 00..0f.
const knownEnvelope = "AES:000102030405060708090a0b0c0d0e0f:82ed7c19b5772b1bf3524d0fe38d2afb955b78cfe544d4544d9af74a03e5221b"

func TestOpenKnownAESEnvelope(t *testing.T) {
	got, err := Open(knownEnvelope, testKey)
	require.NoError(t, err)
	assert.Equal(t, "canvas-token-123", got)
}

func TestSealOpenRoundTrip(t *testing.T) {
	for _, secret := range []string{"", "a", "7~abcdefghijklmnopqrstuvwxyz0123456789", strings.Repeat("x", 16)} {
		env, err := Seal(secret, testKey)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(env, "AES:"))

		got, err := Open(env, testKey)
		require.NoError(t, err)
		assert.Equal(t, secret, got)
	}
}

func TestSealWithoutKeyFallsBackToPlain(t *testing.T) {
	env, err := Seal("token", nil)
	require.NoError(t, err)
	assert.Equal(t, "PLAIN:dG9rZW4=", env)

	got, err := Open(env, nil)
	require.NoError(t, err)
	assert.Equal(t, "token", got)
}

func TestOpenLegacyCleartext(t *testing.T) {
	got, err := Open("7~rawtoken", testKey)
	require.NoError(t, err)
	assert.Equal(t, "7~rawtoken", got)
}

func TestOpenInvalid(t *testing.T) {
	sealed, err := Seal("secret", testKey)
	require.NoError(t, err)

	tests := []struct {
		name string
		env  string
		key  []byte
	}{
		{"bad base64", "PLAIN:%%%", testKey},
		{"aes without key", sealed, nil},
		{"missing separator", "AES:0011", testKey},
		{"short iv", "AES:0011:00112233445566778899aabbccddeeff", testKey},
		{"ragged ciphertext", "AES:000102030405060708090a0b0c0d0e0f:0011", testKey},
		{"wrong key", knownEnvelope, []byte("ffffffffffffffffffffffffffffffff")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(tt.env, tt.key)
			assert.ErrorIs(t, err, ErrInvalidEnvelope)
		})
	}
}

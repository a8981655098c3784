package cms

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()

	b, err := hex.DecodeString(s)
	require.NoError(t, err)

	return b
}

func TestWrapKey_KnownAnswers(t *testing.T) {
	tests := []struct {
		name    string
		kek     string
		key     string
		wrapped string
	}{
		{
			name:    "128 bit kek, 128 bit key",
			kek:     "000102030405060708090a0b0c0d0e0f",
			key:     "00112233445566778899aabbccddeeff",
			wrapped: "1fa68b0a8112b447aef34bd8fb5a7b829d3e862371d2cfe5",
		},
		{
			name:    "256 bit kek, 256 bit key",
			kek:     "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f",
			key:     "00112233445566778899aabbccddeeff000102030405060708090a0b0c0d0e0f",
			wrapped: "28c9f404c4b810f4cbccb35cfb87f8263f5786e2d80ed326cbc7f0e71a99f43bfb988b9b7a02dd21",
		},
	}

	for i := range tests {
		tt := tests[i]
		t.Run(tt.name, func(t *testing.T) {
			kek := unhex(t, tt.kek)

			wrapped, err := wrapKey(kek, unhex(t, tt.key))
			require.NoError(t, err)
			assert.Equal(t, tt.wrapped, hex.EncodeToString(wrapped))

			key, err := unwrapKey(kek, wrapped)
			require.NoError(t, err)
			assert.Equal(t, tt.key, hex.EncodeToString(key))
		})
	}
}

func TestUnwrapKey_IntegrityFailure(t *testing.T) {
	kek := unhex(t, "000102030405060708090a0b0c0d0e0f")
	wrapped := unhex(t, "1fa68b0a8112b447aef34bd8fb5a7b829d3e862371d2cfe5")
	wrapped[10] ^= 0x01

	_, err := unwrapKey(kek, wrapped)
	assert.ErrorIs(t, err, errKeyWrapIntegrity)

	_, err = unwrapKey(unhex(t, "0f0e0d0c0b0a09080706050403020100"), unhex(t, "1fa68b0a8112b447aef34bd8fb5a7b829d3e862371d2cfe5"))
	assert.ErrorIs(t, err, errKeyWrapIntegrity)
}

func TestWrapKey_InvalidInput(t *testing.T) {
	kek := make([]byte, 16)

	_, err := wrapKey(kek, make([]byte, 8))
	assert.Error(t, err)

	_, err = wrapKey(kek, make([]byte, 17))
	assert.Error(t, err)

	_, err = wrapKey(make([]byte, 7), make([]byte, 16))
	assert.Error(t, err)

	_, err = unwrapKey(kek, make([]byte, 16))
	assert.Error(t, err)
}

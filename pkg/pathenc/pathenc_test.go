package pathenc

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEncryptor(t *testing.T, seed byte) *Encryptor {
	t.Helper()

	e, err := New(bytes.Repeat([]byte{seed}, 32))
	require.NoError(t, err)

	t.Cleanup(e.Close)

	return e
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	e := newEncryptor(t, 1)

	paths := []string{
		"secret.txt",
		"folder1/secret.txt",
		"a/b/c/d/e.pdf",
		"folder1/",
		"unicode/файл ✓.txt",
		"spaces and + signs/%20",
	}

	for _, p := range paths {
		enc, err := e.Encrypt(p)
		require.NoError(t, err, p)

		assert.NotEqual(t, p, enc)
		assert.Equal(t, strings.Count(p, "/"), strings.Count(enc, "/"), "segment structure is kept for %q", p)

		dec, err := e.Decrypt(enc)
		require.NoError(t, err)
		assert.Equal(t, p, dec)
	}
}

func TestEncrypt_HidesSegments(t *testing.T) {
	e := newEncryptor(t, 1)

	enc, err := e.Encrypt("folder1/secret.txt")
	require.NoError(t, err)

	assert.NotContains(t, enc, "folder1")
	assert.NotContains(t, enc, "secret")
	assert.NotContains(t, enc, "txt")
}

func TestEncrypt_Deterministic(t *testing.T) {
	e := newEncryptor(t, 1)

	a, err := e.Encrypt("folder1/secret.txt")
	require.NoError(t, err)

	b, err := newEncryptor(t, 1).Encrypt("/folder1/secret.txt")
	require.NoError(t, err)

	assert.Equal(t, a, b)

	dir, err := e.Encrypt("folder1/")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, dir), "directory prefix must stay a prefix")

	other, err := newEncryptor(t, 2).Encrypt("folder1/secret.txt")
	require.NoError(t, err)

	assert.NotEqual(t, a, other)
}

func TestEncrypt_URISafe(t *testing.T) {
	e := newEncryptor(t, 3)

	enc, err := e.Encrypt("x?y#z/with space")
	require.NoError(t, err)

	assert.NotContains(t, enc, "?")
	assert.NotContains(t, enc, "#")
	assert.NotContains(t, enc, " ")
	assert.NotContains(t, enc, "=")
}

func TestEmptyPath(t *testing.T) {
	e := newEncryptor(t, 1)

	enc, err := e.Encrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", enc)

	dec, err := e.Decrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", dec)
}

func TestInvalidPaths(t *testing.T) {
	e := newEncryptor(t, 1)

	for _, p := range []string{"a//b", "../etc/passwd", "a/./b", "a/..", "//"} {
		_, err := e.Encrypt(p)
		assert.ErrorIs(t, err, ErrInvalidPath, p)
	}
}

func TestDecrypt_Tampered(t *testing.T) {
	e := newEncryptor(t, 1)

	enc, err := e.Encrypt("folder1/secret.txt")
	require.NoError(t, err)

	_, err = newEncryptor(t, 2).Decrypt(enc)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = e.Decrypt("not*base64/x")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = e.Decrypt("c2hvcnQ")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	raw := []byte(enc)
	i := strings.IndexByte(enc, '/') + 1

	if raw[i] == 'A' {
		raw[i] = 'B'
	} else {
		raw[i] = 'A'
	}

	_, err = e.Decrypt(string(raw))
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestNew_EmptyKey(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

// Package pathenc deterministically encrypts the segments of relative document paths.
//
// Every segment is encrypted on its own with a synthetic IV: the IV is a truncated HMAC-SHA256 of the
// plaintext segment, and the segment is then encrypted with AES-256-CTR under that IV. Equal segments map to
// equal ciphertexts, so the directory structure (and prefix listing) survives encryption while names do not.
// The IV doubles as an authenticator on decryption.
package pathenc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"

	"github.com/godaddy/datasafe/internal"
)

var (
	// ErrInvalidPath is returned for paths with empty, "." or ".." segments.
	ErrInvalidPath = errors.New("invalid path")
	// ErrInvalidCiphertext is returned when an encrypted segment fails to decode or authenticate.
	ErrInvalidCiphertext = errors.New("invalid encrypted path")
)

const (
	ivSize  = 16
	keySize = 32

	separator = "/"
	info      = "datasafe path encryption v1"
)

var encoding = base64.RawURLEncoding

// Encryptor encrypts and decrypts paths under keys derived from one path encryption key.
type Encryptor struct {
	macKey []byte
	block  cipher.Block
}

// New derives the segment MAC and cipher keys from pathKey with HKDF-SHA256.
func New(pathKey []byte) (*Encryptor, error) {
	if len(pathKey) == 0 {
		return nil, errors.New("empty path key")
	}

	derived := make([]byte, 2*keySize)
	defer internal.MemClr(derived)

	if _, err := io.ReadFull(hkdf.New(sha256.New, pathKey, nil, []byte(info)), derived); err != nil {
		return nil, errors.Wrap(err, "unable to derive path keys")
	}

	block, err := aes.NewCipher(derived[keySize:])
	if err != nil {
		return nil, errors.Wrap(err, "unable to create path cipher")
	}

	macKey := make([]byte, keySize)
	copy(macKey, derived[:keySize])

	return &Encryptor{macKey: macKey, block: block}, nil
}

// Close wipes the MAC key. The Encryptor must not be used afterwards.
func (e *Encryptor) Close() {
	internal.MemClr(e.macKey)
}

// Normalize validates a relative path and removes a leading separator. A trailing separator, which marks a
// directory prefix, is preserved.
func Normalize(path string) (string, error) {
	path = strings.TrimPrefix(path, separator)
	if path == "" {
		return "", nil
	}

	trimmed := strings.TrimSuffix(path, separator)

	for _, seg := range strings.Split(trimmed, separator) {
		if seg == "" || seg == "." || seg == ".." {
			return "", errors.Wrapf(ErrInvalidPath, "%q", path)
		}
	}

	return path, nil
}

// Encrypt returns the encrypted form of a relative path. Segments are encrypted independently and joined
// with "/"; a trailing separator is kept.
func (e *Encryptor) Encrypt(path string) (string, error) {
	path, err := Normalize(path)
	if err != nil {
		return "", err
	}

	return e.mapSegments(path, func(seg string) (string, error) {
		return e.encryptSegment(seg), nil
	})
}

// Decrypt reverses Encrypt.
func (e *Encryptor) Decrypt(path string) (string, error) {
	path, err := Normalize(path)
	if err != nil {
		return "", err
	}

	return e.mapSegments(path, e.decryptSegment)
}

func (e *Encryptor) mapSegments(path string, fn func(string) (string, error)) (string, error) {
	if path == "" {
		return "", nil
	}

	dir := strings.HasSuffix(path, separator)
	segs := strings.Split(strings.TrimSuffix(path, separator), separator)

	for i, seg := range segs {
		out, err := fn(seg)
		if err != nil {
			return "", err
		}

		segs[i] = out
	}

	out := strings.Join(segs, separator)
	if dir {
		out += separator
	}

	return out, nil
}

func (e *Encryptor) syntheticIV(seg []byte) []byte {
	mac := hmac.New(sha256.New, e.macKey)
	mac.Write(seg)

	return mac.Sum(nil)[:ivSize]
}

func (e *Encryptor) encryptSegment(seg string) string {
	plain := []byte(seg)
	iv := e.syntheticIV(plain)

	out := make([]byte, ivSize+len(plain))
	copy(out, iv)
	cipher.NewCTR(e.block, iv).XORKeyStream(out[ivSize:], plain)

	return encoding.EncodeToString(out)
}

func (e *Encryptor) decryptSegment(seg string) (string, error) {
	raw, err := encoding.DecodeString(seg)
	if err != nil || len(raw) <= ivSize {
		return "", errors.Wrapf(ErrInvalidCiphertext, "segment %q", seg)
	}

	iv := raw[:ivSize]
	plain := make([]byte, len(raw)-ivSize)
	cipher.NewCTR(e.block, iv).XORKeyStream(plain, raw[ivSize:])

	if !hmac.Equal(iv, e.syntheticIV(plain)) {
		return "", errors.Wrapf(ErrInvalidCiphertext, "segment %q", seg)
	}

	return string(plain), nil
}

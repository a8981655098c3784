package cms

import (
	"crypto/aes"
	"crypto/subtle"
	"encoding/binary"

	"github.com/pkg/errors"
)

// defaultIV is the RFC 3394 initial value.
var defaultIV = []byte{0xa6, 0xa6, 0xa6, 0xa6, 0xa6, 0xa6, 0xa6, 0xa6}

var errKeyWrapIntegrity = errors.New("key wrap integrity check failed")

// wrapKey wraps key under kek as specified by RFC 3394.
func wrapKey(kek, key []byte) ([]byte, error) {
	if len(key) < 16 || len(key)%8 != 0 {
		return nil, errors.Errorf("key wrap input must be a multiple of 8 bytes and at least 16, got %d", len(key))
	}

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, errors.Wrap(err, "invalid key encryption key")
	}

	n := len(key) / 8
	out := make([]byte, 8+len(key))
	copy(out, defaultIV)
	copy(out[8:], key)

	var b [16]byte

	for j := 0; j < 6; j++ {
		for i := 1; i <= n; i++ {
			copy(b[:8], out[:8])
			copy(b[8:], out[8*i:8*i+8])
			block.Encrypt(b[:], b[:])

			t := uint64(n*j + i)
			binary.BigEndian.PutUint64(out[:8], binary.BigEndian.Uint64(b[:8])^t)
			copy(out[8*i:], b[8:])
		}
	}

	return out, nil
}

// unwrapKey reverses wrapKey, verifying the RFC 3394 integrity check value.
func unwrapKey(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped) < 24 || len(wrapped)%8 != 0 {
		return nil, errors.Errorf("wrapped key has invalid length %d", len(wrapped))
	}

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, errors.Wrap(err, "invalid key encryption key")
	}

	n := len(wrapped)/8 - 1

	var a [8]byte
	copy(a[:], wrapped[:8])

	r := make([]byte, len(wrapped)-8)
	copy(r, wrapped[8:])

	var b [16]byte

	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			t := uint64(n*j + i)
			binary.BigEndian.PutUint64(b[:8], binary.BigEndian.Uint64(a[:])^t)
			copy(b[8:], r[8*(i-1):8*i])
			block.Decrypt(b[:], b[:])

			copy(a[:], b[:8])
			copy(r[8*(i-1):], b[8:])
		}
	}

	if subtle.ConstantTimeCompare(a[:], defaultIV) != 1 {
		clear(r)
		return nil, errKeyWrapIntegrity
	}

	return r, nil
}

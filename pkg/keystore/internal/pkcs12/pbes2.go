package pkcs12

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	oidPBES2          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 13}
	oidPBKDF2         = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 12}
	oidHMACWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 9}
	oidAES256CBC      = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 42}
)

type encryptedPrivateKeyInfo struct {
	Algorithm     pkix.AlgorithmIdentifier
	EncryptedData []byte
}

type pbes2Params struct {
	Kdf              pkix.AlgorithmIdentifier
	EncryptionScheme pkix.AlgorithmIdentifier
}

type pbkdf2Params struct {
	Salt       []byte
	Iterations int
	KeyLength  int                      `asn1:"optional"`
	Prf        pkix.AlgorithmIdentifier `asn1:"optional"`
}

// EncryptPrivateKeyInfo shrouds a DER PKCS#8 PrivateKeyInfo with PBES2 (PBKDF2-HMAC-SHA256 and
// AES-256-CBC) and returns the DER EncryptedPrivateKeyInfo.
func EncryptPrivateKeyInfo(pkcs8, password []byte, opts ...Option) ([]byte, error) {
	o := newOptions(opts)

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(o.rand, salt); err != nil {
		return nil, err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(o.rand, iv); err != nil {
		return nil, err
	}

	kdfParams, err := asn1.Marshal(pbkdf2Params{
		Salt:       salt,
		Iterations: o.iterations,
		KeyLength:  32,
		Prf:        pkix.AlgorithmIdentifier{Algorithm: oidHMACWithSHA256, Parameters: asn1.NullRawValue},
	})
	if err != nil {
		return nil, err
	}

	ivParam, err := asn1.Marshal(iv)
	if err != nil {
		return nil, err
	}

	params, err := asn1.Marshal(pbes2Params{
		Kdf:              pkix.AlgorithmIdentifier{Algorithm: oidPBKDF2, Parameters: asn1.RawValue{FullBytes: kdfParams}},
		EncryptionScheme: pkix.AlgorithmIdentifier{Algorithm: oidAES256CBC, Parameters: asn1.RawValue{FullBytes: ivParam}},
	})
	if err != nil {
		return nil, err
	}

	key := pbkdf2.Key(password, salt, o.iterations, 32, sha256.New)
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	padded := pad(pkcs8, aes.BlockSize)
	defer clear(padded)

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return asn1.Marshal(encryptedPrivateKeyInfo{
		Algorithm:     pkix.AlgorithmIdentifier{Algorithm: oidPBES2, Parameters: asn1.RawValue{FullBytes: params}},
		EncryptedData: out,
	})
}

// DecryptPrivateKeyInfo reverses EncryptPrivateKeyInfo. A wrong password is reported as ErrIncorrectPassword.
func DecryptPrivateKeyInfo(der, password []byte) ([]byte, error) {
	var info encryptedPrivateKeyInfo
	if err := unmarshal(der, &info); err != nil {
		return nil, err
	}

	if !info.Algorithm.Algorithm.Equal(oidPBES2) {
		return nil, fmt.Errorf("%w: unsupported key encryption %v", ErrMalformed, info.Algorithm.Algorithm)
	}

	var params pbes2Params
	if err := unmarshal(info.Algorithm.Parameters.FullBytes, &params); err != nil {
		return nil, err
	}

	if !params.Kdf.Algorithm.Equal(oidPBKDF2) || !params.EncryptionScheme.Algorithm.Equal(oidAES256CBC) {
		return nil, fmt.Errorf("%w: unsupported PBES2 parameters", ErrMalformed)
	}

	var kdf pbkdf2Params
	if err := unmarshal(params.Kdf.Parameters.FullBytes, &kdf); err != nil {
		return nil, err
	}

	if len(kdf.Prf.Algorithm) != 0 && !kdf.Prf.Algorithm.Equal(oidHMACWithSHA256) {
		return nil, fmt.Errorf("%w: unsupported PBKDF2 PRF %v", ErrMalformed, kdf.Prf.Algorithm)
	}

	var iv []byte
	if err := unmarshal(params.EncryptionScheme.Parameters.FullBytes, &iv); err != nil {
		return nil, err
	}

	if len(iv) != aes.BlockSize || len(info.EncryptedData) == 0 || len(info.EncryptedData)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: bad ciphertext length", ErrMalformed)
	}

	key := pbkdf2.Key(password, kdf.Salt, kdf.Iterations, 32, sha256.New)
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(info.EncryptedData))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, info.EncryptedData)

	plain, ok := unpad(out, aes.BlockSize)
	if !ok {
		clear(out)
		return nil, ErrIncorrectPassword
	}

	return plain, nil
}

func pad(in []byte, blockSize int) []byte {
	n := blockSize - len(in)%blockSize

	return append(bytes.Clone(in), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(in []byte, blockSize int) ([]byte, bool) {
	if len(in) == 0 {
		return nil, false
	}

	n := int(in[len(in)-1])
	if n == 0 || n > blockSize || n > len(in) {
		return nil, false
	}

	for _, b := range in[len(in)-n:] {
		if int(b) != n {
			return nil, false
		}
	}

	return in[:len(in)-n], true
}

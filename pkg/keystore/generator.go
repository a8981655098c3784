package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"time"

	"github.com/pkg/errors"

	"github.com/godaddy/datasafe/internal"
)

const (
	// RSAKeySize is the modulus size of generated encryption and signing key pairs.
	RSAKeySize = 2048
	// SecretKeySize is the size in bytes of generated AES secret keys.
	SecretKeySize = 32

	certificateValidity = 10 * 365 * 24 * time.Hour
)

// randReader is the entropy source for key generation.
var randReader io.Reader = rand.Reader

// KeyPair is an RSA key pair with a self-signed certificate naming it.
type KeyPair struct {
	Alias       string
	PrivateKey  *rsa.PrivateKey
	Certificate *x509.Certificate
}

// GenerateKeyPair creates an RSA-2048 key pair and a self-signed SHA-256-with-RSA certificate whose common
// name is alias and whose subject key identifier is the UTF-8 encoding of alias.
func GenerateKeyPair(random io.Reader, alias string) (*KeyPair, error) {
	priv, err := rsa.GenerateKey(random, RSAKeySize)
	if err != nil {
		return nil, errors.Wrap(err, "unable to generate rsa key")
	}

	serial, err := rand.Int(random, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, errors.Wrap(err, "unable to generate certificate serial")
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:       serial,
		Subject:            pkix.Name{CommonName: alias},
		NotBefore:          now.Add(-time.Hour),
		NotAfter:           now.Add(certificateValidity),
		SubjectKeyId:       []byte(alias),
		SignatureAlgorithm: x509.SHA256WithRSA,
		KeyUsage:           x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment,
	}

	der, err := x509.CreateCertificate(random, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, errors.Wrap(err, "unable to self-sign certificate")
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse generated certificate")
	}

	return &KeyPair{Alias: alias, PrivateKey: priv, Certificate: cert}, nil
}

// GenerateSecretKey returns a fresh AES-256 key.
func GenerateSecretKey() []byte {
	return internal.GetRandBytes(SecretKeySize)
}

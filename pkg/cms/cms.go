// Package cms streams documents through CMS (RFC 5652) EnvelopedData structures.
//
// Encryption emits a BER encoded envelope with indefinite lengths, so arbitrarily large bodies can be
// written without knowing their size up front. Content is encrypted with a fresh AES-128-CBC key that is
// delivered to exactly one recipient, either by RSA key transport (ktri) or by AES key wrap under a shared
// key encryption key (kekri). Recipient identifiers are the UTF-8 bytes of the keystore alias.
//
// Decryption parses the envelope header, resolves the recipient through a KeySource and returns a reader
// that decrypts the body on the fly. Key lookup and unwrap failures are reported as ErrDecryptionFailure
// only; the distinct cause is logged at debug level.
package cms

import (
	"encoding/asn1"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
)

var (
	// ErrNoRecipients is returned when an envelope carries no RecipientInfo.
	ErrNoRecipients = errors.New("envelope has no recipients")
	// ErrTooManyRecipients is returned when an envelope carries more than one RecipientInfo.
	ErrTooManyRecipients = errors.New("envelope has more than one recipient")
	// ErrUnsupportedRecipient is returned for recipient kinds other than key transport and KEK.
	ErrUnsupportedRecipient = errors.New("unsupported recipient")
	// ErrDecryptionFailure is returned when an envelope cannot be parsed or its key cannot be unwrapped.
	ErrDecryptionFailure = errors.New("decryption failure")
)

var (
	encryptTimer = metrics.GetOrRegisterTimer("ds.cms.encrypt", nil)
	decryptTimer = metrics.GetOrRegisterTimer("ds.cms.decrypt", nil)
)

var (
	oidData          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidEnvelopedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 3}
	oidRSAEncryption = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}

	oidAES128CBC = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 2}
	oidAES192CBC = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 22}
	oidAES256CBC = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 42}

	oidAES128Wrap = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 5}
	oidAES192Wrap = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 25}
	oidAES256Wrap = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 45}
)

const (
	// envelopedDataVersion is 2 because every RecipientInfo written is ktri v2 or kekri v4.
	envelopedDataVersion = 2
	keyTransVersion      = 2
	kekVersion           = 4

	// contentKeySize is the AES-128 content encryption key size in bytes.
	contentKeySize = 16
	// chunkSize bounds each primitive OCTET STRING of encrypted content. Multiple of the AES block size.
	chunkSize = 4096
)

// contentKeySizeOf maps the accepted content encryption algorithms to their key sizes.
func contentKeySizeOf(oid asn1.ObjectIdentifier) (int, bool) {
	switch {
	case oid.Equal(oidAES128CBC):
		return 16, true
	case oid.Equal(oidAES192CBC):
		return 24, true
	case oid.Equal(oidAES256CBC):
		return 32, true
	}

	return 0, false
}

// wrapAlgorithm returns the AES key wrap algorithm matching a key encryption key of size n.
func wrapAlgorithm(n int) (asn1.ObjectIdentifier, bool) {
	switch n {
	case 16:
		return oidAES128Wrap, true
	case 24:
		return oidAES192Wrap, true
	case 32:
		return oidAES256Wrap, true
	}

	return nil, false
}

// malformed wraps ErrDecryptionFailure with a description of a structural problem.
func malformed(format string, args ...interface{}) error {
	return errors.Wrapf(ErrDecryptionFailure, format, args...)
}

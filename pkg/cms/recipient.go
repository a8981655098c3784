package cms

import (
	"crypto/rsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"io"

	"github.com/pkg/errors"
)

// RecipientKind discriminates the recipient variants understood by this package.
type RecipientKind int

const (
	// KeyTransport recipients receive the content key encrypted under an RSA public key.
	KeyTransport RecipientKind = iota + 1
	// KEK recipients receive the content key wrapped under a shared AES key.
	KEK
)

func (k RecipientKind) String() string {
	switch k {
	case KeyTransport:
		return "ktri"
	case KEK:
		return "kekri"
	}

	return "unknown"
}

// RecipientID identifies the key an envelope was sealed for. For key transport recipients KeyID is the
// subject key identifier, for KEK recipients it is the key identifier; both carry the UTF-8 bytes of the
// keystore alias.
type RecipientID struct {
	Kind  RecipientKind
	KeyID string
}

// KeySource resolves recipient identifiers to unlocked keys. keystore.Access satisfies it.
type KeySource interface {
	PrivateKey(alias string) (*rsa.PrivateKey, error)
	SecretKey(alias string) ([]byte, error)
}

// Recipient describes who an envelope is sealed for.
type Recipient interface {
	ID() RecipientID
	recipientInfo(cek []byte, random io.Reader) ([]byte, error)
}

// KeyTransRecipient seals the content key for the holder of an RSA private key.
type KeyTransRecipient struct {
	KeyID     string
	PublicKey *rsa.PublicKey
}

// ID implements Recipient.
func (r KeyTransRecipient) ID() RecipientID {
	return RecipientID{Kind: KeyTransport, KeyID: r.KeyID}
}

type keyTransRecipientInfo struct {
	Version                int
	SubjectKeyID           []byte `asn1:"tag:0"`
	KeyEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedKey           []byte
}

func (r KeyTransRecipient) recipientInfo(cek []byte, random io.Reader) ([]byte, error) {
	if r.PublicKey == nil {
		return nil, errors.New("key transport recipient has no public key")
	}

	encrypted, err := rsa.EncryptPKCS1v15(random, r.PublicKey, cek)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to encrypt content key for %s", r.KeyID)
	}

	return asn1.Marshal(keyTransRecipientInfo{
		Version:      keyTransVersion,
		SubjectKeyID: []byte(r.KeyID),
		KeyEncryptionAlgorithm: pkix.AlgorithmIdentifier{
			Algorithm:  oidRSAEncryption,
			Parameters: asn1.NullRawValue,
		},
		EncryptedKey: encrypted,
	})
}

// KEKRecipient seals the content key under a shared AES key of 16, 24 or 32 bytes. The key is only used
// while the envelope header is written.
type KEKRecipient struct {
	KeyID string
	Key   []byte
}

// ID implements Recipient.
func (r KEKRecipient) ID() RecipientID {
	return RecipientID{Kind: KEK, KeyID: r.KeyID}
}

type kekIdentifier struct {
	KeyIdentifier []byte
}

type kekRecipientInfo struct {
	Version                int
	KEKID                  kekIdentifier
	KeyEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedKey           []byte
}

func (r KEKRecipient) recipientInfo(cek []byte, _ io.Reader) ([]byte, error) {
	alg, ok := wrapAlgorithm(len(r.Key))
	if !ok {
		return nil, errors.Errorf("invalid key encryption key size %d", len(r.Key))
	}

	wrapped, err := wrapKey(r.Key, cek)
	if err != nil {
		return nil, err
	}

	seq, err := asn1.Marshal(kekRecipientInfo{
		Version:                kekVersion,
		KEKID:                  kekIdentifier{KeyIdentifier: []byte(r.KeyID)},
		KeyEncryptionAlgorithm: pkix.AlgorithmIdentifier{Algorithm: alg},
		EncryptedKey:           wrapped,
	})
	if err != nil {
		return nil, err
	}

	// kekri is [2] IMPLICIT KEKRecipientInfo.
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(seq, &raw); err != nil {
		return nil, err
	}

	return asn1.Marshal(asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 2, IsCompound: true, Bytes: raw.Bytes})
}

// parsedRecipient is a RecipientInfo read from an envelope header.
type parsedRecipient struct {
	id           RecipientID
	algorithm    asn1.ObjectIdentifier
	encryptedKey []byte
}

// Decoding counterparts tolerate the optional fields other producers may emit.
type keyTransRecipientInfoIn struct {
	Version                int
	RID                    asn1.RawValue
	KeyEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedKey           []byte
}

type kekIdentifierIn struct {
	KeyIdentifier []byte
	Date          asn1.RawValue `asn1:"optional"`
	Other         asn1.RawValue `asn1:"optional"`
}

type kekRecipientInfoIn struct {
	Version                int
	KEKID                  kekIdentifierIn
	KeyEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedKey           []byte
}

// parseRecipient dispatches on the RecipientInfo CHOICE.
func parseRecipient(ri asn1.RawValue) (*parsedRecipient, error) {
	switch {
	case ri.Class == asn1.ClassUniversal && ri.Tag == asn1.TagSequence:
		var ktri keyTransRecipientInfoIn
		if err := unmarshal(ri.FullBytes, &ktri); err != nil {
			return nil, malformed("invalid ktri: %v", err)
		}

		// issuerAndSerialNumber identifies a certificate, not a keystore alias.
		if ktri.RID.Class != asn1.ClassContextSpecific || ktri.RID.Tag != 0 || ktri.RID.IsCompound {
			return nil, errors.Wrap(ErrUnsupportedRecipient, "ktri without subject key identifier")
		}

		return &parsedRecipient{
			id:           RecipientID{Kind: KeyTransport, KeyID: string(ktri.RID.Bytes)},
			algorithm:    ktri.KeyEncryptionAlgorithm.Algorithm,
			encryptedKey: ktri.EncryptedKey,
		}, nil
	case ri.Class == asn1.ClassContextSpecific && ri.Tag == 2 && ri.IsCompound:
		seq, err := asn1.Marshal(asn1.RawValue{Tag: asn1.TagSequence, IsCompound: true, Bytes: ri.Bytes})
		if err != nil {
			return nil, err
		}

		var kekri kekRecipientInfoIn
		if err := unmarshal(seq, &kekri); err != nil {
			return nil, malformed("invalid kekri: %v", err)
		}

		return &parsedRecipient{
			id:           RecipientID{Kind: KEK, KeyID: string(kekri.KEKID.KeyIdentifier)},
			algorithm:    kekri.KeyEncryptionAlgorithm.Algorithm,
			encryptedKey: kekri.EncryptedKey,
		}, nil
	}

	return nil, errors.Wrapf(ErrUnsupportedRecipient, "recipient info class %d tag %d", ri.Class, ri.Tag)
}

// unmarshal parses a complete DER element into v, rejecting trailing data.
func unmarshal(der []byte, v interface{}) error {
	rest, err := asn1.Unmarshal(der, v)
	if err != nil {
		return err
	}

	if len(rest) != 0 {
		return errors.New("trailing data")
	}

	return nil
}

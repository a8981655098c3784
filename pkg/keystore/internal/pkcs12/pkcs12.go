// Package pkcs12 reads and writes PKCS#12 (RFC 7292) key stores holding several named entries:
// shrouded private keys, X.509 certificates and secret keys.
//
// Private and secret keys are shrouded individually with PBES2 under the key password; the whole
// store is integrity protected with an HMAC-SHA256 MAC under the store password.
package pkcs12

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
)

var (
	// ErrIncorrectPassword is returned when a MAC does not verify or a shrouded key cannot be decrypted.
	ErrIncorrectPassword = errors.New("pkcs12: decryption password incorrect")
	// ErrMalformed is returned when the input is not a PKCS#12 structure this package understands.
	ErrMalformed = errors.New("pkcs12: malformed data")
)

var (
	oidDataContentType = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}

	oidPKCS8ShroudedKeyBag = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 10, 1, 2}
	oidCertBag             = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 10, 1, 3}
	oidSecretBag           = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 10, 1, 5}

	oidCertTypeX509 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 22, 1}

	oidFriendlyName = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 20}
	oidLocalKeyID   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 21}

	oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
)

// BagType identifies the kind of a SafeBag.
type BagType int

const (
	// ShroudedKeyBag holds a PBES2 encrypted PKCS#8 private key.
	ShroudedKeyBag BagType = iota + 1
	// CertBag holds a DER encoded X.509 certificate.
	CertBag
	// SecretBag holds a PBES2 encrypted PKCS#8 structure wrapping a symmetric key.
	SecretBag
)

func (t BagType) String() string {
	switch t {
	case ShroudedKeyBag:
		return "pkcs8ShroudedKeyBag"
	case CertBag:
		return "certBag"
	case SecretBag:
		return "secretBag"
	default:
		return fmt.Sprintf("BagType(%d)", int(t))
	}
}

// Bag is a single SafeBag.
//
// For ShroudedKeyBag and SecretBag, Value is a DER EncryptedPrivateKeyInfo (see EncryptPrivateKeyInfo).
// For CertBag, Value is the DER certificate.
type Bag struct {
	Type         BagType
	FriendlyName string
	LocalKeyID   []byte
	Value        []byte
}

type pfxPdu struct {
	Version  int
	AuthSafe contentInfo
	MacData  macData `asn1:"optional"`
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"tag:0,explicit,optional"`
}

type macData struct {
	Mac        digestInfo
	MacSalt    []byte
	Iterations int `asn1:"optional,default:1"`
}

type digestInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	Digest    []byte
}

type safeBag struct {
	ID         asn1.ObjectIdentifier
	Value      asn1.RawValue     `asn1:"tag:0,explicit"`
	Attributes []pkcs12Attribute `asn1:"set,optional"`
}

type pkcs12Attribute struct {
	ID    asn1.ObjectIdentifier
	Value asn1.RawValue `asn1:"set"`
}

type certBag struct {
	ID   asn1.ObjectIdentifier
	Data []byte `asn1:"tag:0,explicit"`
}

type secretBag struct {
	ID    asn1.ObjectIdentifier
	Value []byte `asn1:"tag:0,explicit"`
}

// explicit0 wraps already encoded DER in a [0] EXPLICIT tag.
func explicit0(der []byte) asn1.RawValue {
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: der}
}

// Encode serializes bags into a PFX protected by an HMAC-SHA256 MAC keyed from storePassword.
func Encode(bags []Bag, storePassword []byte, opts ...Option) ([]byte, error) {
	o := newOptions(opts)

	safeBags := make([]safeBag, 0, len(bags))

	for _, b := range bags {
		sb, err := encodeBag(b)
		if err != nil {
			return nil, err
		}

		safeBags = append(safeBags, sb)
	}

	safeContents, err := asn1.Marshal(safeBags)
	if err != nil {
		return nil, err
	}

	dataContent, err := asn1.Marshal(safeContents)
	if err != nil {
		return nil, err
	}

	authenticatedSafe, err := asn1.Marshal([]contentInfo{{
		ContentType: oidDataContentType,
		Content:     explicit0(dataContent),
	}})
	if err != nil {
		return nil, err
	}

	authSafeContent, err := asn1.Marshal(authenticatedSafe)
	if err != nil {
		return nil, err
	}

	pfx := pfxPdu{
		Version: 3,
		AuthSafe: contentInfo{
			ContentType: oidDataContentType,
			Content:     explicit0(authSafeContent),
		},
	}

	pfx.MacData, err = computeMac(authenticatedSafe, storePassword, o.rand, o.macIterations)
	if err != nil {
		return nil, err
	}

	return asn1.Marshal(pfx)
}

func encodeBag(b Bag) (safeBag, error) {
	var (
		sb  safeBag
		err error
		der []byte
	)

	switch b.Type {
	case ShroudedKeyBag:
		sb.ID = oidPKCS8ShroudedKeyBag
		der = b.Value
	case CertBag:
		sb.ID = oidCertBag
		der, err = asn1.Marshal(certBag{ID: oidCertTypeX509, Data: b.Value})
	case SecretBag:
		sb.ID = oidSecretBag
		der, err = asn1.Marshal(secretBag{ID: oidPKCS8ShroudedKeyBag, Value: b.Value})
	default:
		return sb, fmt.Errorf("pkcs12: unsupported bag type %v", b.Type)
	}

	if err != nil {
		return sb, err
	}

	sb.Value = explicit0(der)

	if b.FriendlyName != "" {
		name, err := asn1.Marshal(asn1.RawValue{Tag: asn1.TagBMPString, Bytes: bmpStringNoTerminator(b.FriendlyName)})
		if err != nil {
			return sb, err
		}

		sb.Attributes = append(sb.Attributes, pkcs12Attribute{ID: oidFriendlyName, Value: setOf(name)})
	}

	if len(b.LocalKeyID) > 0 {
		id, err := asn1.Marshal(b.LocalKeyID)
		if err != nil {
			return sb, err
		}

		sb.Attributes = append(sb.Attributes, pkcs12Attribute{ID: oidLocalKeyID, Value: setOf(id)})
	}

	return sb, nil
}

func setOf(der []byte) asn1.RawValue {
	return asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagSet, IsCompound: true, Bytes: der}
}

// Decode verifies the MAC of a PFX with storePassword and returns its bags in file order.
// Bags of unknown types are skipped.
func Decode(data, storePassword []byte) ([]Bag, error) {
	var pfx pfxPdu

	if err := unmarshal(data, &pfx); err != nil {
		return nil, err
	}

	if pfx.Version != 3 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, pfx.Version)
	}

	if !pfx.AuthSafe.ContentType.Equal(oidDataContentType) {
		return nil, fmt.Errorf("%w: only password-integrity mode is supported", ErrMalformed)
	}

	var authenticatedSafe []byte
	if err := unmarshal(pfx.AuthSafe.Content.Bytes, &authenticatedSafe); err != nil {
		return nil, err
	}

	if len(pfx.MacData.Mac.Algorithm.Algorithm) == 0 {
		return nil, fmt.Errorf("%w: missing MAC", ErrMalformed)
	}

	if err := verifyMac(&pfx.MacData, authenticatedSafe, storePassword); err != nil {
		return nil, err
	}

	var contentInfos []contentInfo
	if err := unmarshal(authenticatedSafe, &contentInfos); err != nil {
		return nil, err
	}

	var bags []Bag

	for _, ci := range contentInfos {
		if !ci.ContentType.Equal(oidDataContentType) {
			return nil, fmt.Errorf("%w: encrypted safe contents are not supported", ErrMalformed)
		}

		var safeContents []byte
		if err := unmarshal(ci.Content.Bytes, &safeContents); err != nil {
			return nil, err
		}

		var safeBags []safeBag
		if err := unmarshal(safeContents, &safeBags); err != nil {
			return nil, err
		}

		for _, sb := range safeBags {
			b, ok, err := decodeBag(sb)
			if err != nil {
				return nil, err
			}

			if ok {
				bags = append(bags, b)
			}
		}
	}

	return bags, nil
}

func decodeBag(sb safeBag) (Bag, bool, error) {
	var b Bag

	switch {
	case sb.ID.Equal(oidPKCS8ShroudedKeyBag):
		b.Type = ShroudedKeyBag
		b.Value = sb.Value.Bytes
	case sb.ID.Equal(oidCertBag):
		var cb certBag
		if err := unmarshal(sb.Value.Bytes, &cb); err != nil {
			return b, false, err
		}

		if !cb.ID.Equal(oidCertTypeX509) {
			return b, false, nil
		}

		b.Type = CertBag
		b.Value = cb.Data
	case sb.ID.Equal(oidSecretBag):
		var sec secretBag
		if err := unmarshal(sb.Value.Bytes, &sec); err != nil {
			return b, false, err
		}

		if !sec.ID.Equal(oidPKCS8ShroudedKeyBag) {
			return b, false, nil
		}

		b.Type = SecretBag
		b.Value = sec.Value
	default:
		return b, false, nil
	}

	for _, attr := range sb.Attributes {
		switch {
		case attr.ID.Equal(oidFriendlyName):
			var raw asn1.RawValue
			if err := unmarshal(attr.Value.Bytes, &raw); err != nil {
				return b, false, err
			}

			name, err := decodeBMPString(raw.Bytes)
			if err != nil {
				return b, false, err
			}

			b.FriendlyName = name
		case attr.ID.Equal(oidLocalKeyID):
			if err := unmarshal(attr.Value.Bytes, &b.LocalKeyID); err != nil {
				return b, false, err
			}
		}
	}

	return b, true, nil
}

// unmarshal calls asn1.Unmarshal and rejects trailing data.
func unmarshal(in []byte, out interface{}) error {
	trailing, err := asn1.Unmarshal(in, out)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if len(trailing) != 0 {
		return fmt.Errorf("%w: trailing data found", ErrMalformed)
	}

	return nil
}

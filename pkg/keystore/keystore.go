// Package keystore creates, serializes and reads the per-user keystore.
//
// A keystore is an ordered set of named entries: RSA key pairs (with a self-signed certificate) used for
// inbox key transport and signing, and AES secret keys used to wrap private documents. One dedicated secret
// key is reserved for path encryption. Keys are shrouded individually under the user's ReadKeyPassword and
// the whole container is protected by the system-wide ReadStorePassword.
package keystore

import (
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // PKCS#12 localKeyId convention, not a security boundary.
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/godaddy/datasafe/internal"
	"github.com/godaddy/datasafe/pkg/keystore/internal/pkcs12"
	"github.com/godaddy/datasafe/pkg/log"
)

var (
	// ErrKeyNotFound is returned when no entry exists for a key identifier.
	ErrKeyNotFound = errors.New("key not found")
	// ErrWrongPassword is returned when a key or the keystore cannot be unlocked with the supplied password.
	ErrWrongPassword = errors.New("wrong password")
	// ErrUnsupportedKeyStoreType is returned for keystore types other than PKCS12.
	ErrUnsupportedKeyStoreType = errors.New("unsupported keystore type")
	// ErrNoSecretKey is returned by RandomSecretKey on a keystore without document secret keys.
	ErrNoSecretKey = errors.New("keystore has no secret keys")
)

var (
	createTimer    = metrics.GetOrRegisterTimer("ds.keystore.create", nil)
	serializeTimer = metrics.GetOrRegisterTimer("ds.keystore.serialize", nil)
	loadTimer      = metrics.GetOrRegisterTimer("ds.keystore.load", nil)
)

// Alias prefixes.
const (
	EncPrefix  = "enc-"
	SignPrefix = "sign-"
	PathPrefix = "path-"
)

var oidAES = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1}

// Type is the container format of a serialized keystore.
type Type string

// PKCS12 is the only supported keystore type.
const PKCS12 Type = "PKCS12"

// Kind classifies a keystore entry.
type Kind int

const (
	// AsymmetricKeyPair is an RSA private key with its certificate.
	AsymmetricKeyPair Kind = iota + 1
	// SecretKey is an AES key.
	SecretKey
)

// CreationConfig controls how many keys of each kind a new keystore receives.
type CreationConfig struct {
	EncKeyNumber    int `toml:"enc_keys"`
	SignKeyNumber   int `toml:"sign_keys"`
	SecretKeyNumber int `toml:"secret_keys"`
}

// DefaultCreationConfig returns one encryption key pair, one signing key pair and one secret key.
func DefaultCreationConfig() CreationConfig {
	return CreationConfig{EncKeyNumber: 1, SignKeyNumber: 1, SecretKeyNumber: 1}
}

// PublicKey pairs a published public key with the identifier recipients use to address it.
type PublicKey struct {
	KeyID     string
	PublicKey *rsa.PublicKey
}

type entry struct {
	alias    string
	kind     Kind
	cert     *x509.Certificate
	shrouded []byte
}

// KeyStore is a loaded keystore. It holds only shrouded key material and is safe to share between
// goroutines; unlocking keys requires an Access.
type KeyStore struct {
	typ     Type
	entries []entry
	index   map[string]int
	opts    []pkcs12.Option
}

// Option customizes keystore creation and serialization.
type Option func(*KeyStore)

// WithKDFIterations overrides the PBKDF2 iteration count used to shroud keys and derive the store MAC key.
func WithKDFIterations(n int) Option {
	return func(ks *KeyStore) {
		ks.opts = append(ks.opts, pkcs12.WithIterations(n), pkcs12.WithMacIterations(n))
	}
}

// WithRand overrides the randomness used for salts and IVs.
func WithRand(r io.Reader) Option {
	return func(ks *KeyStore) {
		ks.opts = append(ks.opts, pkcs12.WithRand(r))
	}
}

func newKeyStore(typ Type, opts []Option) *KeyStore {
	ks := &KeyStore{typ: typ, index: make(map[string]int)}

	for _, opt := range opts {
		opt(ks)
	}

	return ks
}

func (ks *KeyStore) add(e entry) {
	ks.index[e.alias] = len(ks.entries)
	ks.entries = append(ks.entries, e)
}

func numbered(base string, i, total int) string {
	if total == 1 {
		return base
	}

	return fmt.Sprintf("%s-%d", base, i)
}

// NewKeyPrefix returns the random 16 byte hex prefix threaded into the aliases of one keystore.
func NewKeyPrefix() string {
	id := uuid.New()

	return hex.EncodeToString(id[:])
}

// Create generates a new keystore according to cfg, shrouding every key with keyPassword.
//
// RSA key generation is CPU bound; key pairs are generated concurrently.
func Create(keyPassword []byte, typ Type, cfg CreationConfig, opts ...Option) (*KeyStore, error) {
	defer createTimer.UpdateSince(time.Now())

	if typ != PKCS12 {
		return nil, errors.Wrapf(ErrUnsupportedKeyStoreType, "type %q", typ)
	}

	ks := newKeyStore(typ, opts)
	prefix := NewKeyPrefix()

	var aliases []string
	for i := 0; i < cfg.EncKeyNumber; i++ {
		aliases = append(aliases, numbered(EncPrefix+prefix, i, cfg.EncKeyNumber))
	}

	for i := 0; i < cfg.SignKeyNumber; i++ {
		aliases = append(aliases, numbered(SignPrefix+prefix, i, cfg.SignKeyNumber))
	}

	pairs := make([]*KeyPair, len(aliases))

	var g errgroup.Group

	for i, alias := range aliases {
		g.Go(func() error {
			kp, err := GenerateKeyPair(randReader, alias)
			if err != nil {
				return err
			}

			pairs[i] = kp

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, kp := range pairs {
		der, err := x509.MarshalPKCS8PrivateKey(kp.PrivateKey)
		if err != nil {
			return nil, errors.Wrap(err, "unable to marshal private key")
		}

		shrouded, err := pkcs12.EncryptPrivateKeyInfo(der, keyPassword, ks.opts...)
		internal.MemClr(der)

		if err != nil {
			return nil, errors.Wrapf(err, "unable to shroud key %s", kp.Alias)
		}

		ks.add(entry{alias: kp.Alias, kind: AsymmetricKeyPair, cert: kp.Certificate, shrouded: shrouded})
	}

	for i := 0; i < cfg.SecretKeyNumber; i++ {
		if err := ks.addSecret(internal.RandomHex(16), keyPassword); err != nil {
			return nil, err
		}
	}

	if err := ks.addSecret(PathPrefix+prefix, keyPassword); err != nil {
		return nil, err
	}

	log.Debugf("[keystore.Create] created keystore with %d entries", len(ks.entries))

	return ks, nil
}

type secretKeyInfo struct {
	Version    int
	Algorithm  pkix.AlgorithmIdentifier
	PrivateKey []byte
}

func (ks *KeyStore) addSecret(alias string, keyPassword []byte) error {
	key := GenerateSecretKey()
	defer internal.MemClr(key)

	der, err := asn1.Marshal(secretKeyInfo{Algorithm: pkix.AlgorithmIdentifier{Algorithm: oidAES}, PrivateKey: key})
	if err != nil {
		return errors.Wrap(err, "unable to marshal secret key")
	}

	defer internal.MemClr(der)

	shrouded, err := pkcs12.EncryptPrivateKeyInfo(der, keyPassword, ks.opts...)
	if err != nil {
		return errors.Wrapf(err, "unable to shroud secret key")
	}

	ks.add(entry{alias: alias, kind: SecretKey, shrouded: shrouded})

	return nil
}

// Type returns the container type of the keystore.
func (ks *KeyStore) Type() Type {
	return ks.typ
}

// Aliases returns every alias in keystore order.
func (ks *KeyStore) Aliases() []string {
	out := make([]string, 0, len(ks.entries))
	for _, e := range ks.entries {
		out = append(out, e.alias)
	}

	return out
}

// Kind returns the entry kind for alias.
func (ks *KeyStore) Kind(alias string) (Kind, bool) {
	i, ok := ks.index[alias]
	if !ok {
		return 0, false
	}

	return ks.entries[i].kind, true
}

// Certificate returns the certificate stored for alias.
func (ks *KeyStore) Certificate(alias string) (*x509.Certificate, error) {
	i, ok := ks.index[alias]
	if !ok || ks.entries[i].cert == nil {
		return nil, errors.Wrapf(ErrKeyNotFound, "no certificate for %s", alias)
	}

	return ks.entries[i].cert, nil
}

// PublicKeys returns the public key of every entry carrying a certificate, in keystore order. Entries
// without a certificate are skipped.
func (ks *KeyStore) PublicKeys() []PublicKey {
	var out []PublicKey

	for _, e := range ks.entries {
		if e.cert == nil {
			continue
		}

		pub, ok := e.cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			continue
		}

		out = append(out, PublicKey{KeyID: e.alias, PublicKey: pub})
	}

	return out
}

// EncryptionKeys returns the public keys whose alias marks them for encryption.
func (ks *KeyStore) EncryptionKeys() []PublicKey {
	var out []PublicKey

	for _, pk := range ks.PublicKeys() {
		if strings.HasPrefix(pk.KeyID, EncPrefix) {
			out = append(out, pk)
		}
	}

	return out
}

// documentSecrets lists the secret key aliases usable for documents, excluding the path key.
func (ks *KeyStore) documentSecrets() []string {
	var out []string

	for _, e := range ks.entries {
		if e.kind == SecretKey && !strings.HasPrefix(e.alias, PathPrefix) {
			out = append(out, e.alias)
		}
	}

	return out
}

func (ks *KeyStore) pathAlias() (string, bool) {
	for _, e := range ks.entries {
		if e.kind == SecretKey && strings.HasPrefix(e.alias, PathPrefix) {
			return e.alias, true
		}
	}

	return "", false
}

// Serialize encodes the keystore as a PKCS#12 file protected by storePassword. The userID is used for
// logging only.
func Serialize(ks *KeyStore, userID string, storePassword []byte) ([]byte, error) {
	defer serializeTimer.UpdateSince(time.Now())

	if ks.typ != PKCS12 {
		return nil, errors.Wrapf(ErrUnsupportedKeyStoreType, "type %q", ks.typ)
	}

	bags := make([]pkcs12.Bag, 0, 2*len(ks.entries))

	for _, e := range ks.entries {
		switch e.kind {
		case AsymmetricKeyPair:
			localKeyID := sha1.Sum(e.cert.Raw) //nolint:gosec

			bags = append(bags,
				pkcs12.Bag{Type: pkcs12.ShroudedKeyBag, FriendlyName: e.alias, LocalKeyID: localKeyID[:], Value: e.shrouded},
				pkcs12.Bag{Type: pkcs12.CertBag, FriendlyName: e.alias, LocalKeyID: localKeyID[:], Value: e.cert.Raw},
			)
		case SecretKey:
			bags = append(bags, pkcs12.Bag{Type: pkcs12.SecretBag, FriendlyName: e.alias, Value: e.shrouded})
		}
	}

	data, err := pkcs12.Encode(bags, storePassword, ks.opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to serialize keystore for %s", userID)
	}

	log.Debugf("[keystore.Serialize] serialized keystore for %s (%d bytes)", userID, len(data))

	return data, nil
}

// Load parses a serialized keystore, verifying its integrity with storePassword.
func Load(data, storePassword []byte, opts ...Option) (*KeyStore, error) {
	defer loadTimer.UpdateSince(time.Now())

	bags, err := pkcs12.Decode(data, storePassword)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, errors.Wrap(ErrWrongPassword, "keystore integrity check failed")
		}

		return nil, errors.Wrap(err, "unable to decode keystore")
	}

	ks := newKeyStore(PKCS12, opts)

	for _, b := range bags {
		if b.FriendlyName == "" {
			continue
		}

		i, seen := ks.index[b.FriendlyName]

		switch b.Type {
		case pkcs12.ShroudedKeyBag:
			if !seen {
				ks.add(entry{alias: b.FriendlyName, kind: AsymmetricKeyPair, shrouded: b.Value})
				continue
			}

			ks.entries[i].shrouded = b.Value
		case pkcs12.CertBag:
			cert, err := x509.ParseCertificate(b.Value)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid certificate for %s", b.FriendlyName)
			}

			if !seen {
				ks.add(entry{alias: b.FriendlyName, kind: AsymmetricKeyPair, cert: cert})
				continue
			}

			ks.entries[i].cert = cert
		case pkcs12.SecretBag:
			if seen {
				return nil, errors.Errorf("duplicate alias %s", b.FriendlyName)
			}

			ks.add(entry{alias: b.FriendlyName, kind: SecretKey, shrouded: b.Value})
		}
	}

	return ks, nil
}

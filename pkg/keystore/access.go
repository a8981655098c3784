package keystore

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"sync"

	"github.com/godaddy/asherah/go/securememory"
	"github.com/godaddy/asherah/go/securememory/memguard"
	"github.com/pkg/errors"

	"github.com/godaddy/datasafe/internal"
	"github.com/godaddy/datasafe/pkg/keystore/internal/pkcs12"
	"github.com/godaddy/datasafe/pkg/log"
)

// Access binds a loaded keystore to the passwords of a single request. Passwords and the cached path key
// are held in protected memory and destroyed by Close. An Access must not outlive its request.
type Access struct {
	store         *KeyStore
	storePassword *internal.SecretBytes
	keyPassword   *internal.SecretBytes

	factory securememory.SecretFactory

	pathMu  sync.Mutex
	pathKey *internal.SecretBytes
}

// AccessOption is used to configure an Access.
type AccessOption func(*Access)

// WithSecretFactory sets the factory used to allocate protected memory.
func WithSecretFactory(f securememory.SecretFactory) AccessOption {
	return func(a *Access) {
		a.factory = f
	}
}

// NewAccess returns an Access for ks. The password slices are moved into protected memory and wiped.
func NewAccess(ks *KeyStore, storePassword, keyPassword []byte, opts ...AccessOption) (*Access, error) {
	a := &Access{
		store:   ks,
		factory: new(memguard.SecretFactory),
	}

	for _, opt := range opts {
		opt(a)
	}

	var err error

	if a.storePassword, err = internal.NewSecretBytes(a.factory, storePassword); err != nil {
		return nil, errors.Wrap(err, "unable to protect store password")
	}

	if a.keyPassword, err = internal.NewSecretBytes(a.factory, keyPassword); err != nil {
		a.storePassword.Close()
		return nil, errors.Wrap(err, "unable to protect key password")
	}

	return a, nil
}

// KeyStore returns the keystore this access unlocks.
func (a *Access) KeyStore() *KeyStore {
	return a.store
}

// WithStorePassword passes the store password to action. A reference MUST not be kept to the slice.
func (a *Access) WithStorePassword(action func([]byte) error) error {
	return a.storePassword.WithBytes(action)
}

// Close destroys the passwords and any derived key held by this access.
func (a *Access) Close() {
	a.storePassword.Close()
	a.keyPassword.Close()

	a.pathMu.Lock()
	defer a.pathMu.Unlock()

	if a.pathKey != nil {
		a.pathKey.Close()
	}
}

// unshroud decrypts the PKCS#8 blob of alias with the key password.
func (a *Access) unshroud(alias string, kind Kind) ([]byte, error) {
	i, ok := a.store.index[alias]
	if !ok || a.store.entries[i].kind != kind || a.store.entries[i].shrouded == nil {
		return nil, errors.Wrapf(ErrKeyNotFound, "alias %s", alias)
	}

	return a.keyPassword.WithBytesFunc(func(pw []byte) ([]byte, error) {
		der, err := pkcs12.DecryptPrivateKeyInfo(a.store.entries[i].shrouded, pw)
		if err != nil {
			if errors.Is(err, pkcs12.ErrIncorrectPassword) {
				return nil, errors.Wrapf(ErrWrongPassword, "alias %s", alias)
			}

			return nil, errors.Wrapf(err, "unable to unshroud %s", alias)
		}

		return der, nil
	})
}

// PrivateKey unlocks the RSA private key stored under alias.
func (a *Access) PrivateKey(alias string) (*rsa.PrivateKey, error) {
	der, err := a.unshroud(alias, AsymmetricKeyPair)
	if err != nil {
		return nil, err
	}
	defer internal.MemClr(der)

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		// Garbage that happened to carry valid padding.
		return nil, errors.Wrapf(ErrWrongPassword, "alias %s", alias)
	}

	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.Errorf("alias %s does not hold an rsa key", alias)
	}

	if cert := a.store.entries[a.store.index[alias]].cert; cert != nil && !priv.PublicKey.Equal(cert.PublicKey) {
		return nil, errors.Errorf("certificate of %s does not match its private key", alias)
	}

	return priv, nil
}

// SecretKey unlocks the AES key stored under alias. The caller should wipe the returned slice when done.
func (a *Access) SecretKey(alias string) ([]byte, error) {
	der, err := a.unshroud(alias, SecretKey)
	if err != nil {
		return nil, err
	}
	defer internal.MemClr(der)

	var info secretKeyInfo
	if rest, err := asn1.Unmarshal(der, &info); err != nil || len(rest) != 0 {
		return nil, errors.Wrapf(ErrWrongPassword, "alias %s", alias)
	}

	key := make([]byte, len(info.PrivateKey))
	copy(key, info.PrivateKey)
	internal.MemClr(info.PrivateKey)

	return key, nil
}

// RandomSecretKey picks a document secret key uniformly at random. The path encryption key is never chosen.
func (a *Access) RandomSecretKey() (string, []byte, error) {
	aliases := a.store.documentSecrets()
	if len(aliases) == 0 {
		return "", nil, ErrNoSecretKey
	}

	alias := aliases[internal.RandomIndex(len(aliases))]

	key, err := a.SecretKey(alias)
	if err != nil {
		return "", nil, err
	}

	return alias, key, nil
}

// WithPathKey passes the path encryption key to action. The key is unlocked on first use and then kept in
// protected memory for the lifetime of the access.
func (a *Access) WithPathKey(action func([]byte) error) error {
	a.pathMu.Lock()
	defer a.pathMu.Unlock()

	if a.pathKey == nil {
		alias, ok := a.store.pathAlias()
		if !ok {
			return errors.Wrap(ErrKeyNotFound, "keystore has no path key")
		}

		key, err := a.SecretKey(alias)
		if err != nil {
			return err
		}

		if a.pathKey, err = internal.NewSecretBytes(a.factory, key); err != nil {
			return errors.Wrap(err, "unable to protect path key")
		}

		log.Debugf("[keystore.Access] unlocked path key %s", alias)
	}

	return a.pathKey.WithBytes(action)
}

// PublicKeys returns the public keys of the unlocked keystore.
func (a *Access) PublicKeys() []PublicKey {
	return a.store.PublicKeys()
}

package datasafe

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/godaddy/asherah/go/securememory"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/godaddy/datasafe/pkg/keystore"
	"github.com/godaddy/datasafe/pkg/log"
)

var (
	registerTimer   = metrics.GetOrRegisterTimer(MetricsPrefix+".profile.register", nil)
	deregisterTimer = metrics.GetOrRegisterTimer(MetricsPrefix+".profile.deregister", nil)
)

// publishedKey is the JSON form of one entry of a published public key directory.
type publishedKey struct {
	KeyID     string `json:"keyID"`
	PublicKey string `json:"publicKey"`
}

// ProfileStore persists user profiles and keystores and keeps read-through caches of both.
type ProfileStore struct {
	config  *Config
	store   Storage
	factory securememory.SecretFactory

	public    *loadingCache[UserPublicProfile]
	private   *loadingCache[UserPrivateProfile]
	keystores *loadingCache[*keystore.KeyStore]
}

func newProfileStore(config *Config, store Storage, factory securememory.SecretFactory) *ProfileStore {
	return &ProfileStore{
		config:    config,
		store:     store,
		factory:   factory,
		public:    newLoadingCache[UserPublicProfile]("profile.public", config.ProfileCacheMaxSize, config.ProfileCacheExpireAfter),
		private:   newLoadingCache[UserPrivateProfile]("profile.private", config.ProfileCacheMaxSize, config.ProfileCacheExpireAfter),
		keystores: newLoadingCache[*keystore.KeyStore]("keystore", config.KeyStoreCacheMaxSize, config.ProfileCacheExpireAfter),
	}
}

func (s *ProfileStore) publicLocation(userID string) string {
	return s.config.DFSRoot + "profiles/public/" + userID
}

func (s *ProfileStore) privateLocation(userID string) string {
	return s.config.DFSRoot + "profiles/private/" + userID
}

// RegisterPublic writes the public profile of a user, replacing any existing one.
func (s *ProfileStore) RegisterPublic(ctx context.Context, profile UserPublicProfile) error {
	if err := validateUserID(profile.ID); err != nil {
		return err
	}

	profile.Inbox = withSeparator(profile.Inbox)

	location := s.publicLocation(profile.ID)

	if err := s.checkReRegistration(ctx, location, profile.ID); err != nil {
		return err
	}

	data, err := json.Marshal(profile)
	if err != nil {
		return errors.Wrap(err, "unable to encode public profile")
	}

	defer s.public.invalidate(profile.ID)

	if err := writeObject(ctx, s.store, location, data); err != nil {
		return err
	}

	log.Debugf("[ProfileStore.RegisterPublic] registered public profile of %s", profile.ID)

	return nil
}

// RegisterPrivate writes the private profile of a user. If the keystore location is still empty, a new
// keystore is created there and its public keys are published to PublishPubKeysTo (unless that target
// already exists). An existing keystore is never replaced.
func (s *ProfileStore) RegisterPrivate(ctx context.Context, req CreateUserPrivateProfile) error {
	defer registerTimer.UpdateSince(time.Now())

	userID := req.Auth.UserID
	if err := validateUserID(userID); err != nil {
		return err
	}

	location := s.privateLocation(userID)

	if err := s.checkReRegistration(ctx, location, userID); err != nil {
		return err
	}

	data, err := json.Marshal(req.profile())
	if err != nil {
		return errors.Wrap(err, "unable to encode private profile")
	}

	defer s.private.invalidate(userID)

	if err := writeObject(ctx, s.store, location, data); err != nil {
		return err
	}

	exists, err := s.store.Exists(ctx, req.Keystore)
	if err != nil {
		return err
	}

	if exists {
		log.Debugf("[ProfileStore.RegisterPrivate] keeping existing keystore of %s", userID)
		return nil
	}

	ks, err := s.createKeyStore(ctx, req)
	if err != nil {
		return err
	}

	s.keystores.invalidate(userID)

	if req.PublishPubKeysTo == "" {
		return nil
	}

	return s.publishPublicKeysIfNeeded(ctx, req.PublishPubKeysTo, ks.PublicKeys())
}

func (s *ProfileStore) checkReRegistration(ctx context.Context, location, userID string) error {
	if !s.config.ForbidReRegistration {
		return nil
	}

	exists, err := s.store.Exists(ctx, location)
	if err != nil {
		return err
	}

	if exists {
		return errors.Wrapf(ErrUserAlreadyRegistered, "user %s", userID)
	}

	return nil
}

func (s *ProfileStore) createKeyStore(ctx context.Context, req CreateUserPrivateProfile) (*keystore.KeyStore, error) {
	var opts []keystore.Option
	if s.config.KDFIterations > 0 {
		opts = append(opts, keystore.WithKDFIterations(s.config.KDFIterations))
	}

	password := req.Auth.readKeyPassword()
	ks, err := keystore.Create(password, keystore.PKCS12, s.config.KeyStore, opts...)
	clear(password)

	if err != nil {
		return nil, errors.Wrapf(err, "unable to create keystore for %s", req.Auth.UserID)
	}

	data, err := keystore.Serialize(ks, req.Auth.UserID, []byte(s.config.StorePassword))
	if err != nil {
		return nil, err
	}

	if err := writeObject(ctx, s.store, req.Keystore, data); err != nil {
		return nil, err
	}

	log.Debugf("[ProfileStore.RegisterPrivate] created keystore for %s with %d entries", req.Auth.UserID, len(ks.Aliases()))

	return ks, nil
}

func (s *ProfileStore) publishPublicKeysIfNeeded(ctx context.Context, location string, keys []keystore.PublicKey) error {
	exists, err := s.store.Exists(ctx, location)
	if err != nil {
		return err
	}

	if exists {
		log.Debugf("[ProfileStore] public keys already published at %s", location)
		return nil
	}

	out := make([]publishedKey, 0, len(keys))

	for _, k := range keys {
		der, err := x509.MarshalPKIXPublicKey(k.PublicKey)
		if err != nil {
			return errors.Wrapf(err, "unable to encode public key %s", k.KeyID)
		}

		out = append(out, publishedKey{KeyID: k.KeyID, PublicKey: base64.StdEncoding.EncodeToString(der)})
	}

	data, err := json.Marshal(out)
	if err != nil {
		return errors.Wrap(err, "unable to encode public keys")
	}

	return writeObject(ctx, s.store, location, data)
}

// Deregister removes every document, the keystore and both profiles of a user. The ReadKeyPassword is
// verified against the keystore first, if one exists.
func (s *ProfileStore) Deregister(ctx context.Context, auth UserIDAuth) error {
	defer deregisterTimer.UpdateSince(time.Now())

	exists, err := s.UserExists(ctx, auth.UserID)
	if err != nil {
		return err
	}

	if !exists {
		return errors.Wrapf(ErrUserNotFound, "user %s", auth.UserID)
	}

	private, err := s.PrivateProfile(ctx, auth)
	if err != nil {
		return err
	}

	public, err := s.PublicProfile(ctx, auth.UserID)
	if err != nil {
		return err
	}

	if err := s.verifyPassword(ctx, auth, private); err != nil {
		return err
	}

	defer func() {
		s.public.invalidate(auth.UserID)
		s.private.invalidate(auth.UserID)
		s.keystores.invalidate(auth.UserID)
	}()

	for _, prefix := range []string{private.PrivateStorage, private.InboxWithFullAccess, private.DocumentVersionStorage} {
		n, err := removeUnder(ctx, s.store, prefix)
		if err != nil {
			return err
		}

		log.Debugf("[ProfileStore.Deregister] removed %d objects of %s", n, auth.UserID)
	}

	for _, location := range []string{
		private.Keystore,
		public.PublicKeys,
		s.privateLocation(auth.UserID),
		s.publicLocation(auth.UserID),
	} {
		if location == "" {
			continue
		}

		if err := s.store.Remove(ctx, location); err != nil {
			return err
		}
	}

	return nil
}

func (s *ProfileStore) verifyPassword(ctx context.Context, auth UserIDAuth, private UserPrivateProfile) error {
	exists, err := s.store.Exists(ctx, private.Keystore)
	if err != nil || !exists {
		return err
	}

	access, err := s.access(ctx, auth, private)
	if err != nil {
		return err
	}
	defer access.Close()

	return access.WithPathKey(func([]byte) error { return nil })
}

// PublicProfile returns the public profile of userID.
func (s *ProfileStore) PublicProfile(ctx context.Context, userID string) (UserPublicProfile, error) {
	return s.public.get(userID, func() (UserPublicProfile, error) {
		var p UserPublicProfile
		err := s.readProfile(ctx, s.publicLocation(userID), userID, &p)

		return p, err
	})
}

// PrivateProfile returns the private profile of the authenticated user.
func (s *ProfileStore) PrivateProfile(ctx context.Context, auth UserIDAuth) (UserPrivateProfile, error) {
	return s.private.get(auth.UserID, func() (UserPrivateProfile, error) {
		var p UserPrivateProfile
		err := s.readProfile(ctx, s.privateLocation(auth.UserID), auth.UserID, &p)

		return p, err
	})
}

func (s *ProfileStore) readProfile(ctx context.Context, location, userID string, v interface{}) error {
	if err := validateUserID(userID); err != nil {
		return err
	}

	data, err := readObject(ctx, s.store, location)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return errors.Wrapf(ErrUserNotFound, "user %s", userID)
		}

		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(ErrSerializationFailure, "profile of %s: %v", userID, err)
	}

	return nil
}

// UserExists reports whether both profiles of userID are stored.
func (s *ProfileStore) UserExists(ctx context.Context, userID string) (bool, error) {
	if err := validateUserID(userID); err != nil {
		return false, err
	}

	for _, location := range []string{s.publicLocation(userID), s.privateLocation(userID)} {
		exists, err := s.store.Exists(ctx, location)
		if err != nil || !exists {
			return false, err
		}
	}

	return true, nil
}

// PublicKeys returns the key directory published by userID.
func (s *ProfileStore) PublicKeys(ctx context.Context, userID string) ([]keystore.PublicKey, error) {
	profile, err := s.PublicProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	data, err := readObject(ctx, s.store, profile.PublicKeys)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, errors.Wrapf(ErrKeyNotFound, "no public keys published by %s", userID)
		}

		return nil, err
	}

	var published []publishedKey
	if err := json.Unmarshal(data, &published); err != nil {
		return nil, errors.Wrapf(ErrSerializationFailure, "public keys of %s: %v", userID, err)
	}

	keys := make([]keystore.PublicKey, 0, len(published))

	for _, p := range published {
		der, err := base64.StdEncoding.DecodeString(p.PublicKey)
		if err != nil {
			return nil, errors.Wrapf(ErrSerializationFailure, "public key %s: %v", p.KeyID, err)
		}

		pub, err := x509.ParsePKIXPublicKey(der)
		if err != nil {
			return nil, errors.Wrapf(ErrSerializationFailure, "public key %s: %v", p.KeyID, err)
		}

		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, errors.Wrapf(ErrSerializationFailure, "public key %s is not an rsa key", p.KeyID)
		}

		keys = append(keys, keystore.PublicKey{KeyID: p.KeyID, PublicKey: rsaPub})
	}

	return keys, nil
}

// keyStore returns the parsed, still locked, keystore of a user.
func (s *ProfileStore) keyStore(ctx context.Context, userID string, private UserPrivateProfile) (*keystore.KeyStore, error) {
	return s.keystores.get(userID, func() (*keystore.KeyStore, error) {
		data, err := readObject(ctx, s.store, private.Keystore)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, errors.Wrapf(ErrUserNotFound, "no keystore for %s", userID)
			}

			return nil, err
		}

		return keystore.Load(data, []byte(s.config.StorePassword))
	})
}

// access binds the keystore of the authenticated user to the request's passwords.
func (s *ProfileStore) access(ctx context.Context, auth UserIDAuth, private UserPrivateProfile) (*keystore.Access, error) {
	ks, err := s.keyStore(ctx, auth.UserID, private)
	if err != nil {
		return nil, err
	}

	return keystore.NewAccess(ks, []byte(s.config.StorePassword), auth.readKeyPassword(), keystore.WithSecretFactory(s.factory))
}

// unlock binds the keystore of the authenticated user and proves the password by unlocking the path key.
// The caller closes the returned access.
func (s *ProfileStore) unlock(ctx context.Context, auth UserIDAuth, private UserPrivateProfile) (*keystore.Access, error) {
	access, err := s.access(ctx, auth, private)
	if err != nil {
		return nil, err
	}

	if err := access.WithPathKey(func([]byte) error { return nil }); err != nil {
		access.Close()
		return nil, conceal(auth.UserID, err)
	}

	return access, nil
}

// conceal reports keystore password and key lookup failures as ErrDecryptionFailure. The actual kind is
// only logged.
func conceal(userID string, err error) error {
	if errors.Is(err, keystore.ErrWrongPassword) || errors.Is(err, keystore.ErrKeyNotFound) {
		log.Debugf("[ProfileStore] unable to unlock keystore of %s: %v", userID, err)
		return errors.Wrap(ErrDecryptionFailure, "unable to unlock keystore")
	}

	return err
}

func (s *ProfileStore) close() error {
	var firstErr error

	for _, c := range []interface{ close() error }{s.public, s.private, s.keystores} {
		if err := c.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

package datasafe

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/godaddy/datasafe/pkg/cms"
	"github.com/godaddy/datasafe/pkg/keystore"
	"github.com/godaddy/datasafe/pkg/log"
	"github.com/godaddy/datasafe/pkg/pathenc"
)

var (
	inboxWriteTimer = metrics.GetOrRegisterTimer(MetricsPrefix+".inbox.write", nil)
	inboxReadTimer  = metrics.GetOrRegisterTimer(MetricsPrefix+".inbox.read", nil)
)

// InboxService delivers documents to other users. Anyone can write to an inbox; documents are sealed for
// the recipient's published encryption key and only the recipient can read them. Inbox paths are stored
// in clear so that senders can address documents.
type InboxService struct {
	profiles *ProfileStore
	store    Storage
}

// encryptionKey selects the published key new inbox documents are sealed for.
func encryptionKey(keys []keystore.PublicKey) (keystore.PublicKey, bool) {
	for _, k := range keys {
		if strings.HasPrefix(k.KeyID, keystore.EncPrefix) {
			return k, true
		}
	}

	return keystore.PublicKey{}, false
}

// Write returns a writer that seals a document for the recipient and stores it in their inbox at path.
func (s *InboxService) Write(ctx context.Context, recipient, path string) (*DocumentWriter, error) {
	defer inboxWriteTimer.UpdateSince(time.Now())

	path, err := documentPath(path)
	if err != nil {
		return nil, err
	}

	profile, err := s.profiles.PublicProfile(ctx, recipient)
	if err != nil {
		return nil, err
	}

	keys, err := s.profiles.PublicKeys(ctx, recipient)
	if err != nil {
		return nil, err
	}

	key, ok := encryptionKey(keys)
	if !ok {
		return nil, errors.Wrapf(ErrKeyNotFound, "%s has no published encryption key", recipient)
	}

	dst, err := s.store.Write(ctx, profile.Inbox+path)
	if err != nil {
		return nil, err
	}

	log.Debugf("[InboxService.Write] sending %s to %s using %s", path, recipient, key.KeyID)

	return sealEnvelope(dst, cms.KeyTransRecipient{KeyID: key.KeyID, PublicKey: key.PublicKey})
}

// Read returns the plaintext of the document at path in the authenticated user's inbox. The private key
// named by the envelope is unlocked from the user's keystore; any failure to do so is reported as
// ErrDecryptionFailure.
func (s *InboxService) Read(ctx context.Context, auth UserIDAuth, path string) (*DocumentReader, error) {
	defer inboxReadTimer.UpdateSince(time.Now())

	path, err := documentPath(path)
	if err != nil {
		return nil, err
	}

	profile, err := s.profiles.PrivateProfile(ctx, auth)
	if err != nil {
		return nil, err
	}

	access, err := s.profiles.unlock(ctx, auth, profile)
	if err != nil {
		return nil, err
	}
	defer access.Close()

	src, err := s.store.Read(ctx, profile.InboxWithFullAccess+path)
	if err != nil {
		return nil, err
	}

	return openEnvelope(src, access)
}

// List lazily yields the documents in the authenticated user's inbox whose path starts with prefix. A wrong
// password is reported as ErrDecryptionFailure.
func (s *InboxService) List(ctx context.Context, auth UserIDAuth, prefix string) iter.Seq2[Resource, error] {
	return func(yield func(Resource, error) bool) {
		prefix, err := pathenc.Normalize(prefix)
		if err != nil {
			yield(Resource{}, err)
			return
		}

		profile, err := s.owner(ctx, auth)
		if err != nil {
			yield(Resource{}, err)
			return
		}

		container := profile.InboxWithFullAccess

		for location, err := range s.store.List(ctx, container+prefix) {
			if err != nil {
				if !yield(Resource{}, err) {
					return
				}

				continue
			}

			path := strings.TrimPrefix(location, container)
			if !yield(Resource{Location: location, Path: path, EncryptedPath: path}, nil) {
				return
			}
		}
	}
}

// Remove deletes the document at path from the authenticated user's inbox once the password has been
// verified.
func (s *InboxService) Remove(ctx context.Context, auth UserIDAuth, path string) error {
	path, err := documentPath(path)
	if err != nil {
		return err
	}

	profile, err := s.owner(ctx, auth)
	if err != nil {
		return err
	}

	log.Debugf("[InboxService.Remove] %s removes %s", auth.UserID, path)

	return s.store.Remove(ctx, profile.InboxWithFullAccess+path)
}

// owner returns the private profile of auth once its password has unlocked the keystore.
func (s *InboxService) owner(ctx context.Context, auth UserIDAuth) (UserPrivateProfile, error) {
	profile, err := s.profiles.PrivateProfile(ctx, auth)
	if err != nil {
		return UserPrivateProfile{}, err
	}

	access, err := s.profiles.unlock(ctx, auth, profile)
	if err != nil {
		return UserPrivateProfile{}, err
	}
	access.Close()

	return profile, nil
}

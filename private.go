package datasafe

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/godaddy/datasafe/internal"
	"github.com/godaddy/datasafe/pkg/cms"
	"github.com/godaddy/datasafe/pkg/keystore"
	"github.com/godaddy/datasafe/pkg/log"
	"github.com/godaddy/datasafe/pkg/pathenc"
)

var (
	privateWriteTimer = metrics.GetOrRegisterTimer(MetricsPrefix+".private.write", nil)
	privateReadTimer  = metrics.GetOrRegisterTimer(MetricsPrefix+".private.read", nil)
)

// PrivateService reads and writes documents in the private area of the authenticated user. Document
// bodies are sealed for one of the user's secret keys and every path segment is encrypted.
type PrivateService struct {
	profiles *ProfileStore
	store    Storage
}

// privateRequest is the per request state: the unlocked keystore and the resolved private area.
type privateRequest struct {
	profile UserPrivateProfile
	access  *keystore.Access
}

func (p *PrivateService) open(ctx context.Context, auth UserIDAuth) (*privateRequest, error) {
	profile, err := p.profiles.PrivateProfile(ctx, auth)
	if err != nil {
		return nil, err
	}

	access, err := p.profiles.unlock(ctx, auth, profile)
	if err != nil {
		return nil, err
	}

	return &privateRequest{profile: profile, access: access}, nil
}

func (r *privateRequest) close() {
	r.access.Close()
}

// paths returns a path encryptor keyed by the user's path key. The caller closes it.
func (r *privateRequest) paths() (*pathenc.Encryptor, error) {
	var enc *pathenc.Encryptor

	err := r.access.WithPathKey(func(key []byte) error {
		var err error
		enc, err = pathenc.New(key)

		return err
	})

	return enc, conceal(r.profile.ID, err)
}

// resolve maps a document path to its resource in the private area.
func (r *privateRequest) resolve(path string) (Resource, error) {
	path, err := documentPath(path)
	if err != nil {
		return Resource{}, err
	}

	enc, err := r.paths()
	if err != nil {
		return Resource{}, err
	}
	defer enc.Close()

	encrypted, err := enc.Encrypt(path)
	if err != nil {
		return Resource{}, err
	}

	return Resource{Location: r.profile.PrivateStorage + encrypted, Path: path, EncryptedPath: encrypted}, nil
}

// documentPath normalizes the path of a single document.
func documentPath(path string) (string, error) {
	path, err := pathenc.Normalize(path)
	if err != nil {
		return "", err
	}

	if path == "" || strings.HasSuffix(path, "/") {
		return "", errors.Wrapf(pathenc.ErrInvalidPath, "%q is not a document path", path)
	}

	return path, nil
}

// Write returns a writer that seals a document for a randomly chosen secret key of the user and stores it
// at the encrypted form of path.
func (p *PrivateService) Write(ctx context.Context, auth UserIDAuth, path string) (*DocumentWriter, error) {
	defer privateWriteTimer.UpdateSince(time.Now())

	req, err := p.open(ctx, auth)
	if err != nil {
		return nil, err
	}
	defer req.close()

	res, err := req.resolve(path)
	if err != nil {
		return nil, err
	}

	alias, key, err := req.access.RandomSecretKey()
	if err != nil {
		return nil, conceal(auth.UserID, err)
	}
	defer internal.MemClr(key)

	dst, err := p.store.Write(ctx, res.Location)
	if err != nil {
		return nil, err
	}

	log.Debugf("[PrivateService.Write] %s writes %s", auth.UserID, res.EncryptedPath)

	return sealEnvelope(dst, cms.KEKRecipient{KeyID: alias, Key: key})
}

// Read returns the plaintext of the document at path. The envelope names the secret key it was sealed for;
// a wrong password or failing to unlock that key is reported as ErrDecryptionFailure.
func (p *PrivateService) Read(ctx context.Context, auth UserIDAuth, path string) (*DocumentReader, error) {
	defer privateReadTimer.UpdateSince(time.Now())

	req, err := p.open(ctx, auth)
	if err != nil {
		return nil, err
	}
	defer req.close()

	res, err := req.resolve(path)
	if err != nil {
		return nil, err
	}

	src, err := p.store.Read(ctx, res.Location)
	if err != nil {
		return nil, err
	}

	log.Debugf("[PrivateService.Read] %s reads %s", auth.UserID, res.EncryptedPath)

	return openEnvelope(src, req.access)
}

// List lazily yields the documents below the directory prefix, with decrypted paths. An empty prefix lists
// the whole private area.
func (p *PrivateService) List(ctx context.Context, auth UserIDAuth, prefix string) iter.Seq2[Resource, error] {
	return func(yield func(Resource, error) bool) {
		req, err := p.open(ctx, auth)
		if err != nil {
			yield(Resource{}, err)
			return
		}
		defer req.close()

		dir, err := pathenc.Normalize(prefix)
		if err != nil {
			yield(Resource{}, err)
			return
		}

		if dir != "" && !strings.HasSuffix(dir, "/") {
			dir += "/"
		}

		enc, err := req.paths()
		if err != nil {
			yield(Resource{}, err)
			return
		}
		defer enc.Close()

		encDir, err := enc.Encrypt(dir)
		if err != nil {
			yield(Resource{}, err)
			return
		}

		container := req.profile.PrivateStorage

		for location, err := range p.store.List(ctx, container+encDir) {
			if err != nil {
				if !yield(Resource{}, err) {
					return
				}

				continue
			}

			encrypted := strings.TrimPrefix(location, container)

			path, err := enc.Decrypt(encrypted)
			if err != nil {
				err = errors.Wrapf(err, "private document %s", location)
			}

			if !yield(Resource{Location: location, Path: path, EncryptedPath: encrypted}, err) {
				return
			}
		}
	}
}

// Remove deletes the document at path.
func (p *PrivateService) Remove(ctx context.Context, auth UserIDAuth, path string) error {
	req, err := p.open(ctx, auth)
	if err != nil {
		return err
	}
	defer req.close()

	res, err := req.resolve(path)
	if err != nil {
		return err
	}

	log.Debugf("[PrivateService.Remove] %s removes %s", auth.UserID, res.EncryptedPath)

	return p.store.Remove(ctx, res.Location)
}

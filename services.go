package datasafe

import (
	"context"
	"io"

	"github.com/godaddy/asherah/go/securememory"
	"github.com/godaddy/asherah/go/securememory/memguard"
	"github.com/rcrowley/go-metrics"

	"github.com/godaddy/datasafe/pkg/log"
)

// Services wires the profile store and the private and inbox services to one storage backend.
// It should be created on application start up and closed on shutdown.
type Services struct {
	Config        *Config
	Storage       Storage
	SecretFactory securememory.SecretFactory

	profiles *ProfileStore
	private  *PrivateService
	inbox    *InboxService
}

// ServicesOption is used to configure additional options in Services.
type ServicesOption func(*Services)

// WithSecretFactory sets the factory to use for creating Secrets.
func WithSecretFactory(f securememory.SecretFactory) ServicesOption {
	return func(s *Services) {
		s.SecretFactory = f
	}
}

// WithMetrics enables or disables metrics.
func WithMetrics(enabled bool) ServicesOption {
	return func(*Services) {
		if !enabled {
			metrics.DefaultRegistry.UnregisterAll()
		}
	}
}

// NewServices creates the services for config on top of store.
func NewServices(config *Config, store Storage, opts ...ServicesOption) *Services {
	s := &Services{
		Config:        config,
		Storage:       store,
		SecretFactory: new(memguard.SecretFactory),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.profiles = newProfileStore(config, store, s.SecretFactory)
	s.private = &PrivateService{profiles: s.profiles, store: store}
	s.inbox = &InboxService{profiles: s.profiles, store: store}

	log.Debugf("[NewServices] dfs root %s", config.DFSRoot)

	return s
}

// Profiles returns the profile store.
func (s *Services) Profiles() *ProfileStore {
	return s.profiles
}

// Private returns the private document service.
func (s *Services) Private() *PrivateService {
	return s.private
}

// Inbox returns the inbox service.
func (s *Services) Inbox() *InboxService {
	return s.inbox
}

// Close releases the caches owned by the services.
func (s *Services) Close() error {
	return s.profiles.close()
}

// RegisterUsingDefaults registers a user with the layout returned by DefaultLocations under the DFS root.
func (s *Services) RegisterUsingDefaults(ctx context.Context, auth UserIDAuth) error {
	loc := DefaultLocations(s.Config.DFSRoot, auth.UserID)

	err := s.profiles.RegisterPublic(ctx, UserPublicProfile{
		ID:         auth.UserID,
		Inbox:      loc.Inbox,
		PublicKeys: loc.PublicKeys,
	})
	if err != nil {
		return err
	}

	return s.profiles.RegisterPrivate(ctx, CreateUserPrivateProfile{
		Auth:                   auth,
		Keystore:               loc.Keystore,
		PrivateStorage:         loc.PrivateStorage,
		InboxWithFullAccess:    loc.Inbox,
		DocumentVersionStorage: loc.VersionStorage,
		PublishPubKeysTo:       loc.PublicKeys,
	})
}

// WithPrivateWriter passes a writer for the private document at path to fn. The document is committed
// only if fn returns nil and ctx is still live.
func (s *Services) WithPrivateWriter(ctx context.Context, auth UserIDAuth, path string, fn func(io.Writer) error) error {
	w, err := s.private.Write(ctx, auth, path)
	if err != nil {
		return err
	}

	return commit(ctx, w, fn)
}

// WithPrivateReader passes the plaintext of the private document at path to fn.
func (s *Services) WithPrivateReader(ctx context.Context, auth UserIDAuth, path string, fn func(io.Reader) error) error {
	r, err := s.private.Read(ctx, auth, path)
	if err != nil {
		return err
	}
	defer r.Close()

	return fn(r)
}

// WithInboxWriter passes a writer for the document at path in the recipient's inbox to fn. The document is
// committed only if fn returns nil and ctx is still live.
func (s *Services) WithInboxWriter(ctx context.Context, recipient, path string, fn func(io.Writer) error) error {
	w, err := s.inbox.Write(ctx, recipient, path)
	if err != nil {
		return err
	}

	return commit(ctx, w, fn)
}

// WithInboxReader passes the plaintext of the document at path in the user's inbox to fn.
func (s *Services) WithInboxReader(ctx context.Context, auth UserIDAuth, path string, fn func(io.Reader) error) error {
	r, err := s.inbox.Read(ctx, auth, path)
	if err != nil {
		return err
	}
	defer r.Close()

	return fn(r)
}

func commit(ctx context.Context, w *DocumentWriter, fn func(io.Writer) error) error {
	if err := fn(w); err != nil {
		_ = w.Abort()
		return err
	}

	if err := ctx.Err(); err != nil {
		_ = w.Abort()
		return err
	}

	return w.Close()
}

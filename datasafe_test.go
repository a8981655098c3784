package datasafe_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/godaddy/datasafe"
	"github.com/godaddy/datasafe/pkg/log"
	"github.com/godaddy/datasafe/pkg/storage"
)

const (
	root          = "memory://datasafe/"
	storePassword = "store-password"
	message       = "Hello here 1"
	privatePath   = "folder1/secret.txt"
	inboxPath     = "hello.txt"
)

func auth(name string) datasafe.UserIDAuth {
	return datasafe.NewUserIDAuth(name, "secure-password "+name)
}

// countingStorage counts reads per location.
type countingStorage struct {
	datasafe.Storage

	reads atomic.Int64
}

func (c *countingStorage) Read(ctx context.Context, location string) (io.ReadCloser, error) {
	c.reads.Add(1)
	return c.Storage.Read(ctx, location)
}

type ServicesSuite struct {
	suite.Suite

	ctx   context.Context
	mem   *storage.Memory
	store *countingStorage
	svc   *datasafe.Services
	john  datasafe.UserIDAuth
	jane  datasafe.UserIDAuth
}

func (s *ServicesSuite) newServices(opts ...datasafe.ConfigOption) *datasafe.Services {
	opts = append([]datasafe.ConfigOption{datasafe.WithKDFIterations(16)}, opts...)

	return datasafe.NewServices(datasafe.NewConfig(root, storePassword, opts...), s.store)
}

func (s *ServicesSuite) SetupTest() {
	s.ctx = context.Background()
	s.mem = storage.NewMemory()
	s.store = &countingStorage{Storage: s.mem}
	s.svc = s.newServices()
	s.john = auth("john")
	s.jane = auth("jane")

	s.Require().NoError(s.svc.RegisterUsingDefaults(s.ctx, s.john))
	s.Require().NoError(s.svc.RegisterUsingDefaults(s.ctx, s.jane))
}

func (s *ServicesSuite) TearDownTest() {
	s.NoError(s.svc.Close())
}

func (s *ServicesSuite) writePrivate(a datasafe.UserIDAuth, path, body string) {
	s.Require().NoError(s.svc.WithPrivateWriter(s.ctx, a, path, func(w io.Writer) error {
		_, err := io.WriteString(w, body)
		return err
	}))
}

func (s *ServicesSuite) readPrivate(a datasafe.UserIDAuth, path string) (string, error) {
	var out []byte

	err := s.svc.WithPrivateReader(s.ctx, a, path, func(r io.Reader) error {
		var err error
		out, err = io.ReadAll(r)

		return err
	})

	return string(out), err
}

func (s *ServicesSuite) readInbox(a datasafe.UserIDAuth, path string) (string, error) {
	var out []byte

	err := s.svc.WithInboxReader(s.ctx, a, path, func(r io.Reader) error {
		var err error
		out, err = io.ReadAll(r)

		return err
	})

	return string(out), err
}

func (s *ServicesSuite) privateList(a datasafe.UserIDAuth, prefix string) []datasafe.Resource {
	var out []datasafe.Resource

	for res, err := range s.svc.Private().List(s.ctx, a, prefix) {
		s.Require().NoError(err)
		out = append(out, res)
	}

	return out
}

func (s *ServicesSuite) inboxList(a datasafe.UserIDAuth, prefix string) []datasafe.Resource {
	var out []datasafe.Resource

	for res, err := range s.svc.Inbox().List(s.ctx, a, prefix) {
		s.Require().NoError(err)
		out = append(out, res)
	}

	return out
}

func (s *ServicesSuite) objectsUnder(prefix string) map[string][]byte {
	s.mem.RLock()
	defer s.mem.RUnlock()

	out := make(map[string][]byte)

	for k, v := range s.mem.Objects {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}

	return out
}

func (s *ServicesSuite) TestPrivateRoundTrip() {
	s.writePrivate(s.jane, privatePath, message)

	listed := s.privateList(s.jane, "")
	s.Require().Len(listed, 1)
	s.Equal(privatePath, listed[0].Path)
	s.NotEqual(privatePath, listed[0].EncryptedPath)

	got, err := s.readPrivate(s.jane, privatePath)
	s.Require().NoError(err)
	s.Equal(message, got)

	raw := s.objectsUnder(root + "jane/private/files/")
	s.Require().Len(raw, 1)

	for location, body := range raw {
		s.Equal(listed[0].Location, location)
		s.NotContains(location, "secret.txt")
		s.NotContains(location, "folder1")
		s.False(bytes.Contains(body, []byte(message)))
	}
}

func (s *ServicesSuite) TestPrivateList_Prefix() {
	s.writePrivate(s.jane, "folder1/a.txt", "a")
	s.writePrivate(s.jane, "folder1/sub/b.txt", "b")
	s.writePrivate(s.jane, "folder2/c.txt", "c")

	paths := func(res []datasafe.Resource) []string {
		var out []string
		for _, r := range res {
			out = append(out, r.Path)
		}

		return out
	}

	s.ElementsMatch([]string{"folder1/a.txt", "folder1/sub/b.txt", "folder2/c.txt"}, paths(s.privateList(s.jane, "")))
	s.ElementsMatch([]string{"folder1/a.txt", "folder1/sub/b.txt"}, paths(s.privateList(s.jane, "folder1")))
	s.ElementsMatch([]string{"folder1/sub/b.txt"}, paths(s.privateList(s.jane, "folder1/sub/")))
	s.Empty(s.privateList(s.john, ""))
}

func (s *ServicesSuite) TestCrossUserInbox() {
	s.writePrivate(s.jane, privatePath, message)

	body, err := s.readPrivate(s.jane, privatePath)
	s.Require().NoError(err)

	s.Require().NoError(s.svc.WithInboxWriter(s.ctx, "john", inboxPath, func(w io.Writer) error {
		_, err := io.WriteString(w, body)
		return err
	}))

	listed := s.inboxList(s.john, "")
	s.Require().Len(listed, 1)
	s.Equal(inboxPath, listed[0].Path)
	s.Equal(root+"john/inbox/hello.txt", listed[0].Location)

	raw := s.objectsUnder(root + "john/inbox/")
	s.Require().Contains(raw, root+"john/inbox/hello.txt")
	s.False(bytes.Contains(raw[root+"john/inbox/hello.txt"], []byte(message)))

	got, err := s.readInbox(s.john, inboxPath)
	s.Require().NoError(err)
	s.Equal(message, got)

	s.Empty(s.inboxList(s.jane, ""))
}

func (s *ServicesSuite) TestDeregistrationCleanup() {
	s.TestCrossUserInbox()

	s.Require().NoError(s.svc.Private().Remove(s.ctx, s.jane, privatePath))
	s.Require().NoError(s.svc.Inbox().Remove(s.ctx, s.john, inboxPath))

	s.Require().NoError(s.svc.Profiles().Deregister(s.ctx, s.jane))
	s.Require().NoError(s.svc.Profiles().Deregister(s.ctx, s.john))

	s.Empty(s.objectsUnder(root), "every profile, keystore and key directory is removed")

	for _, a := range []datasafe.UserIDAuth{s.jane, s.john} {
		exists, err := s.svc.Profiles().UserExists(s.ctx, a.UserID)
		s.Require().NoError(err)
		s.False(exists)

		s.ErrorIs(s.svc.Profiles().Deregister(s.ctx, a), datasafe.ErrUserNotFound)
	}
}

func (s *ServicesSuite) TestDeregister_RemovesDocuments() {
	s.writePrivate(s.jane, privatePath, message)
	s.writePrivate(s.jane, "other.txt", message)
	s.Require().NoError(s.svc.WithInboxWriter(s.ctx, "jane", inboxPath, func(w io.Writer) error {
		_, err := io.WriteString(w, message)
		return err
	}))

	s.Require().NoError(s.svc.Profiles().Deregister(s.ctx, s.jane))

	s.Empty(s.objectsUnder(root + "jane/"))
	s.Empty(s.objectsUnder(root + "profiles/public/jane"))
	s.Empty(s.objectsUnder(root + "profiles/private/jane"))
	s.NotEmpty(s.objectsUnder(root + "john/"))

	_, err := s.svc.Profiles().PublicProfile(s.ctx, "jane")
	s.ErrorIs(err, datasafe.ErrUserNotFound)

	_, err = s.readPrivate(s.jane, privatePath)
	s.ErrorIs(err, datasafe.ErrUserNotFound)
}

func (s *ServicesSuite) TestDeregister_WrongPassword() {
	err := s.svc.Profiles().Deregister(s.ctx, datasafe.NewUserIDAuth("jane", "guess"))
	s.ErrorIs(err, datasafe.ErrWrongPassword)

	exists, err := s.svc.Profiles().UserExists(s.ctx, "jane")
	s.Require().NoError(err)
	s.True(exists)
}

func (s *ServicesSuite) TestWrongRecipient() {
	s.Require().NoError(s.svc.WithInboxWriter(s.ctx, "john", inboxPath, func(w io.Writer) error {
		_, err := io.WriteString(w, message)
		return err
	}))

	// Copy the envelope sealed for john into jane's inbox.
	s.mem.Lock()
	s.mem.Objects[root+"jane/inbox/"+inboxPath] = bytes.Clone(s.mem.Objects[root+"john/inbox/"+inboxPath])
	s.mem.Unlock()

	got, err := s.readInbox(s.jane, inboxPath)
	s.ErrorIs(err, datasafe.ErrDecryptionFailure)
	s.Empty(got)
}

func (s *ServicesSuite) TestWrongPassword() {
	s.writePrivate(s.jane, privatePath, message)

	wrong := datasafe.NewUserIDAuth("jane", "not the password")

	_, err := s.readPrivate(wrong, privatePath)
	s.Require().ErrorIs(err, datasafe.ErrDecryptionFailure)
	s.NotErrorIs(err, datasafe.ErrWrongPassword)
	s.NotContains(err.Error(), "path-")

	err = s.svc.WithPrivateWriter(s.ctx, wrong, "x.txt", func(io.Writer) error { return nil })
	s.ErrorIs(err, datasafe.ErrDecryptionFailure)
	s.NotErrorIs(err, datasafe.ErrWrongPassword)

	err = s.svc.Private().Remove(s.ctx, wrong, privatePath)
	s.ErrorIs(err, datasafe.ErrDecryptionFailure)

	for _, err := range s.svc.Private().List(s.ctx, wrong, "") {
		s.ErrorIs(err, datasafe.ErrDecryptionFailure)
	}

	got, err := s.readPrivate(s.jane, privatePath)
	s.Require().NoError(err)
	s.Equal(message, got)

	s.Require().NoError(s.svc.WithInboxWriter(s.ctx, "jane", inboxPath, func(w io.Writer) error {
		_, err := io.WriteString(w, message)
		return err
	}))

	_, err = s.readInbox(wrong, inboxPath)
	s.ErrorIs(err, datasafe.ErrDecryptionFailure)
	s.NotErrorIs(err, datasafe.ErrWrongPassword)
}

// capturingLogger records every debug line.
type capturingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *capturingLogger) Debugf(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lines = append(l.lines, fmt.Sprintf(format, v...))
}

func (s *ServicesSuite) TestPrivatePathsAreNotLogged() {
	logger := new(capturingLogger)

	log.SetLogger(logger)
	defer log.SetLogger(nil)

	s.writePrivate(s.jane, privatePath, message)

	_, err := s.readPrivate(s.jane, privatePath)
	s.Require().NoError(err)
	s.Require().NoError(s.svc.Private().Remove(s.ctx, s.jane, privatePath))

	logger.mu.Lock()
	defer logger.mu.Unlock()

	s.NotEmpty(logger.lines)

	for _, line := range logger.lines {
		s.NotContains(line, "folder1")
		s.NotContains(line, "secret.txt")
		s.NotContains(line, "secure-password")
	}
}

func (s *ServicesSuite) TestInbox_WrongPasswordCannotListOrRemove() {
	s.Require().NoError(s.svc.WithInboxWriter(s.ctx, "jane", inboxPath, func(w io.Writer) error {
		_, err := io.WriteString(w, message)
		return err
	}))

	wrong := datasafe.NewUserIDAuth("jane", "guess")

	var listed []datasafe.Resource

	for res, err := range s.svc.Inbox().List(s.ctx, wrong, "") {
		s.ErrorIs(err, datasafe.ErrDecryptionFailure)

		if err == nil {
			listed = append(listed, res)
		}
	}

	s.Empty(listed)

	err := s.svc.Inbox().Remove(s.ctx, wrong, inboxPath)
	s.ErrorIs(err, datasafe.ErrDecryptionFailure)

	s.Len(s.inboxList(s.jane, ""), 1)

	got, err := s.readInbox(s.jane, inboxPath)
	s.Require().NoError(err)
	s.Equal(message, got)
}

func (s *ServicesSuite) TestReRegistrationKeepsKeystore() {
	loc := datasafe.DefaultLocations(root, "jane")

	keystoreBefore := bytes.Clone(s.mem.Objects[loc.Keystore])
	keysBefore, err := s.svc.Profiles().PublicKeys(s.ctx, "jane")
	s.Require().NoError(err)

	s.writePrivate(s.jane, privatePath, message)

	s.Require().NoError(s.svc.RegisterUsingDefaults(s.ctx, s.jane))

	s.Equal(keystoreBefore, s.mem.Objects[loc.Keystore])

	keysAfter, err := s.svc.Profiles().PublicKeys(s.ctx, "jane")
	s.Require().NoError(err)
	s.Equal(keysBefore, keysAfter)

	got, err := s.readPrivate(s.jane, privatePath)
	s.Require().NoError(err)
	s.Equal(message, got)
}

func (s *ServicesSuite) TestPublishedKeys() {
	keys, err := s.svc.Profiles().PublicKeys(s.ctx, "john")
	s.Require().NoError(err)
	s.Require().Len(keys, 2)

	s.True(strings.HasPrefix(keys[0].KeyID, "enc-"))
	s.True(strings.HasPrefix(keys[1].KeyID, "sign-"))

	raw := string(s.mem.Objects[datasafe.DefaultLocations(root, "john").PublicKeys])
	s.Contains(raw, `"keyID"`)
	s.Contains(raw, `"publicKey"`)
}

func (s *ServicesSuite) TestProfiles() {
	public, err := s.svc.Profiles().PublicProfile(s.ctx, "jane")
	s.Require().NoError(err)
	s.Equal(datasafe.UserPublicProfile{
		ID:         "jane",
		Inbox:      root + "jane/inbox/",
		PublicKeys: root + "jane/public/pubkeys",
	}, public)

	private, err := s.svc.Profiles().PrivateProfile(s.ctx, s.jane)
	s.Require().NoError(err)
	s.Equal(datasafe.UserPrivateProfile{
		ID:                     "jane",
		Keystore:               root + "jane/private/keystore",
		PrivateStorage:         root + "jane/private/files/",
		InboxWithFullAccess:    root + "jane/inbox/",
		DocumentVersionStorage: root + "jane/versions/",
	}, private)

	raw := string(s.mem.Objects[root+"profiles/public/jane"])
	s.JSONEq(`{"id":"jane","inbox":"memory://datasafe/jane/inbox/","publicKeys":"memory://datasafe/jane/public/pubkeys"}`, raw)

	_, err = s.svc.Profiles().PublicProfile(s.ctx, "nobody")
	s.ErrorIs(err, datasafe.ErrUserNotFound)
}

func (s *ServicesSuite) TestProfileCache() {
	_, err := s.svc.Profiles().PublicProfile(s.ctx, "john")
	s.Require().NoError(err)

	before := s.store.reads.Load()

	_, err = s.svc.Profiles().PublicProfile(s.ctx, "john")
	s.Require().NoError(err)
	s.Equal(before, s.store.reads.Load(), "second lookup is served from the cache")

	err = s.svc.Profiles().RegisterPublic(s.ctx, datasafe.UserPublicProfile{
		ID:         "john",
		Inbox:      root + "john/other-inbox",
		PublicKeys: root + "john/public/pubkeys",
	})
	s.Require().NoError(err)

	public, err := s.svc.Profiles().PublicProfile(s.ctx, "john")
	s.Require().NoError(err)
	s.Equal(root+"john/other-inbox/", public.Inbox)
}

func (s *ServicesSuite) TestCorruptProfile() {
	s.mem.Lock()
	s.mem.Objects[root+"profiles/public/jane"] = []byte("{not json")
	s.mem.Unlock()

	svc := s.newServices(datasafe.WithNoCache())
	defer svc.Close()

	_, err := svc.Profiles().PublicProfile(s.ctx, "jane")
	s.ErrorIs(err, datasafe.ErrSerializationFailure)
}

func (s *ServicesSuite) TestForbidReRegistration() {
	svc := s.newServices(datasafe.WithForbidReRegistration())
	defer svc.Close()

	s.ErrorIs(svc.RegisterUsingDefaults(s.ctx, s.jane), datasafe.ErrUserAlreadyRegistered)
	s.NoError(svc.RegisterUsingDefaults(s.ctx, auth("alice")))
}

func (s *ServicesSuite) TestAbandonedWriteLeavesNothing() {
	err := s.svc.WithPrivateWriter(s.ctx, s.jane, privatePath, func(w io.Writer) error {
		_, _ = io.WriteString(w, message)
		return assert.AnError
	})
	s.ErrorIs(err, assert.AnError)

	ctx, cancel := context.WithCancel(s.ctx)

	err = s.svc.WithPrivateWriter(ctx, s.jane, privatePath, func(w io.Writer) error {
		cancel()
		_, err := io.WriteString(w, message)

		return err
	})
	s.ErrorIs(err, context.Canceled)

	s.Empty(s.objectsUnder(root + "jane/private/files/"))
}

func (s *ServicesSuite) TestInvalidPaths() {
	err := s.svc.WithPrivateWriter(s.ctx, s.jane, "../escape", func(io.Writer) error { return nil })
	s.Error(err)

	err = s.svc.WithPrivateWriter(s.ctx, s.jane, "dir/", func(io.Writer) error { return nil })
	s.Error(err)

	err = s.svc.WithInboxWriter(s.ctx, "john", "", func(io.Writer) error { return nil })
	s.Error(err)

	err = s.svc.WithInboxWriter(s.ctx, "nobody", inboxPath, func(io.Writer) error { return nil })
	s.ErrorIs(err, datasafe.ErrUserNotFound)
}

func (s *ServicesSuite) TestReadMissingDocument() {
	_, err := s.readPrivate(s.jane, "missing.txt")
	s.ErrorIs(err, datasafe.ErrNotFound)

	_, err = s.readInbox(s.jane, "missing.txt")
	s.ErrorIs(err, datasafe.ErrNotFound)
}

func TestServicesSuite(t *testing.T) {
	suite.Run(t, new(ServicesSuite))
}

func TestServices_FileSystem(t *testing.T) {
	ctx := context.Background()
	dir := storage.FileURI(t.TempDir()) + "/"

	svc := datasafe.NewServices(datasafe.NewConfig(dir, storePassword, datasafe.WithKDFIterations(16)), storage.NewFileSystem())
	defer svc.Close()

	jane := auth("jane")
	require.NoError(t, svc.RegisterUsingDefaults(ctx, jane))

	require.NoError(t, svc.WithPrivateWriter(ctx, jane, privatePath, func(w io.Writer) error {
		_, err := w.Write(bytes.Repeat([]byte(message), 10_000))
		return err
	}))

	var got []byte
	require.NoError(t, svc.WithPrivateReader(ctx, jane, privatePath, func(r io.Reader) error {
		var err error
		got, err = io.ReadAll(r)

		return err
	}))
	assert.Equal(t, bytes.Repeat([]byte(message), 10_000), got)

	require.NoError(t, svc.Profiles().Deregister(ctx, jane))

	exists, err := svc.Profiles().UserExists(ctx, "jane")
	require.NoError(t, err)
	assert.False(t, exists)
}

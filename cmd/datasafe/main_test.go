package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/godaddy/datasafe/pkg/storage"
)

func resetOptions(t *testing.T) {
	opts = Options{Storage: "fs"}
	cacheOptions = nil

	t.Cleanup(func() {
		opts = Options{}
		cacheOptions = nil
	})
}

func TestRegionMap(t *testing.T) {
	resetOptions(t)

	opts.RegionMap = "us-west-2=arn:west, us-east-1=arn:east,invalid"

	assert.Equal(t, map[string]string{
		"us-west-2": "arn:west",
		"us-east-1": "arn:east",
	}, regionMap())
}

func TestLoadConfigFile(t *testing.T) {
	resetOptions(t)

	path := filepath.Join(t.TempDir(), "datasafe.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage = "dynamodb"
root = "s3://vault/"
dynamodb_table = "Vault"
user = "jane"
keyring = true

[kms_regions]
us-west-2 = "arn:west"

[cache]
profile_max_size = 10
profile_expire_after = "5m"
keystore_max_size = 0
`), 0o600))

	opts.Config = path

	require.NoError(t, loadConfigFile())

	assert.Equal(t, "dynamodb", opts.Storage)
	assert.Equal(t, "s3://vault/", opts.Root)
	assert.Equal(t, "jane", opts.User)
	assert.True(t, opts.Keyring)
	assert.Equal(t, "us-west-2=arn:west", opts.RegionMap)
	assert.Equal(t, "Vault", opts.Table)
	assert.Len(t, cacheOptions, 3)
}

func TestLoadConfigFile_Invalid(t *testing.T) {
	resetOptions(t)

	path := filepath.Join(t.TempDir(), "datasafe.toml")
	require.NoError(t, os.WriteFile(path, []byte("storage = "), 0o600))

	opts.Config = path

	assert.Error(t, loadConfigFile())
}

func TestDefaultRoot(t *testing.T) {
	resetOptions(t)

	opts.Storage = "memory"
	root, err := defaultRoot()
	require.NoError(t, err)
	assert.Equal(t, "memory://datasafe/", root)

	opts.Storage = "mysql"
	_, err = defaultRoot()
	assert.Error(t, err)
}

func TestCommands_FileSystemRoundTrip(t *testing.T) {
	resetOptions(t)

	dir := t.TempDir()

	opts.Root = storage.FileURI(filepath.Join(dir, "vault")) + "/"
	opts.StorePassword = "store-password"
	opts.User = "jane"
	opts.Password = "secure-password jane"

	require.NoError(t, (&registerCommand{}).Execute(nil))

	in := filepath.Join(dir, "in.txt")
	out := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(in, []byte("hello jane"), 0o600))

	write := &privateWriteCommand{ioOptions: ioOptions{In: in}}
	write.Args.Path = "notes/hello.txt"
	require.NoError(t, write.Execute(nil))

	read := &privateReadCommand{ioOptions: ioOptions{Out: out}}
	read.Args.Path = "notes/hello.txt"
	require.NoError(t, read.Execute(nil))

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello jane", string(b))

	send := &inboxSendCommand{ioOptions: ioOptions{In: in}}
	send.Args.Recipient = "jane"
	send.Args.Path = "greeting.txt"
	require.NoError(t, send.Execute(nil))

	inboxOut := filepath.Join(dir, "inbox.txt")
	inboxRead := &inboxReadCommand{ioOptions: ioOptions{Out: inboxOut}}
	inboxRead.Args.Path = "greeting.txt"
	require.NoError(t, inboxRead.Execute(nil))

	b, err = os.ReadFile(inboxOut)
	require.NoError(t, err)
	assert.Equal(t, "hello jane", string(b))

	rm := &privateRemoveCommand{}
	rm.Args.Path = "notes/hello.txt"
	require.NoError(t, rm.Execute(nil))

	assert.Error(t, read.Execute(nil))

	opts.Password = "wrong"
	assert.Error(t, (&deregisterCommand{}).Execute(nil))

	opts.Password = "secure-password jane"
	require.NoError(t, (&deregisterCommand{}).Execute(nil))
}

func TestRun_RequiresStorePassword(t *testing.T) {
	resetOptions(t)

	opts.Storage = "memory"

	err := run(func(*env) error { return nil })
	assert.Error(t, err)
}

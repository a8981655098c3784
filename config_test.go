package datasafe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/godaddy/datasafe/pkg/keystore"
)

func TestNewConfig_Defaults(t *testing.T) {
	config := NewConfig("memory://root", "pw")

	assert.Equal(t, "memory://root/", config.DFSRoot)
	assert.Equal(t, "pw", config.StorePassword)
	assert.Equal(t, keystore.DefaultCreationConfig(), config.KeyStore)
	assert.Equal(t, DefaultProfileCacheMaxSize, config.ProfileCacheMaxSize)
	assert.Equal(t, DefaultProfileCacheExpireAfter, config.ProfileCacheExpireAfter)
	assert.Equal(t, DefaultKeyStoreCacheMaxSize, config.KeyStoreCacheMaxSize)
	assert.False(t, config.ForbidReRegistration)
	assert.Zero(t, config.KDFIterations)
}

func TestNewConfig_Options(t *testing.T) {
	cc := keystore.CreationConfig{EncKeyNumber: 2, SignKeyNumber: 1, SecretKeyNumber: 3}

	config := NewConfig("memory://root/", "pw",
		WithKeyStoreConfig(cc),
		WithKDFIterations(42),
		WithProfileCacheMaxSize(5),
		WithProfileCacheExpireAfter(time.Second),
		WithKeyStoreCacheMaxSize(7),
		WithForbidReRegistration(),
	)

	assert.Equal(t, "memory://root/", config.DFSRoot)
	assert.Equal(t, cc, config.KeyStore)
	assert.Equal(t, 42, config.KDFIterations)
	assert.Equal(t, 5, config.ProfileCacheMaxSize)
	assert.Equal(t, time.Second, config.ProfileCacheExpireAfter)
	assert.Equal(t, 7, config.KeyStoreCacheMaxSize)
	assert.True(t, config.ForbidReRegistration)

	config = NewConfig("memory://root/", "pw", WithNoCache())
	assert.Zero(t, config.ProfileCacheMaxSize)
	assert.Zero(t, config.KeyStoreCacheMaxSize)
}

func TestDefaultLocations(t *testing.T) {
	loc := DefaultLocations("s3://bucket", "jane")

	assert.Equal(t, Locations{
		Keystore:       "s3://bucket/jane/private/keystore",
		PrivateStorage: "s3://bucket/jane/private/files/",
		Inbox:          "s3://bucket/jane/inbox/",
		PublicKeys:     "s3://bucket/jane/public/pubkeys",
		VersionStorage: "s3://bucket/jane/versions/",
	}, loc)
}

func TestValidateUserID(t *testing.T) {
	for _, id := range []string{"jane", "john.doe", "user@example.com"} {
		assert.NoError(t, validateUserID(id), id)
	}

	for _, id := range []string{"", ".", "..", "a/b", `a\b`} {
		assert.Error(t, validateUserID(id), id)
	}
}

func TestUserIDAuth_PasswordIsCopied(t *testing.T) {
	auth := NewUserIDAuth("jane", "secret")

	pw := auth.readKeyPassword()
	clear(pw)

	assert.Equal(t, []byte("secret"), auth.readKeyPassword())
	assert.NotContains(t, auth.String(), "secret")
}

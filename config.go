package datasafe

import (
	"strings"
	"time"

	"github.com/godaddy/datasafe/pkg/keystore"
)

// Default values for Config if not overridden.
const (
	DefaultProfileCacheMaxSize     = 1000
	DefaultProfileCacheExpireAfter = time.Minute * 10
	DefaultKeyStoreCacheMaxSize    = 1000
)

// Config contains the deployment wide settings of a Services instance.
type Config struct {
	// DFSRoot is the absolute URI under which profiles (and default user locations) are stored.
	// It always ends with a separator.
	DFSRoot string
	// StorePassword is the system wide ReadStorePassword protecting the integrity of every keystore.
	StorePassword string
	// KeyStore controls how many keys of each kind a newly registered user receives.
	KeyStore keystore.CreationConfig
	// KDFIterations overrides the PBKDF2 iteration count of new keystores. Zero keeps the default.
	KDFIterations int
	// ProfileCacheMaxSize bounds the number of cached public and private profiles. Zero disables caching.
	ProfileCacheMaxSize int
	// ProfileCacheExpireAfter evicts profiles that have not been accessed for this long.
	ProfileCacheExpireAfter time.Duration
	// KeyStoreCacheMaxSize bounds the number of cached, still locked, keystores. Zero disables caching.
	KeyStoreCacheMaxSize int
	// ForbidReRegistration makes registration fail with ErrUserAlreadyRegistered if the profile exists.
	ForbidReRegistration bool
}

// ConfigOption is used to configure a Config.
type ConfigOption func(*Config)

// WithKeyStoreConfig sets the number of keys created for new users.
func WithKeyStoreConfig(c keystore.CreationConfig) ConfigOption {
	return func(config *Config) {
		config.KeyStore = c
	}
}

// WithKDFIterations sets the PBKDF2 iteration count used when keystores are created.
func WithKDFIterations(n int) ConfigOption {
	return func(config *Config) {
		config.KDFIterations = n
	}
}

// WithProfileCacheMaxSize specifies the profile cache max size.
func WithProfileCacheMaxSize(size int) ConfigOption {
	return func(config *Config) {
		config.ProfileCacheMaxSize = size
	}
}

// WithProfileCacheExpireAfter specifies how long a profile stays cached without being accessed.
func WithProfileCacheExpireAfter(d time.Duration) ConfigOption {
	return func(config *Config) {
		config.ProfileCacheExpireAfter = d
	}
}

// WithKeyStoreCacheMaxSize specifies the keystore cache max size.
func WithKeyStoreCacheMaxSize(size int) ConfigOption {
	return func(config *Config) {
		config.KeyStoreCacheMaxSize = size
	}
}

// WithForbidReRegistration rejects registration of users whose profiles already exist.
func WithForbidReRegistration() ConfigOption {
	return func(config *Config) {
		config.ForbidReRegistration = true
	}
}

// WithNoCache disables the profile and keystore caches.
func WithNoCache() ConfigOption {
	return func(config *Config) {
		config.ProfileCacheMaxSize = 0
		config.KeyStoreCacheMaxSize = 0
	}
}

// NewConfig returns a new Config with default values.
func NewConfig(dfsRoot, storePassword string, opts ...ConfigOption) *Config {
	config := &Config{
		DFSRoot:                 withSeparator(dfsRoot),
		StorePassword:           storePassword,
		KeyStore:                keystore.DefaultCreationConfig(),
		ProfileCacheMaxSize:     DefaultProfileCacheMaxSize,
		ProfileCacheExpireAfter: DefaultProfileCacheExpireAfter,
		KeyStoreCacheMaxSize:    DefaultKeyStoreCacheMaxSize,
	}

	for _, opt := range opts {
		opt(config)
	}

	return config
}

func withSeparator(uri string) string {
	if uri == "" || strings.HasSuffix(uri, "/") {
		return uri
	}

	return uri + "/"
}

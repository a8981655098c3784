package pkcs12

import (
	"crypto/rand"
	"io"
)

const (
	// DefaultIterations is the PBKDF2 iteration count used when shrouding keys.
	DefaultIterations = 10000
	// DefaultMacIterations is the iteration count of the PKCS#12 MAC key derivation.
	DefaultMacIterations = 10000

	saltSize = 16
)

type options struct {
	rand          io.Reader
	iterations    int
	macIterations int
}

// Option customizes encoding.
type Option func(*options)

// WithIterations sets the PBKDF2 iteration count used by EncryptPrivateKeyInfo.
func WithIterations(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.iterations = n
		}
	}
}

// WithMacIterations sets the iteration count for the MAC key derivation used by Encode.
func WithMacIterations(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.macIterations = n
		}
	}
}

// WithRand sets the source of salts and IVs.
func WithRand(r io.Reader) Option {
	return func(o *options) {
		o.rand = r
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		rand:          rand.Reader,
		iterations:    DefaultIterations,
		macIterations: DefaultMacIterations,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

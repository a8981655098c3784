package internal

import (
	"fmt"
	"sync"

	"github.com/godaddy/asherah/go/securememory"
)

// SecretBytes holds sensitive bytes (passwords, derived keys) in a secure section of memory.
type SecretBytes struct {
	secret securememory.Secret
	once   sync.Once
}

// NewSecretBytes copies b into protected memory. The caller's slice is wiped before returning.
func NewSecretBytes(factory securememory.SecretFactory, b []byte) (*SecretBytes, error) {
	buf := make([]byte, len(b))
	copy(buf, b)
	MemClr(b)

	// securememory rejects empty secrets, keep a marker byte so empty passwords still work.
	if len(buf) == 0 {
		buf = []byte{0}
		sec, err := factory.New(buf)
		if err != nil {
			return nil, err
		}

		return &SecretBytes{secret: emptySecret{sec}}, nil
	}

	sec, err := factory.New(buf)
	if err != nil {
		return nil, err
	}

	return &SecretBytes{secret: sec}, nil
}

// Close destroys the underlying buffer.
func (s *SecretBytes) Close() {
	s.once.Do(func() {
		s.secret.Close()
	})
}

// IsClosed returns true if the underlying buffer has been destroyed.
func (s *SecretBytes) IsClosed() bool {
	return s.secret.IsClosed()
}

func (s *SecretBytes) String() string {
	return fmt.Sprintf("SecretBytes(%p)", s)
}

// WithBytes makes the bytes readable and passes them to action. A reference MUST not be kept
// to the provided slice.
func (s *SecretBytes) WithBytes(action func([]byte) error) error {
	return s.secret.WithBytes(action)
}

// WithBytesFunc is like WithBytes but lets action return a value.
func (s *SecretBytes) WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error) {
	return s.secret.WithBytesFunc(action)
}

// emptySecret presents a one byte marker secret as an empty slice.
type emptySecret struct {
	securememory.Secret
}

func (e emptySecret) WithBytes(action func([]byte) error) error {
	return e.Secret.WithBytes(func([]byte) error {
		return action([]byte{})
	})
}

func (e emptySecret) WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error) {
	return e.Secret.WithBytesFunc(func([]byte) ([]byte, error) {
		return action([]byte{})
	})
}

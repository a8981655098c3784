package datasafe

import (
	"github.com/pkg/errors"

	"github.com/godaddy/datasafe/pkg/cms"
	"github.com/godaddy/datasafe/pkg/keystore"
)

var (
	// ErrUserNotFound is returned when an operation references a user without both profiles.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserAlreadyRegistered is returned on re-registration when the configuration forbids it.
	ErrUserAlreadyRegistered = errors.New("user already registered")
	// ErrSerializationFailure is returned when a stored profile or key directory cannot be decoded.
	ErrSerializationFailure = errors.New("serialization failure")
	// ErrStorageFailure wraps every backend I/O error.
	ErrStorageFailure = errors.New("storage failure")
	// ErrNotFound is returned by Storage.Read when no object exists at the location.
	ErrNotFound = errors.New("object not found")
)

// Errors raised by the lower layers, exported here so that callers need a single import.
var (
	ErrWrongPassword        = keystore.ErrWrongPassword
	ErrKeyNotFound          = keystore.ErrKeyNotFound
	ErrNoRecipients         = cms.ErrNoRecipients
	ErrTooManyRecipients    = cms.ErrTooManyRecipients
	ErrUnsupportedRecipient = cms.ErrUnsupportedRecipient
	ErrDecryptionFailure    = cms.ErrDecryptionFailure
)

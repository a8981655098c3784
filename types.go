package datasafe

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
)

// UserIDAuth identifies a user together with the ReadKeyPassword that unlocks their keys.
type UserIDAuth struct {
	UserID   string
	password []byte
}

// NewUserIDAuth returns the credentials of userID.
func NewUserIDAuth(userID, readKeyPassword string) UserIDAuth {
	return UserIDAuth{UserID: userID, password: []byte(readKeyPassword)}
}

// readKeyPassword returns a copy of the password; keystore access wipes the slices it is given.
func (a UserIDAuth) readKeyPassword() []byte {
	return bytes.Clone(a.password)
}

func (a UserIDAuth) String() string {
	return "UserIDAuth{" + a.UserID + "}"
}

// UserPublicProfile is the part of a profile visible to every user. It never contains credentials.
type UserPublicProfile struct {
	ID         string `json:"id"`
	Inbox      string `json:"inbox"`
	PublicKeys string `json:"publicKeys"`
}

// UserPrivateProfile locates the storage owned by a user.
type UserPrivateProfile struct {
	ID                     string `json:"id"`
	Keystore               string `json:"keystore"`
	PrivateStorage         string `json:"privateStorage"`
	InboxWithFullAccess    string `json:"inboxWithFullAccess"`
	DocumentVersionStorage string `json:"documentVersionStorage,omitempty"`
}

// CreateUserPrivateProfile is the registration request for the private part of a profile.
type CreateUserPrivateProfile struct {
	Auth                   UserIDAuth
	Keystore               string
	PrivateStorage         string
	InboxWithFullAccess    string
	DocumentVersionStorage string
	// PublishPubKeysTo receives the user's public keys when the keystore is created, unless it already
	// holds an object. Empty disables publishing.
	PublishPubKeysTo string
}

func (c CreateUserPrivateProfile) profile() UserPrivateProfile {
	return UserPrivateProfile{
		ID:                     c.Auth.UserID,
		Keystore:               c.Keystore,
		PrivateStorage:         withSeparator(c.PrivateStorage),
		InboxWithFullAccess:    withSeparator(c.InboxWithFullAccess),
		DocumentVersionStorage: withSeparator(c.DocumentVersionStorage),
	}
}

// Locations is the conventional storage layout of one user.
type Locations struct {
	Keystore       string
	PrivateStorage string
	Inbox          string
	PublicKeys     string
	VersionStorage string
}

// DefaultLocations returns the layout rooted at root: <root><user>/private/keystore,
// <root><user>/private/files/, <root><user>/inbox/, <root><user>/public/pubkeys and <root><user>/versions/.
func DefaultLocations(root, userID string) Locations {
	base := withSeparator(root) + userID + "/"

	return Locations{
		Keystore:       base + "private/keystore",
		PrivateStorage: base + "private/files/",
		Inbox:          base + "inbox/",
		PublicKeys:     base + "public/pubkeys",
		VersionStorage: base + "versions/",
	}
}

// Resource is a document in a private area or an inbox.
type Resource struct {
	// Location is the absolute storage URI of the document.
	Location string
	// Path is the logical path relative to the area root.
	Path string
	// EncryptedPath is the path as stored. It equals Path for inbox documents.
	EncryptedPath string
}

func validateUserID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, "/\\") {
		return errors.Errorf("invalid user id %q", id)
	}

	return nil
}

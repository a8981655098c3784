// Package datasafe implements a per-user encrypted document vault on top of an untrusted object store.
//
// Every user owns a private area, an inbox and a public area. Document bodies are wrapped in CMS
// EnvelopedData structures and the path segments of private documents are encrypted, so the storage
// backend sees neither plaintext content nor plaintext private file names.
//
// Your main interaction with the library will most likely be the Services type, which should be created
// on application start up and kept for the lifetime of the app:
//
//	svc := datasafe.NewServices(datasafe.NewConfig("file:///var/lib/datasafe/", storePassword), store)
//	defer svc.Close()
//
//	auth := datasafe.NewUserIDAuth("jane", "secure-password jane")
//	err := svc.RegisterUsingDefaults(ctx, auth)
//
// All per-request key material (the keystore passwords and the derived path key) lives in protected
// memory and is destroyed when the request completes.
package datasafe

import (
	"context"
	"io"
	"iter"

	"github.com/pkg/errors"
)

// MetricsPrefix prefixes all datasafe metric names.
const MetricsPrefix = "ds"

// Storage is the object store consumed by datasafe. Locations are absolute URIs.
//
// Implementations must be safe for concurrent use. Read returns ErrNotFound if nothing is stored at the
// location; every other failure should wrap ErrStorageFailure.
type Storage interface {
	// Read opens the object stored at location.
	Read(ctx context.Context, location string) (io.ReadCloser, error)
	// Write returns a writer for location. The object becomes visible only once the writer is closed
	// successfully; an abandoned writer leaves no object behind.
	Write(ctx context.Context, location string) (io.WriteCloser, error)
	// List lazily yields the locations of all objects whose location starts with prefix.
	List(ctx context.Context, prefix string) iter.Seq2[string, error]
	// Remove deletes the object at location. Removing a missing object is not an error.
	Remove(ctx context.Context, location string) error
	// Exists reports whether an object is stored at location.
	Exists(ctx context.Context, location string) (bool, error)
}

// Aborter is implemented by storage writers that can discard a pending object without committing it.
type Aborter interface {
	Abort() error
}

// abort discards w if it supports it, otherwise closes it.
func abort(w io.WriteCloser) {
	if a, ok := w.(Aborter); ok {
		_ = a.Abort()
		return
	}

	_ = w.Close()
}

// readObject reads the whole object at location.
func readObject(ctx context.Context, store Storage, location string) ([]byte, error) {
	r, err := store.Read(ctx, location)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(ErrStorageFailure, "read %s: %v", location, err)
	}

	return data, nil
}

// writeObject replaces the object at location with data.
func writeObject(ctx context.Context, store Storage, location string, data []byte) error {
	w, err := store.Write(ctx, location)
	if err != nil {
		return err
	}

	if _, err := w.Write(data); err != nil {
		abort(w)
		return errors.Wrapf(ErrStorageFailure, "write %s: %v", location, err)
	}

	return w.Close()
}

// removeUnder removes every object whose location starts with prefix.
func removeUnder(ctx context.Context, store Storage, prefix string) (int, error) {
	if prefix == "" {
		return 0, nil
	}

	removed := 0

	for location, err := range store.List(ctx, prefix) {
		if err != nil {
			return removed, err
		}

		if err := store.Remove(ctx, location); err != nil {
			return removed, err
		}

		removed++
	}

	return removed, nil
}

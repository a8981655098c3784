package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/godaddy/datasafe"
)

const (
	fileScheme = "file://"
	tempPrefix = ".ds-tmp-"
)

var (
	// Verify FileSystem implements the Storage interface.
	_ datasafe.Storage = (*FileSystem)(nil)

	readFSTimer   = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.storage.fs.read", datasafe.MetricsPrefix), nil)
	writeFSTimer  = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.storage.fs.write", datasafe.MetricsPrefix), nil)
	listFSTimer   = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.storage.fs.list", datasafe.MetricsPrefix), nil)
	removeFSTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.storage.fs.remove", datasafe.MetricsPrefix), nil)
)

// FileSystem stores objects as files addressed by file:// URIs.
//
// Writes go to a temporary file in the destination directory which is renamed into place on Close, so
// readers never observe a partially written object.
type FileSystem struct {
	perm os.FileMode
}

// FileSystemOption is used to configure additional options in a FileSystem.
type FileSystemOption func(*FileSystem)

// WithFileMode sets the permissions of newly created objects. Directories additionally get the execute bits.
func WithFileMode(perm os.FileMode) FileSystemOption {
	return func(f *FileSystem) {
		f.perm = perm
	}
}

// NewFileSystem returns a FileSystem storage.
func NewFileSystem(opts ...FileSystemOption) *FileSystem {
	f := &FileSystem{
		perm: 0o600,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// FileURI converts an absolute local path into a file:// URI. Path characters are kept verbatim so that
// locations round-trip through toPath unchanged.
func FileURI(path string) string {
	return fileScheme + filepath.ToSlash(path)
}

func toPath(location string) (string, error) {
	if !strings.HasPrefix(location, fileScheme) {
		return "", fmt.Errorf("unsupported location %q", location)
	}

	return filepath.FromSlash(strings.TrimPrefix(location, fileScheme)), nil
}

// dirPerm adds the search bit wherever the file mode grants read access.
func (f *FileSystem) dirPerm() os.FileMode {
	p := f.perm

	if p&0o400 != 0 {
		p |= 0o100
	}

	if p&0o040 != 0 {
		p |= 0o010
	}

	if p&0o004 != 0 {
		p |= 0o001
	}

	return p
}

// Read opens the file at location.
func (f *FileSystem) Read(ctx context.Context, location string) (io.ReadCloser, error) {
	defer readFSTimer.UpdateSince(time.Now())

	if err := ctx.Err(); err != nil {
		return nil, failure(err, "read", location)
	}

	path, err := toPath(location)
	if err != nil {
		return nil, failure(err, "read", location)
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", datasafe.ErrNotFound, location)
		}

		return nil, failure(err, "read", location)
	}

	return file, nil
}

// Write creates a temporary file next to location that replaces location when closed.
func (f *FileSystem) Write(ctx context.Context, location string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, failure(err, "write", location)
	}

	path, err := toPath(location)
	if err != nil {
		return nil, failure(err, "write", location)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, f.dirPerm()); err != nil {
		return nil, failure(err, "write", location)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return nil, failure(err, "write", location)
	}

	if err := tmp.Chmod(f.perm); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return nil, failure(err, "write", location)
	}

	return &fileWriter{file: tmp, target: path, location: location, started: time.Now()}, nil
}

type fileWriter struct {
	file     *os.File
	target   string
	location string
	started  time.Time
	done     bool
}

var _ datasafe.Aborter = (*fileWriter)(nil)

func (w *fileWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if err != nil {
		return n, failure(err, "write", w.location)
	}

	return n, nil
}

func (w *fileWriter) Close() error {
	if w.done {
		return nil
	}

	w.done = true

	defer writeFSTimer.UpdateSince(w.started)

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		os.Remove(w.file.Name())

		return failure(err, "write", w.location)
	}

	if err := w.file.Close(); err != nil {
		os.Remove(w.file.Name())

		return failure(err, "write", w.location)
	}

	if err := os.Rename(w.file.Name(), w.target); err != nil {
		os.Remove(w.file.Name())

		return failure(err, "write", w.location)
	}

	return nil
}

func (w *fileWriter) Abort() error {
	if w.done {
		return nil
	}

	w.done = true

	w.file.Close()

	return os.Remove(w.file.Name())
}

// List walks the directory tree below prefix and yields matching file locations in lexical order.
func (f *FileSystem) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	root, err := toPath(prefix)
	if err != nil {
		return errorSeq(failure(err, "list", prefix))
	}

	if !strings.HasSuffix(prefix, "/") {
		root = filepath.Dir(root)
	}

	return func(yield func(string, error) bool) {
		defer listFSTimer.UpdateSince(time.Now())

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}

				return err
			}

			if err := ctx.Err(); err != nil {
				return err
			}

			if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
				return nil
			}

			loc := FileURI(path)
			if !strings.HasPrefix(loc, prefix) {
				return nil
			}

			if !yield(loc, nil) {
				return filepath.SkipAll
			}

			return nil
		})
		if err != nil {
			yield("", failure(err, "list", prefix))
		}
	}
}

// Remove deletes the file at location.
func (f *FileSystem) Remove(ctx context.Context, location string) error {
	defer removeFSTimer.UpdateSince(time.Now())

	if err := ctx.Err(); err != nil {
		return failure(err, "remove", location)
	}

	path, err := toPath(location)
	if err != nil {
		return failure(err, "remove", location)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return failure(err, "remove", location)
	}

	return nil
}

// Exists reports whether a regular file exists at location.
func (f *FileSystem) Exists(ctx context.Context, location string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, failure(err, "exists", location)
	}

	path, err := toPath(location)
	if err != nil {
		return false, failure(err, "exists", location)
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, failure(err, "exists", location)
	}

	return info.Mode().IsRegular(), nil
}

// Package storage contains datasafe.Storage implementations backed by memory, the local file system and
// relational databases.
package storage

import (
	"bytes"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/godaddy/datasafe"
)

// failure wraps err with datasafe.ErrStorageFailure and the operation that caused it.
func failure(err error, op, location string) error {
	return fmt.Errorf("%w: %s %s: %w", datasafe.ErrStorageFailure, op, location, err)
}

// errorSeq yields a single error.
func errorSeq(err error) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("", err)
	}
}

// bufferedWriter collects an object in memory and hands it to commit when closed.
// Backends that store whole objects (memory, sql) use it.
type bufferedWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	commit func([]byte) error
	done   bool
}

var (
	_ io.WriteCloser    = (*bufferedWriter)(nil)
	_ datasafe.Aborter = (*bufferedWriter)(nil)
)

func newBufferedWriter(commit func([]byte) error) *bufferedWriter {
	return &bufferedWriter{commit: commit}
}

func (w *bufferedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return 0, io.ErrClosedPipe
	}

	return w.buf.Write(p)
}

// Close commits the buffered object. Calling Close more than once is a no-op.
func (w *bufferedWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return nil
	}

	w.done = true

	data := append([]byte{}, w.buf.Bytes()...)
	w.buf.Reset()

	return w.commit(data)
}

// Abort discards the buffered object.
func (w *bufferedWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.done = true
	w.buf.Reset()

	return nil
}

package datasafe

import (
	"io"

	"github.com/godaddy/datasafe/pkg/cms"
)

// DocumentWriter encrypts a document into storage. The document becomes visible when Close succeeds;
// Abort discards it.
type DocumentWriter struct {
	enc    *cms.Encrypter
	dst    io.WriteCloser
	closed bool
}

// Write encrypts p.
func (w *DocumentWriter) Write(p []byte) (int, error) {
	return w.enc.Write(p)
}

// Close finishes the envelope and commits the storage object.
func (w *DocumentWriter) Close() error {
	if w.closed {
		return nil
	}

	w.closed = true

	if err := w.enc.Close(); err != nil {
		abort(w.dst)
		return err
	}

	return w.dst.Close()
}

// Abort releases the writer without committing the document.
func (w *DocumentWriter) Abort() error {
	if w.closed {
		return nil
	}

	w.closed = true
	w.enc.Abort()
	abort(w.dst)

	return nil
}

// DocumentReader yields the plaintext of a stored document.
type DocumentReader struct {
	plain io.Reader
	src   io.Closer
}

// Read decrypts into p.
func (r *DocumentReader) Read(p []byte) (int, error) {
	return r.plain.Read(p)
}

// Close releases the underlying storage stream.
func (r *DocumentReader) Close() error {
	return r.src.Close()
}

// openEnvelope parses the envelope in src and opens it with keys, closing src on failure.
func openEnvelope(src io.ReadCloser, keys cms.KeySource) (*DocumentReader, error) {
	env, err := cms.ParseHeader(src)
	if err != nil {
		src.Close()
		return nil, err
	}

	plain, err := env.Open(keys)
	if err != nil {
		src.Close()
		return nil, err
	}

	return &DocumentReader{plain: plain, src: src}, nil
}

// sealEnvelope starts an envelope for recipient on dst, aborting dst on failure.
func sealEnvelope(dst io.WriteCloser, recipient cms.Recipient) (*DocumentWriter, error) {
	enc, err := cms.NewEncrypter(dst, recipient)
	if err != nil {
		abort(dst)
		return nil, err
	}

	return &DocumentWriter{enc: enc, dst: dst}, nil
}

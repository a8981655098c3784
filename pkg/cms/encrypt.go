package cms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/x509/pkix"
	"encoding/asn1"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/godaddy/datasafe/internal"
	"github.com/godaddy/datasafe/pkg/log"
)

// Option is used to configure an Encrypter.
type Option func(*options)

type options struct {
	random io.Reader
}

// WithRand sets the source of content keys, IVs and RSA padding.
func WithRand(r io.Reader) Option {
	return func(o *options) {
		o.random = r
	}
}

// Encrypter is the writable side of an envelope. Plaintext written to it is encrypted and forwarded to the
// underlying writer in chunks. Close must be called to emit the final block and the end of the envelope;
// an Encrypter that is never closed leaves a truncated, undecryptable envelope behind.
type Encrypter struct {
	w       io.Writer
	mode    cipher.BlockMode
	pending []byte
	out     []byte
	started time.Time
	err     error
	closed  bool
}

// NewEncrypter writes the envelope header for recipient to w and returns the writer for the body.
// Write errors from w, including those raised while closing, are returned to the caller.
func NewEncrypter(w io.Writer, recipient Recipient, opts ...Option) (*Encrypter, error) {
	o := options{random: rand.Reader}
	for _, opt := range opts {
		opt(&o)
	}

	cek := make([]byte, contentKeySize)
	defer internal.MemClr(cek)

	iv := make([]byte, aes.BlockSize)

	if _, err := io.ReadFull(o.random, cek); err != nil {
		return nil, errors.Wrap(err, "unable to generate content key")
	}

	if _, err := io.ReadFull(o.random, iv); err != nil {
		return nil, errors.Wrap(err, "unable to generate iv")
	}

	ri, err := recipient.recipientInfo(cek, o.random)
	if err != nil {
		return nil, err
	}

	hdr, err := envelopeHeader([][]byte{ri}, oidAES128CBC, iv)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create content cipher")
	}

	if _, err := w.Write(hdr); err != nil {
		return nil, err
	}

	log.Debugf("[cms.NewEncrypter] sealing envelope for %s %s", recipient.ID().Kind, recipient.ID().KeyID)

	return &Encrypter{
		w:       w,
		mode:    cipher.NewCBCEncrypter(block, iv),
		pending: make([]byte, 0, chunkSize),
		out:     make([]byte, 0, chunkSize+8),
		started: time.Now(),
	}, nil
}

// Write encrypts p. Whole chunks are forwarded to the underlying writer as soon as they are complete.
func (e *Encrypter) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}

	if e.closed {
		return 0, errors.New("write to closed encrypter")
	}

	written := 0

	for len(p) > 0 {
		n := copy(e.pending[len(e.pending):chunkSize], p)
		e.pending = e.pending[:len(e.pending)+n]
		p = p[n:]
		written += n

		if len(e.pending) == chunkSize {
			if err := e.flush(); err != nil {
				return written, err
			}
		}
	}

	return written, nil
}

// flush encrypts the pending plaintext, which must be block aligned, and writes it as one OCTET STRING.
func (e *Encrypter) flush() error {
	e.mode.CryptBlocks(e.pending, e.pending)

	e.out = appendHeader(e.out[:0], asn1.TagOctetString, len(e.pending))
	e.out = append(e.out, e.pending...)
	e.pending = e.pending[:0]

	if _, err := e.w.Write(e.out); err != nil {
		e.err = err
		return err
	}

	return nil
}

// Close pads and writes the last chunk followed by the end of every open structure. It does not close the
// underlying writer.
func (e *Encrypter) Close() error {
	if e.closed {
		return e.err
	}

	e.closed = true

	if e.err != nil {
		return e.err
	}

	defer encryptTimer.UpdateSince(e.started)

	pad := aes.BlockSize - len(e.pending)%aes.BlockSize
	for i := 0; i < pad; i++ {
		e.pending = append(e.pending, byte(pad))
	}

	if err := e.flush(); err != nil {
		return err
	}

	// encryptedContent, EncryptedContentInfo, EnvelopedData, [0] content, ContentInfo.
	var trailer []byte
	for i := 0; i < 5; i++ {
		trailer = append(trailer, endOfContents...)
	}

	if _, err := e.w.Write(trailer); err != nil {
		e.err = err
		return err
	}

	return nil
}

// Abort discards buffered plaintext without finishing the envelope.
func (e *Encrypter) Abort() {
	internal.MemClr(e.pending)
	e.closed = true

	if e.err == nil {
		e.err = errors.New("encrypter aborted")
	}
}

// Encrypt seals everything fn writes for recipient into w. The envelope is finished only if fn succeeds
// and ctx is still live; otherwise the partial envelope is abandoned and the error returned.
func Encrypt(ctx context.Context, w io.Writer, recipient Recipient, fn func(io.Writer) error, opts ...Option) error {
	enc, err := NewEncrypter(w, recipient, opts...)
	if err != nil {
		return err
	}

	if err := fn(enc); err != nil {
		enc.Abort()
		return err
	}

	if err := ctx.Err(); err != nil {
		enc.Abort()
		return err
	}

	return enc.Close()
}

// envelopeHeader encodes everything that precedes the encrypted content chunks. Outer structures use
// indefinite lengths; RecipientInfos and algorithm identifiers are DER.
func envelopeHeader(recipientInfos [][]byte, contentAlgorithm asn1.ObjectIdentifier, iv []byte) ([]byte, error) {
	envelopedOID, err := asn1.Marshal(oidEnvelopedData)
	if err != nil {
		return nil, err
	}

	version, err := asn1.Marshal(envelopedDataVersion)
	if err != nil {
		return nil, err
	}

	var infos []byte
	for _, ri := range recipientInfos {
		infos = append(infos, ri...)
	}

	set, err := asn1.Marshal(asn1.RawValue{Tag: asn1.TagSet, IsCompound: true, Bytes: infos})
	if err != nil {
		return nil, err
	}

	dataOID, err := asn1.Marshal(oidData)
	if err != nil {
		return nil, err
	}

	alg, err := asn1.Marshal(pkix.AlgorithmIdentifier{
		Algorithm:  contentAlgorithm,
		Parameters: asn1.RawValue{Tag: asn1.TagOctetString, Bytes: iv},
	})
	if err != nil {
		return nil, err
	}

	hdr := []byte{0x30, 0x80}
	hdr = append(hdr, envelopedOID...)
	hdr = append(hdr, 0xa0, 0x80, 0x30, 0x80)
	hdr = append(hdr, version...)
	hdr = append(hdr, set...)
	hdr = append(hdr, 0x30, 0x80)
	hdr = append(hdr, dataOID...)
	hdr = append(hdr, alg...)
	hdr = append(hdr, 0xa0, 0x80)

	return hdr, nil
}

package cms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/godaddy/datasafe/internal"
	"github.com/godaddy/datasafe/pkg/log"
)

// Envelope is a parsed envelope header positioned at the start of the encrypted content.
type Envelope struct {
	br        *berReader
	recipient *parsedRecipient
	keySize   int
	iv        []byte
	content   berHeader
	started   time.Time
}

// ParseHeader reads the envelope header from r, up to the encrypted content. It fails with ErrNoRecipients
// or ErrTooManyRecipients unless the envelope has exactly one recipient, and with ErrUnsupportedRecipient
// if that recipient is neither key transport nor KEK.
func ParseHeader(r io.Reader) (*Envelope, error) {
	e := &Envelope{br: newBERReader(r), started: time.Now()}
	br := e.br

	if _, err := br.expect(asn1.ClassUniversal, asn1.TagSequence, true, "ContentInfo"); err != nil {
		return nil, err
	}

	var contentType asn1.ObjectIdentifier
	if err := br.parse(&contentType); err != nil {
		return nil, err
	}

	if !contentType.Equal(oidEnvelopedData) {
		return nil, malformed("content type %s is not enveloped data", contentType)
	}

	if _, err := br.expect(asn1.ClassContextSpecific, 0, true, "content"); err != nil {
		return nil, err
	}

	if _, err := br.expect(asn1.ClassUniversal, asn1.TagSequence, true, "EnvelopedData"); err != nil {
		return nil, err
	}

	var version int
	if err := br.parse(&version); err != nil {
		return nil, err
	}

	// originatorInfo [0] is optional and unused.
	if id, err := br.peek(); err != nil {
		return nil, err
	} else if id == 0xa0 {
		if err := br.skip(0); err != nil {
			return nil, err
		}
	}

	var set asn1.RawValue
	if err := br.parse(&set); err != nil {
		return nil, err
	}

	if set.Class != asn1.ClassUniversal || set.Tag != asn1.TagSet {
		return nil, malformed("expected RecipientInfos")
	}

	var infos []asn1.RawValue

	for rest := set.Bytes; len(rest) > 0; {
		var ri asn1.RawValue

		var err error
		if rest, err = asn1.Unmarshal(rest, &ri); err != nil {
			return nil, malformed("invalid RecipientInfo: %v", err)
		}

		infos = append(infos, ri)
	}

	switch {
	case len(infos) == 0:
		return nil, ErrNoRecipients
	case len(infos) > 1:
		return nil, errors.Wrapf(ErrTooManyRecipients, "found %d", len(infos))
	}

	recipient, err := parseRecipient(infos[0])
	if err != nil {
		return nil, err
	}

	e.recipient = recipient

	if err := e.parseContentInfo(); err != nil {
		return nil, err
	}

	log.Debugf("[cms.ParseHeader] envelope v%d for %s %s", version, recipient.id.Kind, recipient.id.KeyID)

	return e, nil
}

func (e *Envelope) parseContentInfo() error {
	br := e.br

	if _, err := br.expect(asn1.ClassUniversal, asn1.TagSequence, true, "EncryptedContentInfo"); err != nil {
		return err
	}

	var contentType asn1.ObjectIdentifier
	if err := br.parse(&contentType); err != nil {
		return err
	}

	var alg pkix.AlgorithmIdentifier
	if err := br.parse(&alg); err != nil {
		return err
	}

	size, ok := contentKeySizeOf(alg.Algorithm)
	if !ok {
		return malformed("unsupported content encryption algorithm %s", alg.Algorithm)
	}

	if err := unmarshal(alg.Parameters.FullBytes, &e.iv); err != nil || len(e.iv) != aes.BlockSize {
		return malformed("invalid content encryption iv")
	}

	e.keySize = size

	// encryptedContent [0] IMPLICIT OCTET STRING, either primitive or constructed.
	h, err := br.header()
	if err != nil {
		return err
	}

	if h.class != asn1.ClassContextSpecific || h.tag != 0 {
		return malformed("detached content is not supported")
	}

	e.content = h

	return nil
}

// parse reads the next definite length element into v.
func (br *berReader) parse(v interface{}) error {
	der, err := br.element()
	if err != nil {
		return err
	}

	if err := unmarshal(der, v); err != nil {
		return malformed("invalid element: %v", err)
	}

	return nil
}

// Recipient returns the identifier of the key the envelope was sealed for.
func (e *Envelope) Recipient() RecipientID {
	return e.recipient.id
}

// Open unwraps the content key with keys and returns a reader yielding the plaintext. Key lookup and
// unwrap failures are reported as ErrDecryptionFailure.
func (e *Envelope) Open(keys KeySource) (io.Reader, error) {
	defer decryptTimer.UpdateSince(e.started)

	cek, err := e.contentKey(keys)
	if err != nil {
		log.Debugf("[cms.Open] unable to recover content key for %s %s: %v",
			e.recipient.id.Kind, e.recipient.id.KeyID, err)

		return nil, errors.Wrap(ErrDecryptionFailure, "unable to recover content key")
	}
	defer internal.MemClr(cek)

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailure, "invalid content key")
	}

	src := &contentReader{br: e.br, outer: e.content}
	if !e.content.compound {
		src.remaining = e.content.length
		src.outer.length = 0
	}

	return &cbcReader{src: src, mode: cipher.NewCBCDecrypter(block, e.iv)}, nil
}

func (e *Envelope) contentKey(keys KeySource) ([]byte, error) {
	alias := e.recipient.id.KeyID

	switch e.recipient.id.Kind {
	case KeyTransport:
		if !e.recipient.algorithm.Equal(oidRSAEncryption) {
			return nil, errors.Errorf("unsupported key transport algorithm %s", e.recipient.algorithm)
		}

		priv, err := keys.PrivateKey(alias)
		if err != nil {
			return nil, err
		}

		// A wrong key yields a random content key instead of a distinguishable padding error.
		cek := internal.GetRandBytes(e.keySize)
		if err := rsa.DecryptPKCS1v15SessionKey(nil, priv, e.recipient.encryptedKey, cek); err != nil {
			return nil, err
		}

		return cek, nil
	case KEK:
		kek, err := keys.SecretKey(alias)
		if err != nil {
			return nil, err
		}
		defer internal.MemClr(kek)

		if alg, ok := wrapAlgorithm(len(kek)); !ok || !alg.Equal(e.recipient.algorithm) {
			return nil, errors.Errorf("key wrap algorithm %s does not match key %s", e.recipient.algorithm, alias)
		}

		cek, err := unwrapKey(kek, e.recipient.encryptedKey)
		if err != nil {
			return nil, err
		}

		if len(cek) != e.keySize {
			internal.MemClr(cek)
			return nil, errors.Errorf("content key has %d bytes, want %d", len(cek), e.keySize)
		}

		return cek, nil
	}

	return nil, ErrUnsupportedRecipient
}

// NewDecrypter parses the envelope read from r and opens it with keys.
func NewDecrypter(r io.Reader, keys KeySource) (io.Reader, error) {
	e, err := ParseHeader(r)
	if err != nil {
		return nil, err
	}

	return e.Open(keys)
}

// Decrypt opens the envelope read from r and hands the plaintext reader to fn.
func Decrypt(r io.Reader, keys KeySource, fn func(io.Reader) error) error {
	plain, err := NewDecrypter(r, keys)
	if err != nil {
		return err
	}

	return fn(plain)
}

// contentReader yields the octets of the encrypted content, primitive or chunked.
type contentReader struct {
	br        *berReader
	outer     berHeader // length counts down for definite constructed encodings
	remaining int
	done      bool
}

func (c *contentReader) Read(p []byte) (int, error) {
	for c.remaining == 0 {
		if c.done {
			return 0, io.EOF
		}

		if err := c.next(); err != nil {
			return 0, err
		}
	}

	if len(p) > c.remaining {
		p = p[:c.remaining]
	}

	n, err := c.br.r.Read(p)
	c.remaining -= n

	if err != nil {
		if n > 0 && errors.Is(err, io.EOF) {
			err = nil
		}

		return n, eof(err)
	}

	return n, nil
}

// next advances to the following chunk or marks the content as finished.
func (c *contentReader) next() error {
	if !c.outer.compound || c.outer.length == 0 {
		c.done = true
		return nil
	}

	h, err := c.br.header()
	if err != nil {
		return err
	}

	if c.outer.length == indefinite {
		if h.isEndOfContents() {
			c.done = true
			return nil
		}
	} else {
		c.outer.length -= h.size + h.length
		if c.outer.length < 0 {
			return malformed("content chunk overruns its container")
		}
	}

	if !h.is(asn1.ClassUniversal, asn1.TagOctetString, false) {
		return malformed("unexpected element in encrypted content")
	}

	c.remaining = h.length

	return nil
}

// cbcReader decrypts a CBC stream, holding back the last block until the padding can be checked.
type cbcReader struct {
	src     io.Reader
	mode    cipher.BlockMode
	buf     []byte
	pending []byte
	out     []byte
	err     error
}

func (c *cbcReader) Read(p []byte) (int, error) {
	for len(c.out) == 0 {
		if c.err != nil {
			return 0, c.err
		}

		c.fill()
	}

	n := copy(p, c.out)
	c.out = c.out[n:]

	return n, nil
}

func (c *cbcReader) fill() {
	if c.buf == nil {
		c.buf = make([]byte, chunkSize)
	}

	n, err := c.src.Read(c.buf)
	c.pending = append(c.pending, c.buf[:n]...)

	bs := c.mode.BlockSize()

	if err == nil {
		// Keep at least one whole block back: it may be the last one.
		ready := len(c.pending) - len(c.pending)%bs
		if ready == len(c.pending) {
			ready -= bs
		}

		if ready > 0 {
			c.out = make([]byte, ready)
			c.mode.CryptBlocks(c.out, c.pending[:ready])
			c.pending = append(c.pending[:0], c.pending[ready:]...)
		}

		return
	}

	if !errors.Is(err, io.EOF) {
		c.err = err
		return
	}

	c.err = io.EOF

	if len(c.pending) == 0 || len(c.pending)%bs != 0 {
		c.err = malformed("encrypted content is not block aligned")
		return
	}

	plain := make([]byte, len(c.pending))
	c.mode.CryptBlocks(plain, c.pending)
	c.pending = nil

	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > bs {
		c.err = malformed("invalid padding")
		return
	}

	for _, b := range plain[len(plain)-pad:] {
		if int(b) != pad {
			c.err = malformed("invalid padding")
			return
		}
	}

	c.out = plain[:len(plain)-pad]
}

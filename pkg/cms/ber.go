package cms

import (
	"bufio"
	"encoding/asn1"
	"io"

	"github.com/pkg/errors"
)

const (
	// maxElementSize bounds header elements that are buffered whole while parsing.
	maxElementSize = 1 << 20
	// maxDepth bounds nesting while skipping indefinite length elements.
	maxDepth = 16

	indefinite = -1
)

// endOfContents terminates an indefinite length encoding.
var endOfContents = []byte{0x00, 0x00}

// appendHeader appends an identifier octet and a definite length to b.
func appendHeader(b []byte, identifier byte, n int) []byte {
	b = append(b, identifier)

	if n < 0x80 {
		return append(b, byte(n))
	}

	var l []byte
	for v := n; v > 0; v >>= 8 {
		l = append([]byte{byte(v)}, l...)
	}

	b = append(b, 0x80|byte(len(l)))

	return append(b, l...)
}

// berHeader is the identifier and length of an element.
type berHeader struct {
	class    int
	tag      int
	compound bool
	length   int
	size     int // bytes taken by the identifier and length octets
}

func (h berHeader) is(class, tag int, compound bool) bool {
	return h.class == class && h.tag == tag && h.compound == compound
}

func (h berHeader) isEndOfContents() bool {
	return h.class == asn1.ClassUniversal && h.tag == 0 && !h.compound && h.length == 0
}

// berReader walks a BER stream one element header at a time.
type berReader struct {
	r *bufio.Reader
}

func newBERReader(r io.Reader) *berReader {
	return &berReader{r: bufio.NewReaderSize(r, chunkSize)}
}

// eof converts a premature end of stream into a decryption failure, passing other read errors through.
func eof(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return malformed("truncated envelope")
	}

	return err
}

func (br *berReader) readByte() (byte, error) {
	b, err := br.r.ReadByte()
	if err != nil {
		return 0, eof(err)
	}

	return b, nil
}

func (br *berReader) header() (berHeader, error) {
	b, err := br.readByte()
	if err != nil {
		return berHeader{}, err
	}

	h := berHeader{class: int(b >> 6), compound: b&0x20 != 0, tag: int(b & 0x1f), size: 1}

	if h.tag == 0x1f {
		h.tag = 0

		for {
			if b, err = br.readByte(); err != nil {
				return berHeader{}, err
			}

			h.size++
			if h.size > 5 {
				return berHeader{}, malformed("tag too long")
			}

			h.tag = h.tag<<7 | int(b&0x7f)
			if b&0x80 == 0 {
				break
			}
		}
	}

	if b, err = br.readByte(); err != nil {
		return berHeader{}, err
	}

	h.size++

	switch {
	case b < 0x80:
		h.length = int(b)
	case b == 0x80:
		if !h.compound {
			return berHeader{}, malformed("indefinite length on primitive element")
		}

		h.length = indefinite
	default:
		n := int(b & 0x7f)
		if n > 4 {
			return berHeader{}, malformed("length too long")
		}

		for i := 0; i < n; i++ {
			if b, err = br.readByte(); err != nil {
				return berHeader{}, err
			}

			h.length = h.length<<8 | int(b)
		}

		h.size += n

		if h.length < 0 {
			return berHeader{}, malformed("negative length")
		}
	}

	return h, nil
}

// expect reads the next header and checks its identifier.
func (br *berReader) expect(class, tag int, compound bool, what string) (berHeader, error) {
	h, err := br.header()
	if err != nil {
		return berHeader{}, err
	}

	if !h.is(class, tag, compound) {
		return berHeader{}, malformed("expected %s, found class %d tag %d", what, h.class, h.tag)
	}

	return h, nil
}

// peek returns the identifier octet of the next element without consuming it.
func (br *berReader) peek() (byte, error) {
	b, err := br.r.Peek(1)
	if err != nil {
		return 0, eof(err)
	}

	return b[0], nil
}

// element reads the next element whole and returns it in DER framing so that it can be handed to
// encoding/asn1. The element itself must use definite lengths.
func (br *berReader) element() ([]byte, error) {
	h, err := br.header()
	if err != nil {
		return nil, err
	}

	if h.length == indefinite {
		return nil, malformed("indefinite length where definite length is required")
	}

	if h.length > maxElementSize {
		return nil, malformed("element of %d bytes exceeds limit", h.length)
	}

	if h.tag >= 0x1f {
		return nil, malformed("unexpected high tag number %d", h.tag)
	}

	out := appendHeader(make([]byte, 0, h.length+6), identifier(h), h.length)
	n := len(out)
	out = out[:n+h.length]

	if _, err := io.ReadFull(br.r, out[n:]); err != nil {
		return nil, eof(err)
	}

	return out, nil
}

// skip discards the next element, following nested indefinite lengths.
func (br *berReader) skip(depth int) error {
	if depth > maxDepth {
		return malformed("nesting too deep")
	}

	h, err := br.header()
	if err != nil {
		return err
	}

	if h.length != indefinite {
		if _, err := br.r.Discard(h.length); err != nil {
			return eof(err)
		}

		return nil
	}

	for {
		b, err := br.r.Peek(2)
		if err != nil {
			return eof(err)
		}

		if b[0] == 0 && b[1] == 0 {
			_, err = br.r.Discard(2)
			return err
		}

		if err := br.skip(depth + 1); err != nil {
			return err
		}
	}
}

func identifier(h berHeader) byte {
	id := byte(h.class << 6)
	if h.compound {
		id |= 0x20
	}

	return id | byte(h.tag)
}

package pkcs12

import (
	"errors"
	"unicode/utf16"
)

// bmpString returns s encoded as a big-endian UTF-16 BMPString with the two byte NUL terminator
// required for PKCS#12 password derivation (RFC 7292 appendix B.1).
func bmpString(s string) []byte {
	return append(bmpStringNoTerminator(s), 0, 0)
}

func bmpStringNoTerminator(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 0, 2*len(units))

	for _, u := range units {
		out = append(out, byte(u>>8), byte(u))
	}

	return out
}

func decodeBMPString(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", errors.New("pkcs12: odd-length BMP string")
	}

	// Strip the terminator, if any.
	if l := len(b); l >= 2 && b[l-1] == 0 && b[l-2] == 0 {
		b = b[:l-2]
	}

	units := make([]uint16, 0, len(b)/2)
	for i := 0; i < len(b); i += 2 {
		units = append(units, uint16(b[i])<<8|uint16(b[i+1]))
	}

	return string(utf16.Decode(units)), nil
}

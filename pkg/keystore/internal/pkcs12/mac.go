package pkcs12

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"hash"
	"io"
	"math/big"
)

const (
	macKeyID = 3
)

// pbkdf derives key material from a password with the PKCS#12 key derivation function described in
// RFC 7292 appendix B.2. u is the hash output size and v its block size, both in bytes.
func pbkdf(h func() hash.Hash, u, v int, salt, password []byte, iterations int, id byte, size int) []byte {
	one := big.NewInt(1)

	// 1. Construct a string, D (the "diversifier"), by concatenating v/8 copies of ID.
	d := make([]byte, v)
	for i := range d {
		d[i] = id
	}

	// 2-4. I = S || P, each extended to a multiple of v bytes.
	s := fillWithRepeats(salt, v)
	p := fillWithRepeats(password, v)
	i := append(s, p...)

	// 5. Set c=ceiling(n/u).
	c := (size + u - 1) / u

	a := make([]byte, c*u)

	for n := 0; n < c; n++ {
		// 6a. Ai = H^r(D||I)
		hh := h()
		hh.Write(d)
		hh.Write(i)
		ai := hh.Sum(nil)

		for r := 1; r < iterations; r++ {
			hh = h()
			hh.Write(ai)
			ai = hh.Sum(nil)
		}

		copy(a[n*u:], ai)

		if n < c-1 {
			// 6b. B is ai repeated to v bytes.
			b := fillWithRepeats(ai, v)
			bbi := new(big.Int).SetBytes(b)
			ij := new(big.Int)

			// 6c. Ij = (Ij + B + 1) mod 2^v for each v-byte block of I.
			for j := 0; j < len(i)/v; j++ {
				block := i[j*v : (j+1)*v]
				ij.SetBytes(block)
				ij.Add(ij, bbi)
				ij.Add(ij, one)

				sum := ij.Bytes()
				if len(sum) > v {
					sum = sum[len(sum)-v:]
				}

				if len(sum) < v {
					clear(block)
				}

				copy(block[v-len(sum):], sum)
			}
		}
	}

	return a[:size]
}

// fillWithRepeats returns pattern repeated to the smallest multiple of v that is >= len(pattern).
func fillWithRepeats(pattern []byte, v int) []byte {
	if len(pattern) == 0 {
		return nil
	}

	outputLen := v * ((len(pattern) + v - 1) / v)
	out := make([]byte, 0, outputLen)

	for len(out) < outputLen {
		out = append(out, pattern...)
	}

	return out[:outputLen]
}

func macKey(salt, storePassword []byte, iterations int) []byte {
	return pbkdf(sha256.New, sha256.Size, sha256.BlockSize, salt, bmpString(string(storePassword)), iterations, macKeyID, sha256.Size)
}

func computeMac(message, storePassword []byte, rand io.Reader, iterations int) (macData, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand, salt); err != nil {
		return macData{}, err
	}

	mac := hmac.New(sha256.New, macKey(salt, storePassword, iterations))
	mac.Write(message)

	return macData{
		Mac: digestInfo{
			Algorithm: pkix.AlgorithmIdentifier{Algorithm: oidSHA256, Parameters: asn1.NullRawValue},
			Digest:    mac.Sum(nil),
		},
		MacSalt:    salt,
		Iterations: iterations,
	}, nil
}

func verifyMac(md *macData, message, storePassword []byte) error {
	if !md.Mac.Algorithm.Algorithm.Equal(oidSHA256) {
		return fmt.Errorf("%w: unsupported MAC algorithm %v", ErrMalformed, md.Mac.Algorithm.Algorithm)
	}

	mac := hmac.New(sha256.New, macKey(md.MacSalt, storePassword, md.Iterations))
	mac.Write(message)

	if !hmac.Equal(md.Mac.Digest, mac.Sum(nil)) {
		return ErrIncorrectPassword
	}

	return nil
}

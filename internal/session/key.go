package session

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// keyAlphabet mirrors the original implementation's URL-safe base64-like
// encoding: 64 symbols packed 6 bits at a time.
const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-/"

// NewKey generates a session key using the same derivation as an
// ordinary session creation, for callers (CGI mode) that must pin a
// key before the registry mints one itself.
func NewKey() (string, error) { return newSessionKey() }

// newSessionKey reads 16 random bytes, stretches them through
// HKDF-SHA256 (so the encoded key is derived material rather than raw
// rand.Read output, matching the shape of the auth package's shared-key
// derivation) and encodes the result as 22 characters of keyAlphabet
// (21 full 6-bit symbols plus one for the last 2 bits).
func newSessionKey() (string, error) {
	seed := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return "", fmt.Errorf("session: read random seed: %w", err)
	}
	kdf := hkdf.New(sha256.New, seed, nil, []byte("shellgo-session-key"))
	stretched := make([]byte, 16)
	if _, err := io.ReadFull(kdf, stretched); err != nil {
		return "", fmt.Errorf("session: hkdf: %w", err)
	}
	return encodeKey(stretched), nil
}

// encodeKey packs buf 6 bits at a time into keyAlphabet, the same
// bit-draining loop as the original's newSessionKey.
func encodeKey(buf []byte) string {
	out := make([]byte, 0, (8*len(buf)+5)/6)
	bits, count := 0, 0
	for _, b := range buf {
		bits = bits<<8 | int(b)
		count += 8
		for count >= 6 {
			count -= 6
			out = append(out, keyAlphabet[(bits>>count)&0x3F])
		}
	}
	if count > 0 {
		out = append(out, keyAlphabet[(bits<<(6-count))&0x3F])
	}
	return string(out)
}

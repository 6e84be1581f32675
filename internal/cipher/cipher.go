// Package cipher implements the reversible transforms used to protect record
// payloads. Every engine shares one external contract: plaintext bytes plus a
// short textual key produce an inert ASCII (standard base64) string, and the
// same key turns that string back into the plaintext.
package cipher

import (
	"encoding/base64"
	"errors"
	"strings"
)

var (
	// ErrInvalidKey is returned when the key is empty.
	ErrInvalidKey = errors.New("invalid key")
	// ErrMalformedCiphertext is returned when the transport string cannot be decoded.
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
	// ErrDecryption is returned by authenticated engines when the key is wrong
	// or the ciphertext was altered.
	ErrDecryption = errors.New("decryption failed")
	// ErrUnknownScheme is returned by Lookup and ParseScheme.
	ErrUnknownScheme = errors.New("unknown cipher scheme")
)

// Scheme names an engine. It is stored alongside each record so old records
// stay readable when the configured default changes.
type Scheme string

const (
	SchemeXOR    Scheme = "xor"
	SchemeSealed Scheme = "sealed"
)

// ParseScheme normalizes s into a known Scheme.
func ParseScheme(s string) (Scheme, error) {
	sc := Scheme(strings.ToLower(strings.TrimSpace(s)))
	switch sc {
	case SchemeXOR, SchemeSealed:
		return sc, nil
	}
	return "", ErrUnknownScheme
}

func (s Scheme) String() string { return string(s) }

// Engine is a symmetric transform between plaintext and a transport string.
type Engine interface {
	Encrypt(plaintext []byte, key string) (string, error)
	Decrypt(ciphertext, key string) ([]byte, error)
	Scheme() Scheme
}

// Lookup returns the engine for scheme with default parameters.
func Lookup(scheme Scheme) (Engine, error) {
	switch scheme {
	case SchemeXOR:
		return XOR{}, nil
	case SchemeSealed:
		return NewSealed(), nil
	}
	return nil, ErrUnknownScheme
}

// XOR is the repeating-key XOR stream construction. Output byte i is
// plaintext[i] ^ key[i mod len(key)], base64 encoded with the standard
// alphabet. It provides no integrity: decrypting with the wrong key returns
// unrelated bytes and no error, and the ciphertext length equals the
// plaintext length. Use Sealed when confidentiality actually matters.
type XOR struct{}

var _ Engine = XOR{}

// Scheme returns SchemeXOR.
func (XOR) Scheme() Scheme { return SchemeXOR }

// Encrypt XORs plaintext with the repeated key bytes and base64 encodes the result.
func (XOR) Encrypt(plaintext []byte, key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	out := make([]byte, len(plaintext))
	xorKeyStream(out, plaintext, []byte(key))
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt base64 decodes ciphertext and applies the same XOR transform.
// A wrong key is not detectable here.
func (XOR) Decrypt(ciphertext, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrMalformedCiphertext
	}
	xorKeyStream(raw, raw, []byte(key))
	return raw, nil
}

// xorKeyStream writes src ^ repeat(key) into dst. dst and src may alias.
func xorKeyStream(dst, src, key []byte) {
	n := len(key)
	for i := range src {
		dst[i] = src[i] ^ key[i%n]
	}
}

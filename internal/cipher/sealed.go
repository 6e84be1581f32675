package cipher

import (
	"crypto/rand"
	"encoding/base64"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const sealedSaltSize = 16

// Sealed is an authenticated engine with the same contract as XOR. The key
// string is stretched with argon2id over a random salt, and the payload is
// sealed with XChaCha20-Poly1305. The transport string is the standard
// base64 encoding of salt || nonce || ciphertext+tag.
type Sealed struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

var _ Engine = Sealed{}

// NewSealed returns a Sealed engine with the argon2id parameters used for
// master keys elsewhere (t=1, 64 MiB, 4 lanes).
func NewSealed() Sealed {
	return Sealed{Time: 1, MemoryKiB: 64 * 1024, Threads: 4}
}

// Scheme returns SchemeSealed.
func (Sealed) Scheme() Scheme { return SchemeSealed }

func (s Sealed) deriveKey(key string, salt []byte) []byte {
	return argon2.IDKey([]byte(key), salt, s.Time, s.MemoryKiB, s.Threads, chacha20poly1305.KeySize)
}

// Encrypt seals plaintext under a key derived from key.
func (s Sealed) Encrypt(plaintext []byte, key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	buf := make([]byte, sealedSaltSize+chacha20poly1305.NonceSizeX, sealedSaltSize+chacha20poly1305.NonceSizeX+len(plaintext)+chacha20poly1305.Overhead)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	salt, nonce := buf[:sealedSaltSize], buf[sealedSaltSize:]
	aead, err := chacha20poly1305.NewX(s.deriveKey(key, salt))
	if err != nil {
		return "", err
	}
	out := aead.Seal(buf, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a payload produced by Encrypt. Any wrong key or modification
// yields ErrDecryption.
func (s Sealed) Decrypt(ciphertext, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrMalformedCiphertext
	}
	if len(raw) < sealedSaltSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrMalformedCiphertext
	}
	salt := raw[:sealedSaltSize]
	nonce := raw[sealedSaltSize : sealedSaltSize+chacha20poly1305.NonceSizeX]
	aead, err := chacha20poly1305.NewX(s.deriveKey(key, salt))
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, raw[sealedSaltSize+chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, ErrDecryption
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

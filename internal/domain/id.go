// Package domain id.go contains functions to generate, parse, and validate IDs
package domain

import (
	"crypto/rand"
	"encoding/hex"
)

// RecordID is the canonical identifier for a stored encrypted record.
// It is a 128-bit random value encoded as 32 lowercase hex characters.
type RecordID string

// NewID generates a new cryptographically random 128-bit RecordID encoded
// as 32 lowercase hexadecimal characters.
func NewID() (RecordID, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	dst := make([]byte, 32)
	hex.Encode(dst, b[:]) // hex.Encode always produces lowercase
	return RecordID(dst), nil
}

// ParseID validates s and returns it as a RecordID. It enforces:
// - non-empty
// - length == 32
// - only lowercase [0-9a-f]
// Returns ErrInvalidID on failure.
func ParseID(s string) (RecordID, error) {
	if !isValidID(s) {
		return "", ErrInvalidID
	}
	return RecordID(s), nil
}

// String returns the string form of the RecordID.
func (id RecordID) String() string { return string(id) }

// Valid reports whether the ID satisfies the same rules as ParseID.
func (id RecordID) Valid() bool { return isValidID(string(id)) }

func isValidID(s string) bool {
	if len(s) != 32 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}

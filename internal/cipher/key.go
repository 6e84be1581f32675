package cipher

import (
	"crypto/rand"
	"math/big"
)

// DefaultKeyLength is the length of generated keys. 16 alphanumeric
// characters carry roughly 95 bits of entropy and remain easy to copy.
const DefaultKeyLength = 16

const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateKey returns a random alphanumeric key of length n drawn from crypto/rand.
func GenerateKey(n int) (string, error) {
	if n < 1 {
		return "", ErrInvalidKey
	}
	max := big.NewInt(int64(len(keyAlphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = keyAlphabet[idx.Int64()]
	}
	return string(out), nil
}

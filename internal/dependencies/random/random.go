package random

import (
	"crypto/rand"
	"encoding/base64"
	"math/big"
)

// Random is the source of every generated identifier: session ids, player ids
// and resume tokens. It can be mocked for testing.
type Random interface {
	// String generates a random string of the given length from the given alphabet
	String(length int, alphabet string) string

	// Token returns n random bytes as unpadded base64url
	Token(n int) string
}

// CryptoRandom implements Random using crypto/rand
type CryptoRandom struct{}

// New creates a new CryptoRandom
func New() *CryptoRandom {
	return &CryptoRandom{}
}

// String generates a random string of the given length from the given alphabet.
// Each character is drawn uniformly, so ids carry no modulo bias.
func (r *CryptoRandom) String(length int, alphabet string) string {
	if length <= 0 || len(alphabet) == 0 {
		return ""
	}
	limit := big.NewInt(int64(len(alphabet)))
	result := make([]byte, length)
	for i := range result {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			// crypto/rand only fails when the OS entropy source is gone
			panic(err)
		}
		result[i] = alphabet[n.Int64()]
	}
	return string(result)
}

// Token returns n random bytes as unpadded base64url
func (r *CryptoRandom) Token(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, n)
	// rand.Read never returns an error on supported platforms
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

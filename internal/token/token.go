// Package token generates the opaque secrets rendered as QR payloads.
package token

import (
	"crypto/rand"
	"math/big"
)

const (
	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	// Length is the fixed token length; 62^32 makes guessing infeasible.
	Length = 32
)

// New returns a fresh random token. Each character is drawn independently
// and uniformly from the alphanumeric alphabet using crypto/rand, so tokens
// are unpredictable even to a caller who has seen prior ones.
func New() string {
	buf := make([]byte, Length)
	max := big.NewInt(int64(len(alphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failing means the OS entropy source is broken;
			// nothing sensible to do but panic.
			panic("token: crypto/rand unavailable: " + err.Error())
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf)
}

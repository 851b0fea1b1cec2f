package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
)

// RandomHex returns n lowercase hex characters drawn from crypto/rand.
func RandomHex(n int) (string, error) {
	if n <= 0 {
		return "", errors.New("length must be positive")
	}
	buf := make([]byte, (n+1)/2)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf)[:n], nil
}

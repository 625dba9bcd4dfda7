package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// RandomString generates a random hex string, used to tag log sessions.
func RandomString() (string, error) {
	b := make([]byte, 16)
	n, err := rand.Read(b)
	if err != nil {
		if n > 0 {
			return fmt.Sprintf("%X", b), nil
		}
		return "", fmt.Errorf("can't generate a random number: %w", err)
	}
	return fmt.Sprintf("%X", b), nil
}

// NewSourceID returns a sender id of the form client-8XXXXX, unique enough
// to tell this process's virtual connections apart on a device.
func NewSourceID() string {
	n, err := rand.Int(rand.Reader, big.NewInt(90000))
	if err != nil {
		return "client-810000"
	}
	return fmt.Sprintf("client-8%05d", n.Int64()+10000)
}

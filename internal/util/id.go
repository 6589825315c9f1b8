package util

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"time"
)

// NewClientOrderID generates a unique order identifier safe for broker
// tags (letters, digits, dashes only). The prefix groups orders by owner.
func NewClientOrderID(prefix string) string {
	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// the timestamp still keeps ids unique enough for tagging.
		copy(nonce[:], []byte("fallback"))
	}
	seed := append([]byte(time.Now().UTC().Format(time.RFC3339Nano)), nonce[:]...)
	sum := sha256.Sum256(seed)
	return fmt.Sprintf("%s-%x", prefix, sum[:8])
}

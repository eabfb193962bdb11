// Package auth holds the admin shared-secret check and participant resumption tokens.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Authority validates the single configured admin secret.
type Authority struct {
	digest  [sha256.Size]byte
	hash    []byte
	enabled bool
}

// NewAuthority configures the secret either as plain text or as a bcrypt hash.
// The hash wins when both are set. With neither, every attempt fails.
func NewAuthority(password, passwordHash string) (*Authority, error) {
	a := &Authority{}
	switch {
	case passwordHash != "":
		if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
			return nil, fmt.Errorf("admin password hash: %w", err)
		}
		a.hash = []byte(passwordHash)
		a.enabled = true
	case password != "":
		a.digest = sha256.Sum256([]byte(password))
		a.enabled = true
	}
	return a, nil
}

// Authenticate compares password against the secret in constant time.
func (a *Authority) Authenticate(password string) bool {
	if !a.enabled {
		return false
	}
	if a.hash != nil {
		return bcrypt.CompareHashAndPassword(a.hash, []byte(password)) == nil
	}
	// Comparing fixed-size digests keeps the comparison length-independent.
	given := sha256.Sum256([]byte(password))
	return subtle.ConstantTimeCompare(given[:], a.digest[:]) == 1
}

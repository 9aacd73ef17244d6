// Package security provides token issuing, client credential storage and
// secret hashing for the service's OAuth-style client-credentials auth.
package security

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultBcryptCost balances hashing time against brute-force
	// resistance for client secrets checked on every token request.
	DefaultBcryptCost = 10
)

// HashSecret creates a bcrypt hash of a client secret. Only the hash is
// ever persisted.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), DefaultBcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// HashSecretWithCost hashes with an explicit cost factor.
func HashSecretWithCost(secret string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return "", fmt.Errorf("invalid cost factor %d: must be between %d and %d", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// VerifySecret compares a plaintext secret with a stored hash. Returns nil
// on match, bcrypt.ErrMismatchedHashAndPassword on mismatch. The comparison
// is constant-time.
func VerifySecret(hash, secret string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
}

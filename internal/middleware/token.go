// Package middleware holds the HTTP and gRPC plumbing shared by the flaggate
// servers: request logging, bearer-token checks for operator endpoints, and
// per-IP throttling of failed attempts.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const tokenHashCost = bcrypt.DefaultCost

var errTokenMismatch = errors.New("token does not match")

// HashToken returns a salted bcrypt hash suitable for REFRESH_TOKEN_HASH.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", errors.New("token is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), tokenHashCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

// TokenMatchesHash compares a presented token against a stored bcrypt hash.
func TokenMatchesHash(expectedHash, token string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(token)) == nil
}

// HashValidator accepts exactly the token behind a single bcrypt hash.
type HashValidator struct {
	hash string
}

func NewHashValidator(hash string) (*HashValidator, error) {
	hash = strings.TrimSpace(hash)
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid token hash: %w", err)
	}
	return &HashValidator{hash: hash}, nil
}

func (v *HashValidator) ValidateToken(_ context.Context, token string) error {
	if !TokenMatchesHash(v.hash, token) {
		return errTokenMismatch
	}
	return nil
}

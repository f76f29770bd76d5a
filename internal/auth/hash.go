package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id cost parameters. Changing these invalidates no stored hashes
// because the parameters are fixed rather than encoded per hash; bump them
// only together with a rehash-on-login migration.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

func deriveKey(apiKey string, salt []byte) []byte {
	return argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// HashAPIKey derives an Argon2id hash of apiKey under a fresh random salt.
// The result is "base64(salt)$base64(hash)".
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	hash := deriveKey(apiKey, salt)
	return base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(hash), nil
}

// VerifyAPIKey reports whether apiKey matches an encoded hash produced by
// HashAPIKey. Comparison is constant time.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	saltPart, hashPart, ok := strings.Cut(encoded, "$")
	if !ok {
		return false, fmt.Errorf("auth: invalid hash format")
	}
	salt, err := base64.StdEncoding.DecodeString(saltPart)
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}
	stored, err := base64.StdEncoding.DecodeString(hashPart)
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}
	computed := deriveKey(apiKey, salt)
	return subtle.ConstantTimeCompare(stored, computed) == 1, nil
}

// DummyVerify burns the same Argon2id work as a real verification. Auth
// failure paths that never reached a stored hash call this so response
// timing does not reveal whether an agent_id exists.
func DummyVerify() {
	deriveKey("dummy", make([]byte, saltLen))
}

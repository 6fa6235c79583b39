package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// ErrMalformedHash is returned for stored hashes not produced by HashAPIKey.
var ErrMalformedHash = errors.New("auth: malformed api key hash")

// HashAPIKey hashes an API key with Argon2id. The result is
// "<base64 salt>$<base64 key>".
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(key), nil
}

// DummyVerify burns the same Argon2id cost as a real check. Call it when
// the principal is unknown so timing does not reveal which ids exist.
func DummyVerify() {
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), argonTime, argonMemory, argonThreads, argonKeyLen)
}

func decodeHash(encoded string) (salt, key []byte, err error) {
	saltB64, keyB64, ok := strings.Cut(encoded, "$")
	if !ok {
		return nil, nil, ErrMalformedHash
	}
	if salt, err = base64.StdEncoding.DecodeString(saltB64); err != nil || len(salt) != saltLen {
		return nil, nil, fmt.Errorf("%w: salt", ErrMalformedHash)
	}
	if key, err = base64.StdEncoding.DecodeString(keyB64); err != nil || len(key) != argonKeyLen {
		return nil, nil, fmt.Errorf("%w: key", ErrMalformedHash)
	}
	return salt, key, nil
}

// ValidateHash reports whether encoded is a well-formed HashAPIKey result.
func ValidateHash(encoded string) error {
	_, _, err := decodeHash(encoded)
	return err
}

// VerifyAPIKey checks an API key against an Argon2id hash in constant time.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	salt, expected, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	computed := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(expected, computed) == 1, nil
}

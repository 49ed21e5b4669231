// Package auth hashes and verifies account passwords with PBKDF2-HMAC-SHA1.
package auth

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	iterations = 65536
	keyLength  = 32
	saltLength = 16
)

// Hash derives a hash for password with a fresh random salt. Both values are
// base64 encoded.
func Hash(password string) (hash, salt string, err error) {
	raw := make([]byte, saltLength)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate salt: %w", err)
	}
	salt = base64.StdEncoding.EncodeToString(raw)
	return derive(password, salt), salt, nil
}

// Verify reports whether password matches hash under salt.
func Verify(password, hash, salt string) bool {
	if hash == "" || salt == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(derive(password, salt)), []byte(hash)) == 1
}

func derive(password, salt string) string {
	key := pbkdf2.Key([]byte(password), []byte(salt), iterations, keyLength, sha1.New)
	return base64.StdEncoding.EncodeToString(key)
}

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

var errEmptyToken = errors.New("session token required")

// tokenDigest is the key a session is stored under. Stores only ever see
// digests, so a leaked session table cannot be replayed as bearer tokens.
func tokenDigest(token string) (string, error) {
	if token == "" {
		return "", errEmptyToken
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:]), nil
}

// mintToken returns a random URL safe token built from size bytes of entropy
// together with its digest.
func mintToken(size int) (token, digest string, err error) {
	if size <= 0 {
		return "", "", fmt.Errorf("token size must be positive, got %d", size)
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("read random token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(buf)
	digest, err = tokenDigest(token)
	return token, digest, err
}

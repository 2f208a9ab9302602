package storage

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

func generateStreamKey() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate stream key: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(bytes)), nil
}

// GenerateStreamKey returns a fresh opaque stream key.
func GenerateStreamKey() (string, error) {
	return generateStreamKey()
}

func generateSessionID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// newVideoUUID returns a random UUID and its short form.
func newVideoUUID() (string, string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", "", fmt.Errorf("generate uuid: %w", err)
	}
	return id.String(), ShortUUID(id), nil
}

// ShortUUID encodes the UUID bytes with the Flickr base58 alphabet.
func ShortUUID(id uuid.UUID) string {
	return base58.EncodeAlphabet(id[:], base58.FlickrAlphabet)
}

package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/secure/precis"

	"peertube-live/internal/models"
)

const (
	passwordMinLength = 8
	// bcrypt ignores input beyond 72 bytes; reject rather than truncate.
	passwordMaxBytes  = 72
	usernameMaxLength = 50
)

// ErrInvalidCredentials is returned for an unknown user or a wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

var errUnknownHash = errors.New("unrecognised password hash")

// HashPassword returns a bcrypt hash at the default cost.
func HashPassword(password string) (string, error) {
	if utf8.RuneCountInString(password) < passwordMinLength {
		return "", models.Errorf(models.KindValidation, "hash password", "password must be at least %d characters", passwordMinLength)
	}
	if len(password) > passwordMaxBytes {
		return "", models.Errorf(models.KindValidation, "hash password", "password must be at most %d bytes", passwordMaxBytes)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

// VerifyPassword checks candidate against a bcrypt hash, or against the
// pbkdf2$sha256$<iter>$<salt>$<key> form found in imported accounts.
func VerifyPassword(encodedHash, candidate string) error {
	switch {
	case strings.HasPrefix(encodedHash, "$2"):
		err := bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(candidate))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrInvalidCredentials
		}
		return err
	case strings.HasPrefix(encodedHash, "pbkdf2$"):
		return verifyPBKDF2(encodedHash, candidate)
	default:
		return errUnknownHash
	}
}

func verifyPBKDF2(encoded, candidate string) error {
	fields := strings.Split(encoded, "$")
	if len(fields) != 5 || fields[1] != "sha256" {
		return fmt.Errorf("%w: malformed pbkdf2 hash", errUnknownHash)
	}
	iterations, err := strconv.Atoi(fields[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("%w: bad pbkdf2 iteration count", errUnknownHash)
	}
	salt, saltErr := base64.RawStdEncoding.DecodeString(fields[3])
	want, keyErr := base64.RawStdEncoding.DecodeString(fields[4])
	if err := errors.Join(saltErr, keyErr); err != nil {
		return fmt.Errorf("%w: %v", errUnknownHash, err)
	}
	got := pbkdf2.Key([]byte(candidate), salt, iterations, len(want), sha256.New)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// normalizeUsername applies the PRECIS UsernameCaseMapped profile.
func normalizeUsername(username string) (string, error) {
	normalized, err := precis.UsernameCaseMapped.String(strings.TrimSpace(username))
	if err != nil || normalized == "" {
		return "", models.Errorf(models.KindValidation, "normalize username", "username %q is not allowed", username)
	}
	if utf8.RuneCountInString(normalized) > usernameMaxLength {
		return "", models.Errorf(models.KindValidation, "normalize username", "username must be at most %d characters", usernameMaxLength)
	}
	return normalized, nil
}

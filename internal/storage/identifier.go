package storage

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"peertube-live/internal/models"
)

// RefKind names which of the three identifier forms a reference uses.
type RefKind int

const (
	RefNumeric RefKind = iota + 1
	RefUUID
	RefShortUUID
)

// Ref is a parsed video identifier.
type Ref struct {
	Kind RefKind
	ID   int64
	Key  string
}

func (r Ref) String() string {
	if r.Kind == RefNumeric {
		return strconv.FormatInt(r.ID, 10)
	}
	return r.Key
}

// RefByID builds a numeric reference.
func RefByID(id int64) Ref {
	return Ref{Kind: RefNumeric, ID: id}
}

// ParseRef accepts a numeric id, a UUID or a short UUID. Anything else is a
// validation error.
func ParseRef(raw string) (Ref, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Ref{}, models.Errorf(models.KindValidation, "parse video id", "video id is required")
	}
	if isDigits(trimmed) {
		id, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil || id <= 0 {
			return Ref{}, models.Errorf(models.KindValidation, "parse video id", "invalid video id %q", raw)
		}
		return Ref{Kind: RefNumeric, ID: id}, nil
	}
	if len(trimmed) == 36 {
		if parsed, err := uuid.Parse(trimmed); err == nil {
			return Ref{Kind: RefUUID, Key: parsed.String()}, nil
		}
	}
	if decoded, err := base58.DecodeAlphabet(trimmed, base58.FlickrAlphabet); err == nil && len(decoded) == 16 {
		return Ref{Kind: RefShortUUID, Key: trimmed}, nil
	}
	return Ref{}, models.Errorf(models.KindValidation, "parse video id", "invalid video id %q", raw)
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return value != ""
}

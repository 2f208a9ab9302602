package admission

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"peertube-live/internal/models"
)

// ImageKind distinguishes the two attachments a live may carry.
type ImageKind string

const (
	ImageThumbnail ImageKind = "thumbnail"
	ImagePreview   ImageKind = "preview"
)

// DefaultMaxImageBytes is the largest accepted attachment.
const DefaultMaxImageBytes = 4 * 1024 * 1024

// Attachment is an uploaded image.
type Attachment struct {
	Filename string
	Data     []byte
}

// ImageValidator decides whether an attachment is acceptable. Implementations
// must not block on shared live state.
type ImageValidator interface {
	Validate(ctx context.Context, kind ImageKind, image Attachment) error
}

// ImageStore keeps accepted attachments and returns where they live.
type ImageStore interface {
	Save(ctx context.Context, kind ImageKind, image Attachment) (string, error)
	Remove(ctx context.Context, path string) error
}

var acceptedImageTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
}

// BasicImageValidator sniffs the content type and enforces a size cap.
type BasicImageValidator struct {
	MaxBytes int
}

func (v BasicImageValidator) Validate(ctx context.Context, kind ImageKind, image Attachment) error {
	max := v.MaxBytes
	if max <= 0 {
		max = DefaultMaxImageBytes
	}
	if len(image.Data) == 0 {
		return models.Errorf(models.KindValidation, "validate image", "%s file is empty", kind)
	}
	if len(image.Data) > max {
		return models.Errorf(models.KindValidation, "validate image", "%s file exceeds %d bytes", kind, max)
	}
	contentType := http.DetectContentType(image.Data)
	if _, ok := acceptedImageTypes[contentType]; !ok {
		return models.Errorf(models.KindValidation, "validate image", "%s file has unsupported type %s", kind, contentType)
	}
	return nil
}

// DirImageStore writes attachments under Dir with random names.
type DirImageStore struct {
	Dir string
}

func (s DirImageStore) Save(ctx context.Context, kind ImageKind, image Attachment) (string, error) {
	if strings.TrimSpace(s.Dir) == "" {
		return "", fmt.Errorf("image directory not configured")
	}
	ext := acceptedImageTypes[http.DetectContentType(image.Data)]
	if ext == "" {
		ext = ".bin"
	}
	dir := filepath.Join(s.Dir, string(kind)+"s")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString()+ext)
	if err := os.WriteFile(path, image.Data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", kind, err)
	}
	return path, nil
}

func (s DirImageStore) Remove(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove image: %w", err)
	}
	return nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get for a missing object.
var ErrNotFound = errors.New("object not found")

// BlobStore defines the interface for durable, publicly readable object storage
type BlobStore interface {
	// Put writes data at path and returns its public URL. Existing objects are never overwritten.
	Put(ctx context.Context, path string, data []byte, contentType string) (string, error)

	// Get reads the object stored at path
	Get(ctx context.Context, path string) ([]byte, error)
}

// ArtifactKind is the folder an artifact lives in under its owner.
type ArtifactKind string

const (
	KindInput  ArtifactKind = "input"
	KindOutput ArtifactKind = "output"
)

var allowedExtensions = map[string]string{
	".png":  "png",
	".jpg":  "jpg",
	".jpeg": "jpg",
	".webp": "webp",
}

var contentTypeExtensions = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/webp": "webp",
}

// ArtifactPath builds {owner}/{kind}/{unixMillis}_{suffix}.{ext}. The random suffix keeps
// two uploads from the same owner in the same millisecond apart.
func ArtifactPath(ownerID string, kind ArtifactKind, ext string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s/%s/%d_%s.%s", ownerID, kind, now.UnixMilli(), suffix, ext)
}

// Extension picks the file extension from the content type, then the file name, defaulting to png.
func Extension(fileName, contentType string) string {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if ext, ok := contentTypeExtensions[mediaType]; ok {
			return ext
		}
	}
	if ext, ok := allowedExtensions[strings.ToLower(filepath.Ext(fileName))]; ok {
		return ext
	}
	return "png"
}

// ContentType returns the image media type of data, or "" when data is not a supported image.
func ContentType(data []byte) string {
	detected := http.DetectContentType(data)
	if _, ok := contentTypeExtensions[detected]; ok {
		return detected
	}
	return ""
}

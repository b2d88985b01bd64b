// Package media keeps downloaded channel media in temporary storage until a
// batch is committed or the janitor expires it.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/config"
)

// ErrNotFound is returned when a stored object no longer exists.
var ErrNotFound = errors.New("media object not found")

// Storage is a flat object store addressed by slash separated keys.
type Storage interface {
	Put(ctx context.Context, key string, content []byte, mimeType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
}

// NewStorage builds the backend selected in cfg.
func NewStorage(ctx context.Context, cfg config.MediaConfig) (Storage, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalStorage(cfg.Dir)
	case "s3":
		return NewS3Storage(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported media backend: %s", cfg.Backend)
	}
}

// DetectMime prefers the sniffed type of content over the declared one.
func DetectMime(content []byte, declared string) string {
	detected := mimetype.Detect(content)
	if detected.Is("application/octet-stream") && declared != "" {
		return declared
	}
	return detected.String()
}

// objectKey names a new object for user with an extension matching mimeType.
func objectKey(user, mimeType string) string {
	ext := ""
	if m := mimetype.Lookup(mimeType); m != nil {
		ext = m.Extension()
	}
	return path.Join(user, uuid.NewString()+ext)
}

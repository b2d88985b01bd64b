package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/models"
)

const DefaultTTL = 24 * time.Hour

// Store saves batch files into a Storage backend and registers them for expiry.
type Store struct {
	storage  Storage
	registry *Registry
	ttl      time.Duration
	now      func() time.Time
}

func NewStore(storage Storage, registry *Registry, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{storage: storage, registry: registry, ttl: ttl, now: time.Now}
}

// Save writes content for user and returns a file reference carrying its key.
func (s *Store) Save(ctx context.Context, user, mediaID, declaredMime string, content []byte) (models.FileRef, error) {
	mimeType := DetectMime(content, declaredMime)
	key := objectKey(user, mimeType)
	if err := s.storage.Put(ctx, key, content, mimeType); err != nil {
		return models.FileRef{}, err
	}

	now := s.now()
	rec := &Record{
		User:      user,
		MediaID:   mediaID,
		Key:       key,
		MimeType:  mimeType,
		Size:      int64(len(content)),
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.registry.Record(ctx, rec); err != nil {
		_ = s.storage.Remove(ctx, key)
		return models.FileRef{}, err
	}
	return models.FileRef{MediaID: mediaID, MimeType: mimeType, Path: key}, nil
}

func (s *Store) Open(ctx context.Context, ref models.FileRef) (io.ReadCloser, error) {
	if ref.Path == "" {
		return nil, fmt.Errorf("media %s: %w", ref.MediaID, ErrNotFound)
	}
	return s.storage.Open(ctx, ref.Path)
}

// Read returns the whole content of ref.
func (s *Store) Read(ctx context.Context, ref models.FileRef) ([]byte, error) {
	rc, err := s.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Release removes stored files. Failures are logged and left to the janitor.
func (s *Store) Release(ctx context.Context, refs []models.FileRef) {
	for _, ref := range refs {
		if ref.Path == "" {
			continue
		}
		s.remove(ctx, ref.Path)
	}
}

// ReleaseUser removes every file still held for user.
func (s *Store) ReleaseUser(ctx context.Context, user string) (int, error) {
	recs, err := s.registry.ForUser(ctx, user)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, rec := range recs {
		if s.remove(ctx, rec.Key) {
			removed++
		}
	}
	return removed, nil
}

func (s *Store) remove(ctx context.Context, key string) bool {
	if err := s.storage.Remove(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		log.Warn().Err(err).Str("key", key).Msg("remove media failed")
		return false
	}
	if err := s.registry.Forget(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("forget media record failed")
		return false
	}
	return true
}

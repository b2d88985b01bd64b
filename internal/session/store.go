// Package session persists per-user conversation state with a sliding expiry.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/models"
)

var (
	// ErrNotFound is returned by Get when the user has no live session.
	ErrNotFound = errors.New("session not found")
	// ErrConflict is returned by Put when the stored version moved since the read.
	ErrConflict = errors.New("session version conflict")
	// ErrCorrupt is returned when stored state cannot be decoded into a session.
	ErrCorrupt = errors.New("session corrupt")
)

// Store keeps one session per user. All keys of a user share a single TTL that
// every write refreshes; expiry removes the whole session.
type Store interface {
	Get(ctx context.Context, user string) (*models.Session, error)
	// Put writes sess when its Version matches the stored one (0 when absent)
	// and bumps sess.Version on success.
	Put(ctx context.Context, sess *models.Session, ttl time.Duration) error
	// Delete removes the session keys of user.
	Delete(ctx context.Context, user string) error
	// CompareAndDelete removes the session only if it is still at version.
	CompareAndDelete(ctx context.Context, user string, version int64) error
	// DeleteAll removes every key in the user's scope.
	DeleteAll(ctx context.Context, user string) error
	// MarkDelivery records a delivery id and reports whether it was new.
	MarkDelivery(ctx context.Context, deliveryID string, ttl time.Duration) (bool, error)
}

package engine

import (
	"context"
	"io"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/backoffice"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/grn"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/models"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/recognition"
)

// Notifier sends plain text replies to a user.
type Notifier interface {
	Reply(ctx context.Context, to, text, inReplyTo string) error
}

// Directory answers identity, entitlement and category questions.
type Directory interface {
	ResolveUser(ctx context.Context, phone string) (*models.Employee, error)
	ServicesFor(ctx context.Context, phone string) ([]models.Service, error)
	EntitiesFor(ctx context.Context, employeeID int64, tenant string) ([]models.Entity, error)
	MappingFor(ctx context.Context, tenant string) (models.CategoryMapping, error)
	ResolveIDs(ctx context.Context, tenant, category, subCategory string) (*models.CategoryIDs, error)
	LatestDraftFor(ctx context.Context, employeeID int64, tenant, entityID string) (string, error)
}

// MediaFetcher downloads channel media by id.
type MediaFetcher interface {
	Fetch(ctx context.Context, mediaID string) (io.ReadCloser, string, error)
}

// MediaStore holds batch files between download and commit.
type MediaStore interface {
	Save(ctx context.Context, user, mediaID, declaredMime string, content []byte) (models.FileRef, error)
	Open(ctx context.Context, ref models.FileRef) (io.ReadCloser, error)
	Read(ctx context.Context, ref models.FileRef) ([]byte, error)
	Release(ctx context.Context, refs []models.FileRef)
}

type Recognizer interface {
	Extract(ctx context.Context, doc recognition.Document, mapping models.CategoryMapping) (models.Bill, error)
}

type Backoffice interface {
	Login(ctx context.Context, phone string) (string, error)
	CreateOrAppend(ctx context.Context, credential, recordRef string, claim backoffice.ClaimRequest) (*backoffice.ClaimResult, error)
	Attach(ctx context.Context, credential, recordRef, lineItemRef string, files []backoffice.Attachment) error
}

type GRNExtractor interface {
	Extract(ctx context.Context, name string, content io.Reader) (*grn.Result, error)
}

// Canceller tells other replicas to stop a user's tasks.
type Canceller interface {
	Publish(ctx context.Context, user string)
}

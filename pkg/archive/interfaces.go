package archive

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"github.com/Sriram-PR/link-archiver/pkg/fetch"
	"github.com/Sriram-PR/link-archiver/pkg/models"
)

type URLValidator interface {
	Validate(ctx context.Context, rawURL string) (string, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) fetch.Result
}

type Extractor interface {
	Extract(rawHTML, pageURL string) (*models.ParsedContent, error)
}

type ArchiveStore interface {
	Create(ctx context.Context, archive *models.Archive) error
	Get(ctx context.Context, id string) (*models.Archive, error)
	Update(ctx context.Context, archive *models.Archive) error
	DeleteByLinkID(ctx context.Context, linkID string) error
	ListByStatus(ctx context.Context, status models.ArchiveStatus, limit int) ([]*models.Archive, error)
}

type JobQueue interface {
	Enqueue(ctx context.Context, job models.Job) error
}

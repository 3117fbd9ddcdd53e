package storage

import (
	"context"
	"time"

	"github.com/Sriram-PR/link-archiver/pkg/models"
)

// ArchiveStore persists Archive records. Each Link owns exactly one Archive, so
// LinkID is unique across the store.
type ArchiveStore interface {
	// Create inserts a new archive. Returns utils.ErrAlreadyExists if the ID or the LinkID is taken
	Create(ctx context.Context, archive *models.Archive) error

	// Get returns the archive with the given ID, or utils.ErrNotFound
	Get(ctx context.Context, id string) (*models.Archive, error)

	// GetByLinkID returns the archive owned by a Link, or utils.ErrNotFound
	GetByLinkID(ctx context.Context, linkID string) (*models.Archive, error)

	// Update overwrites a stored archive. A stored archive in a terminal status is never
	// overwritten: utils.ErrInvalidTransition is returned instead
	Update(ctx context.Context, archive *models.Archive) error

	// DeleteByLinkID removes the archive of a deleted Link. Deleting a missing archive is not an error
	DeleteByLinkID(ctx context.Context, linkID string) error

	// ListByStatus returns up to limit archives in the given status (limit <= 0 means all),
	// oldest first
	ListByStatus(ctx context.Context, status models.ArchiveStatus, limit int) ([]*models.Archive, error)

	// Close releases the underlying database
	Close() error
}

// Maintainer is implemented by stores that need periodic housekeeping
type Maintainer interface {
	// RunGC runs periodic garbage collection until ctx is done. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)
}

// Package storagetest holds the behaviour every ArchiveStore implementation must share.
// Backend packages call RunArchiveStoreTests from their own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/link-archiver/pkg/models"
	"github.com/Sriram-PR/link-archiver/pkg/storage"
	"github.com/Sriram-PR/link-archiver/pkg/utils"
)

// Factory returns an empty store. The store is closed by the caller's cleanup
type Factory func(t *testing.T) storage.ArchiveStore

// baseTime is truncated to microseconds so it survives a round trip through SQL timestamps
var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewTestArchive builds a pending archive for a fresh link
func NewTestArchive(linkID string, createdAt time.Time) *models.Archive {
	return models.NewArchive(models.Link{
		ID:  linkID,
		URL: "https://example.com/" + linkID,
	}, createdAt)
}

// RunArchiveStoreTests exercises the ArchiveStore contract against stores from newStore
func RunArchiveStoreTests(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		store := newStore(t)
		archive := NewTestArchive("link-1", baseTime)
		require.NoError(t, store.Create(ctx, archive))

		got, err := store.Get(ctx, archive.ID)
		require.NoError(t, err)
		assert.Equal(t, archive.ID, got.ID)
		assert.Equal(t, "link-1", got.LinkID)
		assert.Equal(t, archive.URL, got.URL)
		assert.Equal(t, models.ArchiveStatusPending, got.Status)
		assert.Nil(t, got.ContentHTML)
		assert.Nil(t, got.ContentText)
		assert.Nil(t, got.FetchedAt)
		assert.True(t, baseTime.Equal(got.CreatedAt))

		byLink, err := store.GetByLinkID(ctx, "link-1")
		require.NoError(t, err)
		assert.Equal(t, archive.ID, byLink.ID)
	})

	t.Run("one archive per link", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Create(ctx, NewTestArchive("link-dup", baseTime)))

		err := store.Create(ctx, NewTestArchive("link-dup", baseTime))
		assert.True(t, errors.Is(err, utils.ErrAlreadyExists), "got %v", err)
	})

	t.Run("missing records", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(ctx, "does-not-exist")
		assert.True(t, errors.Is(err, utils.ErrNotFound), "got %v", err)

		_, err = store.GetByLinkID(ctx, "does-not-exist")
		assert.True(t, errors.Is(err, utils.ErrNotFound), "got %v", err)

		missing := NewTestArchive("never-created", baseTime)
		err = store.Update(ctx, missing)
		assert.True(t, errors.Is(err, utils.ErrNotFound), "got %v", err)
	})

	t.Run("completed archive round trip", func(t *testing.T) {
		store := newStore(t)
		archive := NewTestArchive("link-complete", baseTime)
		require.NoError(t, store.Create(ctx, archive))

		require.NoError(t, archive.MarkProcessing(baseTime.Add(time.Second)))
		require.NoError(t, store.Update(ctx, archive))

		canonical := "https://example.com/canonical"
		parsed := &models.ParsedContent{
			ContentHTML: "<p>Hello</p>",
			ContentText: "Hello",
			Title:       "Greeting",
			Description: "A greeting",
			ImageURL:    "https://example.com/og.png",
			Metadata: models.Metadata{
				OpenGraph:    &models.OpenGraph{Title: "Greeting", Type: "article"},
				CanonicalURL: &canonical,
			},
		}
		fetched := &models.FetchedContent{FinalURL: "https://example.com/final", StatusCode: 200}
		require.NoError(t, archive.Complete(parsed, fetched, baseTime.Add(2*time.Second)))
		require.NoError(t, store.Update(ctx, archive))

		got, err := store.Get(ctx, archive.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ArchiveStatusCompleted, got.Status)
		require.NotNil(t, got.ContentHTML)
		require.NotNil(t, got.ContentText)
		assert.Equal(t, "<p>Hello</p>", *got.ContentHTML)
		assert.Equal(t, "Hello", *got.ContentText)
		assert.Equal(t, "Greeting", got.Title)
		assert.Equal(t, "A greeting", got.Description)
		assert.Equal(t, "https://example.com/og.png", got.ImageURL)
		require.NotNil(t, got.Metadata)
		require.NotNil(t, got.Metadata.OpenGraph)
		assert.Equal(t, "article", got.Metadata.OpenGraph.Type)
		assert.Nil(t, got.Metadata.Twitter)
		require.NotNil(t, got.Metadata.CanonicalURL)
		assert.Equal(t, canonical, *got.Metadata.CanonicalURL)
		assert.Equal(t, "https://example.com/final", got.Metadata.FinalURL)
		require.NotNil(t, got.FetchedAt)
		assert.True(t, baseTime.Add(2*time.Second).Equal(*got.FetchedAt))
	})

	t.Run("terminal archive is never overwritten", func(t *testing.T) {
		store := newStore(t)
		archive := NewTestArchive("link-terminal", baseTime)
		require.NoError(t, store.Create(ctx, archive))
		require.NoError(t, archive.MarkProcessing(baseTime))
		require.NoError(t, archive.Fail(models.ErrorCodeNetwork, "status 404", baseTime))
		require.NoError(t, store.Update(ctx, archive))

		stale := *archive
		stale.Status = models.ArchiveStatusProcessing
		err := store.Update(ctx, &stale)
		assert.True(t, errors.Is(err, utils.ErrInvalidTransition), "got %v", err)

		got, err := store.Get(ctx, archive.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ArchiveStatusFailed, got.Status)
		assert.Equal(t, models.ErrorCodeNetwork, got.ErrorReason)
		assert.Equal(t, "status 404", got.ErrorMessage)
	})

	t.Run("attempt claims are exclusive", func(t *testing.T) {
		store := newStore(t)
		archive := NewTestArchive("link-claim", baseTime)
		require.NoError(t, store.Create(ctx, archive))

		// Two workers read the pending archive and race for attempt 1
		first, second := *archive, *archive
		require.NoError(t, first.Claim(1, "lease-a", baseTime))
		require.NoError(t, second.Claim(1, "lease-b", baseTime))
		require.NoError(t, store.Update(ctx, &first))
		err := store.Update(ctx, &second)
		assert.True(t, errors.Is(err, utils.ErrInvalidTransition), "got %v", err)

		got, err := store.Get(ctx, archive.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Attempt)
		assert.Equal(t, "lease-a", got.LeaseID)

		// The holder keeps writing under its own lease
		first.UpdatedAt = baseTime.Add(time.Second)
		require.NoError(t, store.Update(ctx, &first))

		// A newer attempt supersedes it, after which the old holder's writes are refused
		next := first
		require.NoError(t, next.Claim(2, "lease-c", baseTime.Add(2*time.Second)))
		require.NoError(t, store.Update(ctx, &next))
		require.NoError(t, first.Fail(models.ErrorCodeTimeout, "late", baseTime.Add(3*time.Second)))
		err = store.Update(ctx, &first)
		assert.True(t, errors.Is(err, utils.ErrInvalidTransition), "got %v", err)

		// A released attempt can be claimed again
		next.ReleaseLease(baseTime.Add(4 * time.Second))
		require.NoError(t, store.Update(ctx, &next))
		retry := next
		require.NoError(t, retry.Claim(2, "lease-d", baseTime.Add(5*time.Second)))
		require.NoError(t, store.Update(ctx, &retry))

		got, err = store.Get(ctx, archive.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ArchiveStatusProcessing, got.Status)
		assert.Equal(t, 2, got.Attempt)
		assert.Equal(t, "lease-d", got.LeaseID)
	})

	t.Run("delete by link", func(t *testing.T) {
		store := newStore(t)
		archive := NewTestArchive("link-delete", baseTime)
		require.NoError(t, store.Create(ctx, archive))

		require.NoError(t, store.DeleteByLinkID(ctx, "link-delete"))
		_, err := store.Get(ctx, archive.ID)
		assert.True(t, errors.Is(err, utils.ErrNotFound), "got %v", err)

		require.NoError(t, store.DeleteByLinkID(ctx, "link-delete"), "deleting twice is a no-op")

		// The link may be archived again once its old archive is gone
		require.NoError(t, store.Create(ctx, NewTestArchive("link-delete", baseTime)))
	})

	t.Run("list by status oldest first", func(t *testing.T) {
		store := newStore(t)
		for i := 3; i >= 1; i-- {
			a := NewTestArchive(fmt.Sprintf("link-pending-%d", i), baseTime.Add(time.Duration(i)*time.Minute))
			require.NoError(t, store.Create(ctx, a))
		}
		processing := NewTestArchive("link-processing", baseTime)
		require.NoError(t, store.Create(ctx, processing))
		require.NoError(t, processing.MarkProcessing(baseTime))
		require.NoError(t, store.Update(ctx, processing))

		pending, err := store.ListByStatus(ctx, models.ArchiveStatusPending, 0)
		require.NoError(t, err)
		require.Len(t, pending, 3)
		assert.Equal(t, "link-pending-1", pending[0].LinkID)
		assert.Equal(t, "link-pending-2", pending[1].LinkID)
		assert.Equal(t, "link-pending-3", pending[2].LinkID)

		limited, err := store.ListByStatus(ctx, models.ArchiveStatusPending, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		inFlight, err := store.ListByStatus(ctx, models.ArchiveStatusProcessing, 0)
		require.NoError(t, err)
		require.Len(t, inFlight, 1)
		assert.Equal(t, processing.ID, inFlight[0].ID)

		none, err := store.ListByStatus(ctx, models.ArchiveStatusBlocked, 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

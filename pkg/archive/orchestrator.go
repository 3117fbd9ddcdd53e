// Package archive owns the Archive lifecycle: it creates the archive that accompanies a
// new Link, runs archive jobs through validation, fetching and extraction, and records
// exactly one terminal outcome per archive.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/link-archiver/pkg/fetch"
	"github.com/Sriram-PR/link-archiver/pkg/models"
	"github.com/Sriram-PR/link-archiver/pkg/utils"
)

const stageUnknown = "unknown"

// Orchestrator drives archives from pending to a terminal status
type Orchestrator struct {
	validator URLValidator
	fetcher   Fetcher
	extractor Extractor
	store     ArchiveStore
	queue     JobQueue
	retry     RetryPolicy
	log       *logrus.Entry
	now       func() time.Time
}

func NewOrchestrator(
	validator URLValidator,
	fetcher Fetcher,
	extractor Extractor,
	store ArchiveStore,
	queue JobQueue,
	retry RetryPolicy,
	log *logrus.Entry,
) *Orchestrator {
	return &Orchestrator{
		validator: validator,
		fetcher:   fetcher,
		extractor: extractor,
		store:     store,
		queue:     queue,
		retry:     retry,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateArchiveFor is called while a Link is being created. It always stores an archive:
// blocked when the URL fails pre-flight validation, pending otherwise. A job is enqueued
// only for pending archives. The returned error is non-nil only when the archive could not
// be stored; a failed enqueue leaves the archive pending for RequeuePending to pick up.
func (o *Orchestrator) CreateArchiveFor(ctx context.Context, link models.Link) (*models.Archive, error) {
	now := o.now()
	archive := models.NewArchive(link, now)
	archiveLog := o.log.WithFields(logrus.Fields{"archive_id": archive.ID, "link_id": link.ID, "url": link.URL})

	target, err := o.validator.Validate(ctx, link.URL)
	var fe *models.FetchError
	switch {
	case err == nil:
	case errors.As(err, &fe):
		if blockErr := archive.Block(fe.Code, fe.Message, now); blockErr != nil {
			return nil, blockErr
		}
		if err := o.store.Create(ctx, archive); err != nil {
			return nil, fmt.Errorf("store blocked archive for link %s: %w", link.ID, err)
		}
		archiveLog.WithField("error_reason", fe.Code).Warn("Archive blocked by pre-flight validation")
		return archive, nil
	default:
		// Validation could not run to completion (e.g. ctx cancelled); keep the archive pending
		if err := o.store.Create(ctx, archive); err != nil {
			return nil, fmt.Errorf("store archive for link %s: %w", link.ID, err)
		}
		archiveLog.Warnf("Pre-flight validation incomplete, archive left pending: %v", err)
		return archive, nil
	}

	if err := o.store.Create(ctx, archive); err != nil {
		return nil, fmt.Errorf("store archive for link %s: %w", link.ID, err)
	}

	job := models.Job{ArchiveID: archive.ID, URL: target, Attempt: 1}
	if err := o.queue.Enqueue(ctx, job); err != nil {
		archiveLog.WithField("error_type", utils.CategorizeError(err)).Errorf("Failed to enqueue archive job, archive stays pending: %v", err)
		return archive, nil
	}

	archiveLog.Info("Archive created and job enqueued")
	return archive, nil
}

// DeleteArchiveFor removes the archive of a deleted Link
func (o *Orchestrator) DeleteArchiveFor(ctx context.Context, linkID string) error {
	return o.store.DeleteByLinkID(ctx, linkID)
}

// Perform runs one attempt of an archive job. The attempt is claimed on the archive first,
// so a duplicate job, one for a superseded attempt, or one for a terminal archive is
// dropped without fetching. When ctx is cancelled mid-attempt the claim is released, the
// archive is left in processing and ctx.Err() is returned so the job can be redelivered.
func (o *Orchestrator) Perform(ctx context.Context, job models.Job) error {
	jobLog := o.log.WithFields(logrus.Fields{
		"archive_id": job.ArchiveID,
		"url":        job.URL,
		"attempt":    job.Attempt,
	})

	archive, err := o.store.Get(ctx, job.ArchiveID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			jobLog.Warn("Archive no longer exists (link deleted?), dropping job")
			return nil
		}
		return fmt.Errorf("load archive %s: %w", job.ArchiveID, err)
	}
	if archive.Status.IsTerminal() {
		jobLog.Debugf("Archive already %s, skipping job", archive.Status)
		return nil
	}
	if err := archive.ClaimConflict(job.Attempt); err != nil {
		jobLog.Infof("Dropping duplicate job: %v", err)
		return nil
	}

	if err := archive.Claim(job.Attempt, uuid.New().String(), o.now()); err != nil {
		return err
	}
	if err := o.store.Update(ctx, archive); err != nil {
		if errors.Is(err, utils.ErrInvalidTransition) {
			jobLog.Infof("Attempt claimed elsewhere, dropping job: %v", err)
			return nil
		}
		return o.persistFailure(err, archive, jobLog)
	}
	jobLog.Info("Archive processing")

	result := o.fetcher.Fetch(ctx, job.URL)
	if ctx.Err() != nil {
		jobLog.Infof("Job cancelled during fetch, archive left processing: %v", ctx.Err())
		o.release(context.WithoutCancel(ctx), archive, jobLog)
		return ctx.Err()
	}

	switch r := result.(type) {
	case fetch.Fetched:
		return o.complete(ctx, archive, r.Content, jobLog)

	case fetch.Fatal:
		return o.finishWithFetchError(ctx, archive, r.Err, jobLog)

	case fetch.Retryable:
		if o.retry.ShouldRetry(job.Attempt) {
			delay := o.retry.Delay(job.Attempt + 1)
			next := job.Next(delay, o.now())
			jobLog.WithField("retry_in", delay).Warnf("Fetch timed out, scheduling attempt %d/%d", next.Attempt, o.retry.MaxAttempts())
			if err := o.queue.Enqueue(ctx, next); err != nil {
				return fmt.Errorf("enqueue retry for archive %s: %w", archive.ID, err)
			}
			return nil
		}
		jobLog.Warnf("Fetch timed out on final attempt %d/%d", job.Attempt, o.retry.MaxAttempts())
		if err := archive.Fail(models.ErrorCodeTimeout, r.Error(), o.now()); err != nil {
			return err
		}
		return o.persist(ctx, archive, jobLog)

	default:
		return fmt.Errorf("unexpected fetch result %T for archive %s", result, archive.ID)
	}
}

func (o *Orchestrator) complete(ctx context.Context, archive *models.Archive, content *models.FetchedContent, jobLog *logrus.Entry) error {
	parsed, err := o.extractor.Extract(string(content.Body), content.FinalURL)
	if err != nil {
		var ee *models.ExtractionError
		if !errors.As(err, &ee) {
			ee = models.NewExtractionError(content.FinalURL, stageUnknown, err)
		}
		jobLog.WithField("error_reason", ee.Code).Warnf("Extraction failed: %v", ee)
		if err := archive.Fail(ee.Code, ee.Message, o.now()); err != nil {
			return err
		}
		return o.persist(ctx, archive, jobLog)
	}

	if err := archive.Complete(parsed, content, o.now()); err != nil {
		return err
	}
	return o.persist(ctx, archive, jobLog)
}

// finishWithFetchError maps a fatal fetch failure to blocked (SSRF) or failed (everything else)
func (o *Orchestrator) finishWithFetchError(ctx context.Context, archive *models.Archive, fe *models.FetchError, jobLog *logrus.Entry) error {
	jobLog = jobLog.WithField("error_reason", fe.Code)
	if len(fe.Details) > 0 {
		jobLog = jobLog.WithField("details", fe.Details)
	}

	var err error
	if fe.Code == models.ErrorCodeBlocked {
		jobLog.Warnf("Fetch blocked: %s", fe.Message)
		err = archive.Block(fe.Code, fe.Message, o.now())
	} else {
		jobLog.Warnf("Fetch failed: %s", fe.Message)
		err = archive.Fail(fe.Code, fe.Message, o.now())
	}
	if err != nil {
		return err
	}
	return o.persist(ctx, archive, jobLog)
}

func (o *Orchestrator) persist(ctx context.Context, archive *models.Archive, jobLog *logrus.Entry) error {
	if err := o.store.Update(ctx, archive); err != nil {
		return o.persistFailure(err, archive, jobLog)
	}
	jobLog.WithField("status", archive.Status).Info("Archive finished")
	return nil
}

// release gives up an interrupted attempt so its redelivery can claim it again
func (o *Orchestrator) release(ctx context.Context, archive *models.Archive, jobLog *logrus.Entry) {
	archive.ReleaseLease(o.now())
	if err := o.store.Update(ctx, archive); err != nil {
		jobLog.Warnf("Failed to release attempt %d: %v", archive.Attempt, err)
	}
}

// persistFailure treats a lost race with another writer as done; anything else is an error
func (o *Orchestrator) persistFailure(err error, archive *models.Archive, jobLog *logrus.Entry) error {
	if errors.Is(err, utils.ErrInvalidTransition) {
		jobLog.Warnf("Archive finished or superseded elsewhere, discarding result: %v", err)
		return nil
	}
	jobLog.WithField("error_type", utils.CategorizeError(err)).Errorf("Failed to persist archive: %v", err)
	return fmt.Errorf("persist archive %s as %s: %w", archive.ID, archive.Status, err)
}

// RequeuePending recovers archives whose job was lost. Every pending archive gets a
// first-attempt job. A processing archive is requeued when its attempt was released by a
// cancelled worker, or when it has not been touched for staleAfter, which must exceed one
// attempt plus the longest retry delay; such an archive gets the next attempt. Jobs that
// duplicate one still queued are dropped by Perform's claim. It returns the number of jobs
// enqueued.
func (o *Orchestrator) RequeuePending(ctx context.Context, staleAfter time.Duration) (int, error) {
	now := o.now()
	requeued := 0
	for _, status := range []models.ArchiveStatus{models.ArchiveStatusPending, models.ArchiveStatusProcessing} {
		archives, err := o.store.ListByStatus(ctx, status, 0)
		if err != nil {
			return requeued, fmt.Errorf("list %s archives: %w", status, err)
		}
		n := 0
		for _, a := range archives {
			attempt, ok := recoveryAttempt(a, now, staleAfter)
			if !ok {
				continue
			}
			job := models.Job{ArchiveID: a.ID, URL: a.URL, Attempt: attempt}
			if err := o.queue.Enqueue(ctx, job); err != nil {
				return requeued, fmt.Errorf("requeue archive %s: %w", a.ID, err)
			}
			n++
		}
		if n > 0 {
			o.log.Infof("Requeued %d of %d %s archives", n, len(archives), status)
		}
		requeued += n
	}
	return requeued, nil
}

// recoveryAttempt picks the attempt a recovered job should carry, or false when the archive
// is still owned by a live worker or waiting for a scheduled retry
func recoveryAttempt(a *models.Archive, now time.Time, staleAfter time.Duration) (int, bool) {
	switch {
	case a.Status == models.ArchiveStatusPending:
		return a.Attempt + 1, true
	case a.LeaseID == "":
		return max(a.Attempt, 1), true
	case now.Sub(a.UpdatedAt) >= staleAfter:
		return a.Attempt + 1, true
	}
	return 0, false
}

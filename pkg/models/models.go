package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Sriram-PR/link-archiver/pkg/utils"
)

// ContentTypeHTML is the only archived content type produced today
const ContentTypeHTML = "html"

// Link is the bookmark an Archive belongs to. Only the fields the pipeline needs are carried here
type Link struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Job is one archive attempt handed to a worker. Attempt is 1-based and travels with the job
// so the retry decision never depends on queue-specific redelivery counters
type Job struct {
	ArchiveID string    `json:"archive_id"`
	URL       string    `json:"url"`
	Attempt   int       `json:"attempt"`
	NotBefore time.Time `json:"not_before,omitempty"` // Zero means run immediately
}

// Next returns the job for the following attempt, runnable after delay
func (j Job) Next(delay time.Duration, now time.Time) Job {
	return Job{
		ArchiveID: j.ArchiveID,
		URL:       j.URL,
		Attempt:   j.Attempt + 1,
		NotBefore: now.Add(delay),
	}
}

// OpenGraph holds og:* tags; any field may be empty
type OpenGraph struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
	Type        string `json:"type,omitempty"`
	URL         string `json:"url,omitempty"`
}

// TwitterCard holds twitter:* tags; any field may be empty
type TwitterCard struct {
	Card        string `json:"card,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
}

// Metadata is the structured bag stored with a completed archive.
// Absent OpenGraph/Twitter groups stay nil and serialize as null
type Metadata struct {
	OpenGraph    *OpenGraph   `json:"opengraph"`
	Twitter      *TwitterCard `json:"twitter"`
	CanonicalURL *string      `json:"canonical_url"`
	FinalURL     string       `json:"final_url"`
	ContentType  string       `json:"content_type"`
}

// FetchedContent is the raw result of a successful HTTP round-trip
type FetchedContent struct {
	Body        []byte
	StatusCode  int
	FinalURL    string
	ContentType string
}

// ParsedContent is the output of extraction; ContentHTML is already sanitized
type ParsedContent struct {
	ContentHTML string
	ContentText string
	Title       string
	Description string
	ImageURL    string
	Metadata    Metadata
}

// Archive is the persisted record of fetching and extracting one Link's page
type Archive struct {
	ID           string        `json:"id"`
	LinkID       string        `json:"link_id"`
	URL          string        `json:"url"`
	Status       ArchiveStatus `json:"status"`
	ContentHTML  *string       `json:"content_html"`
	ContentText  *string       `json:"content_text"`
	Title        string        `json:"title,omitempty"`
	Description  string        `json:"description,omitempty"`
	ImageURL     string        `json:"image_url,omitempty"`
	Metadata     *Metadata     `json:"metadata"`
	ErrorReason  ErrorCode     `json:"error_reason,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	FetchedAt    *time.Time    `json:"fetched_at"`
	Attempt      int           `json:"attempt"`            // Highest job attempt claimed so far
	LeaseID      string        `json:"lease_id,omitempty"` // Worker holding Attempt; empty once released
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// NewArchive creates the pending archive that accompanies a freshly created Link
func NewArchive(link Link, now time.Time) *Archive {
	return &Archive{
		ID:        uuid.New().String(),
		LinkID:    link.ID,
		URL:       link.URL,
		Status:    ArchiveStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (a *Archive) transition(next ArchiveStatus, now time.Time) error {
	if !a.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: archive %s %s -> %s", utils.ErrInvalidTransition, a.ID, a.Status, next)
	}
	a.Status = next
	a.UpdatedAt = now
	return nil
}

// MarkProcessing moves the archive into processing when a job attempt starts
func (a *Archive) MarkProcessing(now time.Time) error {
	return a.transition(ArchiveStatusProcessing, now)
}

// Claim moves the archive into processing for the given job attempt, held by leaseID
func (a *Archive) Claim(attempt int, leaseID string, now time.Time) error {
	if err := a.ClaimConflict(attempt); err != nil {
		return err
	}
	if err := a.transition(ArchiveStatusProcessing, now); err != nil {
		return err
	}
	a.Attempt = attempt
	a.LeaseID = leaseID
	return nil
}

// ClaimConflict reports whether a job for attempt must not run: a later attempt was
// already claimed, or the same attempt is still held by a worker.
func (a *Archive) ClaimConflict(attempt int) error {
	if attempt < a.Attempt {
		return fmt.Errorf("%w: archive %s attempt %d superseded by attempt %d", utils.ErrInvalidTransition, a.ID, attempt, a.Attempt)
	}
	if attempt == a.Attempt && a.LeaseID != "" {
		return fmt.Errorf("%w: archive %s attempt %d is already held", utils.ErrInvalidTransition, a.ID, attempt)
	}
	return nil
}

// ReleaseLease gives up the current attempt so a redelivered job can run it again
func (a *Archive) ReleaseLease(now time.Time) {
	a.LeaseID = ""
	a.UpdatedAt = now
}

// CheckOverwrite is the guard every store applies, inside its write transaction, before
// replacing the stored state with next. Terminal archives are never overwritten, a write
// for an older attempt loses to a newer claim, and two workers cannot hold the same attempt.
func CheckOverwrite(storedStatus ArchiveStatus, storedAttempt int, storedLease string, next *Archive) error {
	if storedStatus.IsTerminal() {
		return fmt.Errorf("%w: archive %s is already %s", utils.ErrInvalidTransition, next.ID, storedStatus)
	}
	if storedAttempt > next.Attempt {
		return fmt.Errorf("%w: archive %s attempt %d superseded by attempt %d", utils.ErrInvalidTransition, next.ID, next.Attempt, storedAttempt)
	}
	if storedAttempt == next.Attempt && storedLease != "" && next.LeaseID != "" && storedLease != next.LeaseID {
		return fmt.Errorf("%w: archive %s attempt %d is held by another worker", utils.ErrInvalidTransition, next.ID, next.Attempt)
	}
	return nil
}

// Complete stores the extracted content. HTML and text are always written together
func (a *Archive) Complete(parsed *ParsedContent, fetched *FetchedContent, now time.Time) error {
	if parsed == nil {
		return fmt.Errorf("%w: archive %s completed without parsed content", utils.ErrInvalidTransition, a.ID)
	}
	if err := a.transition(ArchiveStatusCompleted, now); err != nil {
		return err
	}
	contentHTML, contentText := parsed.ContentHTML, parsed.ContentText
	a.ContentHTML = &contentHTML
	a.ContentText = &contentText
	a.Title = parsed.Title
	a.Description = parsed.Description
	a.ImageURL = parsed.ImageURL

	meta := parsed.Metadata
	if fetched != nil {
		meta.FinalURL = fetched.FinalURL
	}
	meta.ContentType = ContentTypeHTML
	a.Metadata = &meta

	fetchedAt := now
	a.FetchedAt = &fetchedAt
	a.ErrorReason = ""
	a.ErrorMessage = ""
	return nil
}

// Fail records a terminal failure
func (a *Archive) Fail(code ErrorCode, message string, now time.Time) error {
	return a.finishWithError(ArchiveStatusFailed, code, message, now)
}

// Block records that the URL was rejected by the SSRF/pre-flight checks
func (a *Archive) Block(code ErrorCode, message string, now time.Time) error {
	return a.finishWithError(ArchiveStatusBlocked, code, message, now)
}

func (a *Archive) finishWithError(status ArchiveStatus, code ErrorCode, message string, now time.Time) error {
	if err := a.transition(status, now); err != nil {
		return err
	}
	a.ErrorReason = code
	a.ErrorMessage = message
	a.ContentHTML = nil
	a.ContentText = nil
	return nil
}

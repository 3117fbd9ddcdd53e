// Package postgres implements storage.ArchiveStore on PostgreSQL using sqlx and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/link-archiver/pkg/models"
	"github.com/Sriram-PR/link-archiver/pkg/utils"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

const uniqueViolation = "23505"

// archiveRow mirrors the archives table
type archiveRow struct {
	ID           string         `db:"id"`
	LinkID       string         `db:"link_id"`
	URL          string         `db:"url"`
	Status       string         `db:"status"`
	ContentHTML  sql.NullString `db:"content_html"`
	ContentText  sql.NullString `db:"content_text"`
	Title        string         `db:"title"`
	Description  string         `db:"description"`
	ImageURL     string         `db:"image_url"`
	Metadata     sql.NullString `db:"metadata"`
	ErrorReason  string         `db:"error_reason"`
	ErrorMessage string         `db:"error_message"`
	FetchedAt    sql.NullTime   `db:"fetched_at"`
	Attempt      int            `db:"attempt"`
	LeaseID      string         `db:"lease_id"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

const selectColumns = `id, link_id, url, status, content_html, content_text, title, description,
	image_url, metadata, error_reason, error_message, fetched_at, attempt, lease_id, created_at, updated_at`

type ArchiveStore struct {
	db  *sqlx.DB
	tm  *TransactionManager
	log *logrus.Entry
}

func NewArchiveStore(db *sqlx.DB, log *logrus.Entry) *ArchiveStore {
	return &ArchiveStore{db: db, tm: NewTransactionManager(db, log), log: log}
}

// Open connects to dsn and applies the schema
func Open(ctx context.Context, dsn string, log *logrus.Entry) (*ArchiveStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to postgres: %w", utils.ErrDatabase, err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("Postgres archive store ready.")
	return NewArchiveStore(db, log), nil
}

// Migrate runs the embedded up migrations in order. Each one is idempotent
func Migrate(ctx context.Context, db *sqlx.DB) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("%w: reading migrations: %w", utils.ErrDatabase, err)
	}
	for _, entry := range entries {
		script, err := migrations.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("%w: reading migration %s: %w", utils.ErrDatabase, entry.Name(), err)
		}
		if _, err := db.ExecContext(ctx, string(script)); err != nil {
			return fmt.Errorf("%w: applying migration %s: %w", utils.ErrDatabase, entry.Name(), err)
		}
	}
	return nil
}

func (s *ArchiveStore) Create(ctx context.Context, archive *models.Archive) error {
	row, err := toRow(archive)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO archives (
			id, link_id, url, status, content_html, content_text, title, description,
			image_url, metadata, error_reason, error_message, fetched_at, attempt, lease_id, created_at, updated_at
		) VALUES (
			:id, :link_id, :url, :status, :content_html, :content_text, :title, :description,
			:image_url, :metadata, :error_reason, :error_message, :fetched_at, :attempt, :lease_id, :created_at, :updated_at
		)`

	if _, err := sqlx.NamedExecContext(ctx, GetExecutor(ctx, s.db), query, row); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: archive for link %s", utils.ErrAlreadyExists, archive.LinkID)
		}
		return fmt.Errorf("%w: creating archive %s: %w", utils.ErrDatabase, archive.ID, err)
	}
	return nil
}

func (s *ArchiveStore) Get(ctx context.Context, id string) (*models.Archive, error) {
	return s.getOne(ctx, "SELECT "+selectColumns+" FROM archives WHERE id = $1", id)
}

func (s *ArchiveStore) GetByLinkID(ctx context.Context, linkID string) (*models.Archive, error) {
	return s.getOne(ctx, "SELECT "+selectColumns+" FROM archives WHERE link_id = $1", linkID)
}

func (s *ArchiveStore) getOne(ctx context.Context, query, key string) (*models.Archive, error) {
	var row archiveRow
	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &row, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: archive %s", utils.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading archive %s: %w", utils.ErrDatabase, key, err)
	}
	return row.toArchive()
}

// Update locks the stored row first so a concurrent worker cannot slip a terminal
// status in between the check and the write
func (s *ArchiveStore) Update(ctx context.Context, archive *models.Archive) error {
	row, err := toRow(archive)
	if err != nil {
		return err
	}

	return s.tm.WithTransaction(ctx, func(txCtx context.Context) error {
		exec := GetExecutor(txCtx, s.db)

		var stored struct {
			Status  string `db:"status"`
			Attempt int    `db:"attempt"`
			LeaseID string `db:"lease_id"`
		}
		err := sqlx.GetContext(txCtx, exec, &stored, "SELECT status, attempt, lease_id FROM archives WHERE id = $1 FOR UPDATE", archive.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: archive %s", utils.ErrNotFound, archive.ID)
		}
		if err != nil {
			return fmt.Errorf("%w: locking archive %s: %w", utils.ErrDatabase, archive.ID, err)
		}
		if err := models.CheckOverwrite(models.ArchiveStatus(stored.Status), stored.Attempt, stored.LeaseID, archive); err != nil {
			return err
		}

		query := `
			UPDATE archives SET
				status = :status,
				content_html = :content_html,
				content_text = :content_text,
				title = :title,
				description = :description,
				image_url = :image_url,
				metadata = :metadata,
				error_reason = :error_reason,
				error_message = :error_message,
				fetched_at = :fetched_at,
				attempt = :attempt,
				lease_id = :lease_id,
				updated_at = :updated_at
			WHERE id = :id`
		if _, err := sqlx.NamedExecContext(txCtx, exec, query, row); err != nil {
			return fmt.Errorf("%w: updating archive %s: %w", utils.ErrDatabase, archive.ID, err)
		}
		s.log.Debugf("Archive %s stored with status '%s'", archive.ID, archive.Status)
		return nil
	})
}

func (s *ArchiveStore) DeleteByLinkID(ctx context.Context, linkID string) error {
	if _, err := GetExecutor(ctx, s.db).ExecContext(ctx, "DELETE FROM archives WHERE link_id = $1", linkID); err != nil {
		return fmt.Errorf("%w: deleting archive for link %s: %w", utils.ErrDatabase, linkID, err)
	}
	return nil
}

func (s *ArchiveStore) ListByStatus(ctx context.Context, status models.ArchiveStatus, limit int) ([]*models.Archive, error) {
	query := "SELECT " + selectColumns + " FROM archives WHERE status = $1 ORDER BY created_at, id"
	args := []any{string(status)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	var rows []archiveRow
	if err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &rows, query, args...); err != nil {
		return nil, fmt.Errorf("%w: listing archives with status %s: %w", utils.ErrDatabase, status, err)
	}

	archives := make([]*models.Archive, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toArchive()
		if err != nil {
			s.log.Warnf("Skipping unreadable archive %s: %v", rows[i].ID, err)
			continue
		}
		archives = append(archives, a)
	}
	return archives, nil
}

func (s *ArchiveStore) Close() error {
	return s.db.Close()
}

func toRow(a *models.Archive) (*archiveRow, error) {
	row := &archiveRow{
		ID:           a.ID,
		LinkID:       a.LinkID,
		URL:          a.URL,
		Status:       string(a.Status),
		Title:        a.Title,
		Description:  a.Description,
		ImageURL:     a.ImageURL,
		ErrorReason:  string(a.ErrorReason),
		ErrorMessage: a.ErrorMessage,
		Attempt:      a.Attempt,
		LeaseID:      a.LeaseID,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
	if a.ContentHTML != nil {
		row.ContentHTML = sql.NullString{String: *a.ContentHTML, Valid: true}
	}
	if a.ContentText != nil {
		row.ContentText = sql.NullString{String: *a.ContentText, Valid: true}
	}
	if a.FetchedAt != nil {
		row.FetchedAt = sql.NullTime{Time: *a.FetchedAt, Valid: true}
	}
	if a.Metadata != nil {
		data, err := json.Marshal(a.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal metadata of archive %s: %w", utils.ErrParsing, a.ID, err)
		}
		row.Metadata = sql.NullString{String: string(data), Valid: true}
	}
	return row, nil
}

func (r *archiveRow) toArchive() (*models.Archive, error) {
	a := &models.Archive{
		ID:           r.ID,
		LinkID:       r.LinkID,
		URL:          r.URL,
		Status:       models.ArchiveStatus(r.Status),
		Title:        r.Title,
		Description:  r.Description,
		ImageURL:     r.ImageURL,
		ErrorReason:  models.ErrorCode(r.ErrorReason),
		ErrorMessage: r.ErrorMessage,
		Attempt:      r.Attempt,
		LeaseID:      r.LeaseID,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.ContentHTML.Valid {
		a.ContentHTML = &r.ContentHTML.String
	}
	if r.ContentText.Valid {
		a.ContentText = &r.ContentText.String
	}
	if r.FetchedAt.Valid {
		fetchedAt := r.FetchedAt.Time
		a.FetchedAt = &fetchedAt
	}
	if r.Metadata.Valid {
		var meta models.Metadata
		if err := json.Unmarshal([]byte(r.Metadata.String), &meta); err != nil {
			return nil, fmt.Errorf("%w: metadata of archive %s: %w", utils.ErrParsing, r.ID, err)
		}
		a.Metadata = &meta
	}
	return a, nil
}

// Package sqlite implements storage.ArchiveStore on a single SQLite file through GORM.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/Sriram-PR/link-archiver/pkg/log"
	"github.com/Sriram-PR/link-archiver/pkg/models"
	"github.com/Sriram-PR/link-archiver/pkg/utils"
)

// archiveRecord is the archives table. Timestamps come from the domain model, so
// GORM's automatic time tracking is switched off.
type archiveRecord struct {
	ID           string `gorm:"primaryKey"`
	LinkID       string `gorm:"uniqueIndex;not null"`
	URL          string `gorm:"not null"`
	Status       string `gorm:"not null;index:idx_archives_status_created,priority:1"`
	ContentHTML  *string
	ContentText  *string
	Title        string
	Description  string
	ImageURL     string
	Metadata     *models.Metadata `gorm:"serializer:json"`
	ErrorReason  string
	ErrorMessage string
	FetchedAt    *time.Time
	Attempt      int       `gorm:"not null;default:0"`
	LeaseID      string    `gorm:"not null;default:''"`
	CreatedAt    time.Time `gorm:"autoCreateTime:false;index:idx_archives_status_created,priority:2"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime:false"`
}

func (archiveRecord) TableName() string { return "archives" }

type Store struct {
	db  *gorm.DB
	log *logrus.Entry
}

// Open opens (or creates) the database file at path and migrates the schema
func Open(path string, logger *logrus.Entry) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("cannot create directory for %s: %w", path, err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         log.NewGormLogrusAdapter(logger.WithField("component", "gorm")),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: opening sqlite database %s: %w", utils.ErrDatabase, path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrDatabase, err)
	}
	// SQLite allows one writer at a time
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&archiveRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("%w: migrating archives table: %w", utils.ErrDatabase, err)
	}

	logger.Infof("SQLite archive store ready at %s", path)
	return &Store{db: db, log: logger}, nil
}

func (s *Store) Create(ctx context.Context, archive *models.Archive) error {
	rec := toRecord(archive)
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: archive for link %s", utils.ErrAlreadyExists, archive.LinkID)
		}
		return fmt.Errorf("%w: creating archive %s: %w", utils.ErrDatabase, archive.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Archive, error) {
	return s.first(ctx, "id = ?", id)
}

func (s *Store) GetByLinkID(ctx context.Context, linkID string) (*models.Archive, error) {
	return s.first(ctx, "link_id = ?", linkID)
}

func (s *Store) first(ctx context.Context, cond, key string) (*models.Archive, error) {
	var rec archiveRecord
	err := s.db.WithContext(ctx).Where(cond, key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: archive %s", utils.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading archive %s: %w", utils.ErrDatabase, key, err)
	}
	return rec.toArchive(), nil
}

func (s *Store) Update(ctx context.Context, archive *models.Archive) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored archiveRecord
		err := tx.Select("status", "attempt", "lease_id").Where("id = ?", archive.ID).First(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: archive %s", utils.ErrNotFound, archive.ID)
		}
		if err != nil {
			return fmt.Errorf("%w: loading archive %s: %w", utils.ErrDatabase, archive.ID, err)
		}
		if err := models.CheckOverwrite(models.ArchiveStatus(stored.Status), stored.Attempt, stored.LeaseID, archive); err != nil {
			return err
		}

		if err := tx.Save(toRecord(archive)).Error; err != nil {
			return fmt.Errorf("%w: updating archive %s: %w", utils.ErrDatabase, archive.ID, err)
		}
		s.log.Debugf("Archive %s stored with status '%s'", archive.ID, archive.Status)
		return nil
	})
}

func (s *Store) DeleteByLinkID(ctx context.Context, linkID string) error {
	if err := s.db.WithContext(ctx).Where("link_id = ?", linkID).Delete(&archiveRecord{}).Error; err != nil {
		return fmt.Errorf("%w: deleting archive for link %s: %w", utils.ErrDatabase, linkID, err)
	}
	return nil
}

func (s *Store) ListByStatus(ctx context.Context, status models.ArchiveStatus, limit int) ([]*models.Archive, error) {
	query := s.db.WithContext(ctx).Where("status = ?", string(status)).Order("created_at, id")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var recs []archiveRecord
	if err := query.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("%w: listing archives with status %s: %w", utils.ErrDatabase, status, err)
	}

	archives := make([]*models.Archive, 0, len(recs))
	for i := range recs {
		archives = append(archives, recs[i].toArchive())
	}
	return archives, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecord(a *models.Archive) *archiveRecord {
	return &archiveRecord{
		ID:           a.ID,
		LinkID:       a.LinkID,
		URL:          a.URL,
		Status:       string(a.Status),
		ContentHTML:  a.ContentHTML,
		ContentText:  a.ContentText,
		Title:        a.Title,
		Description:  a.Description,
		ImageURL:     a.ImageURL,
		Metadata:     a.Metadata,
		ErrorReason:  string(a.ErrorReason),
		ErrorMessage: a.ErrorMessage,
		FetchedAt:    a.FetchedAt,
		Attempt:      a.Attempt,
		LeaseID:      a.LeaseID,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

func (r *archiveRecord) toArchive() *models.Archive {
	return &models.Archive{
		ID:           r.ID,
		LinkID:       r.LinkID,
		URL:          r.URL,
		Status:       models.ArchiveStatus(r.Status),
		ContentHTML:  r.ContentHTML,
		ContentText:  r.ContentText,
		Title:        r.Title,
		Description:  r.Description,
		ImageURL:     r.ImageURL,
		Metadata:     r.Metadata,
		ErrorReason:  models.ErrorCode(r.ErrorReason),
		ErrorMessage: r.ErrorMessage,
		FetchedAt:    r.FetchedAt,
		Attempt:      r.Attempt,
		LeaseID:      r.LeaseID,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

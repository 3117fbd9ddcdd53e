package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/link-archiver/pkg/log"
	"github.com/Sriram-PR/link-archiver/pkg/models"
	"github.com/Sriram-PR/link-archiver/pkg/utils"
)

const (
	archiveKeyPrefix = "archive:"    // archive:<id> -> Archive JSON
	linkKeyPrefix    = "link:"       // link:<link_id> -> archive id
	archiveDBDir     = "archives_db" // Subdirectory name within stateDir for Badger DB files
)

// BadgerStore implements ArchiveStore using BadgerDB
type BadgerStore struct {
	db  *badger.DB
	log *logrus.Entry
}

// NewBadgerStore opens (or creates) the archive database under stateDir
func NewBadgerStore(stateDir string, logger *logrus.Entry) (*BadgerStore, error) {
	dbPath := filepath.Join(stateDir, archiveDBDir)
	logger.Infof("Initializing archive database at: %s", dbPath)

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("cannot create state directory %s: %w", dbPath, err)
	}

	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))
	opts := badger.DefaultOptions(dbPath).
		WithLogger(badgerLogger).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", dbPath, err)
	}

	logger.Info("Archive database initialized successfully.")
	return &BadgerStore{db: db, log: logger}, nil
}

// NewInMemoryBadgerStore opens a BadgerDB that lives only in memory. Used by the
// one-shot CLI command and tests
func NewInMemoryBadgerStore(logger *logrus.Entry) (*BadgerStore, error) {
	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(badgerLogger))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory badger database: %w", err)
	}
	return &BadgerStore{db: db, log: logger}, nil
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent MVCC transactions on overlapping keys can return badger.ErrConflict;
// these resolve in microseconds, so a tight retry loop is sufficient.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

func archiveKey(id string) []byte  { return []byte(archiveKeyPrefix + id) }
func linkKey(linkID string) []byte { return []byte(linkKeyPrefix + linkID) }

// Create implements ArchiveStore
func (s *BadgerStore) Create(_ context.Context, archive *models.Archive) error {
	data, err := json.Marshal(archive)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal archive %s: %w", utils.ErrParsing, archive.ID, err)
	}

	err = s.dbUpdate(func(txn *badger.Txn) error {
		for _, key := range [][]byte{archiveKey(archive.ID), linkKey(archive.LinkID)} {
			if _, errGet := txn.Get(key); errGet == nil {
				return fmt.Errorf("%w: key '%s'", utils.ErrAlreadyExists, string(key))
			} else if !errors.Is(errGet, badger.ErrKeyNotFound) {
				return errGet
			}
		}
		if errSet := txn.Set(archiveKey(archive.ID), data); errSet != nil {
			return errSet
		}
		return txn.Set(linkKey(archive.LinkID), []byte(archive.ID))
	})
	if err != nil {
		if errors.Is(err, utils.ErrAlreadyExists) {
			return err
		}
		s.log.WithField("archive_id", archive.ID).Errorf("DB Update error in Create: %v", err)
		return fmt.Errorf("%w: creating archive %s: %w", utils.ErrDatabase, archive.ID, err)
	}
	return nil
}

// Get implements ArchiveStore
func (s *BadgerStore) Get(_ context.Context, id string) (*models.Archive, error) {
	var archive *models.Archive
	err := s.db.View(func(txn *badger.Txn) error {
		var errGet error
		archive, errGet = getArchive(txn, id)
		return errGet
	})
	if err != nil {
		return nil, s.wrapReadErr("Get", id, err)
	}
	return archive, nil
}

// GetByLinkID implements ArchiveStore
func (s *BadgerStore) GetByLinkID(_ context.Context, linkID string) (*models.Archive, error) {
	var archive *models.Archive
	err := s.db.View(func(txn *badger.Txn) error {
		id, errGet := archiveIDForLink(txn, linkID)
		if errGet != nil {
			return errGet
		}
		archive, errGet = getArchive(txn, id)
		return errGet
	})
	if err != nil {
		return nil, s.wrapReadErr("GetByLinkID", linkID, err)
	}
	return archive, nil
}

// Update implements ArchiveStore
func (s *BadgerStore) Update(_ context.Context, archive *models.Archive) error {
	data, err := json.Marshal(archive)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal archive %s: %w", utils.ErrParsing, archive.ID, err)
	}

	err = s.dbUpdate(func(txn *badger.Txn) error {
		stored, errGet := getArchive(txn, archive.ID)
		if errGet != nil {
			return errGet
		}
		if errCheck := models.CheckOverwrite(stored.Status, stored.Attempt, stored.LeaseID, archive); errCheck != nil {
			return errCheck
		}
		return txn.Set(archiveKey(archive.ID), data)
	})
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) || errors.Is(err, utils.ErrInvalidTransition) {
			return err
		}
		s.log.WithField("archive_id", archive.ID).Errorf("DB Update error in Update: %v", err)
		return fmt.Errorf("%w: updating archive %s: %w", utils.ErrDatabase, archive.ID, err)
	}

	s.log.Debugf("Archive %s stored with status '%s'", archive.ID, archive.Status)
	return nil
}

// DeleteByLinkID implements ArchiveStore
func (s *BadgerStore) DeleteByLinkID(_ context.Context, linkID string) error {
	err := s.dbUpdate(func(txn *badger.Txn) error {
		id, errGet := archiveIDForLink(txn, linkID)
		if errors.Is(errGet, utils.ErrNotFound) {
			return nil
		}
		if errGet != nil {
			return errGet
		}
		if errDel := txn.Delete(archiveKey(id)); errDel != nil {
			return errDel
		}
		return txn.Delete(linkKey(linkID))
	})
	if err != nil {
		return fmt.Errorf("%w: deleting archive for link %s: %w", utils.ErrDatabase, linkID, err)
	}
	return nil
}

// ListByStatus implements ArchiveStore
func (s *BadgerStore) ListByStatus(ctx context.Context, status models.ArchiveStatus, limit int) ([]*models.Archive, error) {
	var archives []*models.Archive
	scanErrors := 0

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(archiveKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			item := it.Item()
			errVal := item.Value(func(val []byte) error {
				var a models.Archive
				if errJSON := json.Unmarshal(val, &a); errJSON != nil {
					s.log.Warnf("Failed to unmarshal archive for key '%s': %v. Skipping.", string(item.Key()), errJSON)
					scanErrors++
					return nil
				}
				if a.Status == status {
					archives = append(archives, &a)
				}
				return nil
			})
			if errVal != nil {
				return errVal
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing archives with status %s: %w", utils.ErrDatabase, status, err)
	}
	if scanErrors > 0 {
		s.log.Warnf("ListByStatus skipped %d unreadable entries", scanErrors)
	}

	sort.SliceStable(archives, func(i, j int) bool {
		return archives[i].CreatedAt.Before(archives[j].CreatedAt)
	})
	if limit > 0 && len(archives) > limit {
		archives = archives[:limit]
	}
	return archives, nil
}

func getArchive(txn *badger.Txn, id string) (*models.Archive, error) {
	item, err := txn.Get(archiveKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: archive %s", utils.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var archive models.Archive
	err = item.Value(func(val []byte) error {
		if errJSON := json.Unmarshal(val, &archive); errJSON != nil {
			return fmt.Errorf("%w: archive %s: %w", utils.ErrParsing, id, errJSON)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &archive, nil
}

func archiveIDForLink(txn *badger.Txn, linkID string) (string, error) {
	item, err := txn.Get(linkKey(linkID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: no archive for link %s", utils.ErrNotFound, linkID)
	}
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(val), nil
}

func (s *BadgerStore) wrapReadErr(op, key string, err error) error {
	if errors.Is(err, utils.ErrNotFound) || errors.Is(err, utils.ErrParsing) {
		return err
	}
	s.log.Errorf("DB View error in %s for '%s': %v", op, key, err)
	return fmt.Errorf("%w: %s '%s': %w", utils.ErrDatabase, op, key, err)
}

// RunGC runs BadgerDB's garbage collection periodically
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute // Default interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("BadgerDB GC goroutine started.")

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				s.log.Info("DB GC: Database is nil or closed, skipping GC cycle.")
				continue
			}

			var err error
			// Loop GC until it returns ErrNoRewrite or another error
			for {
				if err = s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
			if errors.Is(err, badger.ErrNoRewrite) {
				s.log.Debug("BadgerDB GC finished (no rewrite needed).")
			} else {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}

		case <-ctx.Done():
			s.log.Infof("Stopping BadgerDB garbage collection goroutine: %v", ctx.Err())
			return
		}
	}
}

// Close implements ArchiveStore
func (s *BadgerStore) Close() error {
	if s.db == nil || s.db.IsClosed() {
		return nil
	}
	s.log.Info("Closing archive database...")
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: closing badger database: %w", utils.ErrDatabase, err)
	}
	return nil
}

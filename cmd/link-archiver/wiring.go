package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/link-archiver/pkg/archive"
	"github.com/Sriram-PR/link-archiver/pkg/config"
	"github.com/Sriram-PR/link-archiver/pkg/extract"
	"github.com/Sriram-PR/link-archiver/pkg/fetch"
	"github.com/Sriram-PR/link-archiver/pkg/queue"
	"github.com/Sriram-PR/link-archiver/pkg/storage"
	"github.com/Sriram-PR/link-archiver/pkg/storage/postgres"
	"github.com/Sriram-PR/link-archiver/pkg/storage/sqlite"
	"github.com/Sriram-PR/link-archiver/pkg/utils"
	"github.com/Sriram-PR/link-archiver/pkg/validate"
)

const (
	gcInterval           = 10 * time.Minute
	hostEvictionInterval = 5 * time.Minute
)

// openStore opens the archive store selected by storage.driver
func openStore(ctx context.Context, cfg *config.AppConfig, log *logrus.Entry) (storage.ArchiveStore, error) {
	storeLog := log.WithFields(logrus.Fields{"component": "storage", "driver": cfg.Storage.Driver})

	switch cfg.Storage.Driver {
	case config.StorageBadger:
		return storage.NewBadgerStore(cfg.Storage.StateDir, storeLog)
	case config.StoragePostgres:
		return postgres.Open(ctx, cfg.Storage.PostgresDSN, storeLog)
	case config.StorageSQLite:
		return sqlite.Open(cfg.Storage.SQLitePath, storeLog)
	default:
		return nil, fmt.Errorf("%w: unknown storage driver %q", utils.ErrConfigValidation, cfg.Storage.Driver)
	}
}

// openQueue opens the job queue selected by queue.driver. RabbitMQ prefetch matches the
// worker count so each worker holds at most one unacked job.
func openQueue(cfg *config.AppConfig, log *logrus.Entry) (queue.Queue, error) {
	queueLog := log.WithFields(logrus.Fields{"component": "queue", "driver": cfg.Queue.Driver})

	switch cfg.Queue.Driver {
	case config.QueueMemory:
		return queue.NewMemoryQueue(queueLog), nil
	case config.QueueRabbitMQ:
		return queue.NewRabbitMQ(cfg.Queue.RabbitMQ, cfg.NumWorkers, queueLog)
	default:
		return nil, fmt.Errorf("%w: unknown queue driver %q", utils.ErrConfigValidation, cfg.Queue.Driver)
	}
}

// startMaintenance runs store housekeeping in the background for stores that need it
func startMaintenance(ctx context.Context, store storage.ArchiveStore) {
	if m, ok := store.(storage.Maintainer); ok {
		go m.RunGC(ctx, gcInterval)
	}
}

// newOrchestrator wires the validator, fetcher and extractor around a store and a queue.
// Background housekeeping stops with ctx.
func newOrchestrator(ctx context.Context, cfg *config.AppConfig, store archive.ArchiveStore, q archive.JobQueue, log *logrus.Entry) *archive.Orchestrator {
	validator := validate.NewValidator(nil, log.WithField("component", "validator"))
	httpClient := fetch.NewClient(cfg.HTTPClientSettings, log.WithField("component", "http_client"))
	fetcher := fetch.NewFetcher(httpClient, validator, cfg, log.WithField("component", "fetcher"))
	extractor := extract.NewExtractor(log.WithField("component", "extractor"))
	go fetcher.RunHostEviction(ctx, hostEvictionInterval)

	return archive.NewOrchestrator(
		validator,
		fetcher,
		extractor,
		store,
		q,
		archive.RetryPolicy{Backoff: cfg.RetryBackoff},
		log.WithField("component", "orchestrator"),
	)
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Sriram-PR/link-archiver/pkg/models"
	"github.com/Sriram-PR/link-archiver/pkg/utils"
)

// Handler processes one job. A non-nil error while ctx is still live is logged and the
// job is dropped; with ctx done the job is handed back for redelivery
type Handler func(ctx context.Context, job models.Job) error

// WorkerPool runs a fixed number of workers pulling jobs off a Queue
type WorkerPool struct {
	queue   Queue
	handler Handler
	workers int
	log     *logrus.Entry
	now     func() time.Time
}

func NewWorkerPool(q Queue, handler Handler, workers int, log *logrus.Entry) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{
		queue:   q,
		handler: handler,
		workers: workers,
		log:     log,
		now:     time.Now,
	}
}

// Run blocks until ctx is cancelled or the queue is closed and drained. It returns nil
// in both cases; only queue failures are reported
func (p *WorkerPool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i <= p.workers; i++ {
		workerLog := p.log.WithField("worker_id", i)
		g.Go(func() error {
			return p.worker(gctx, workerLog)
		})
	}
	return g.Wait()
}

// worker runs the loop for a single worker goroutine
func (p *WorkerPool) worker(ctx context.Context, workerLog *logrus.Entry) error {
	workerLog.Debug("Worker starting")
	defer workerLog.Debug("Worker finished")

	for {
		delivery, err := p.queue.Dequeue(ctx)
		switch {
		case err == nil:
		case errors.Is(err, utils.ErrQueueClosed):
			workerLog.Info("Worker shutting down (queue closed & empty).")
			return nil
		case ctx.Err() != nil:
			workerLog.Infof("Worker shutting down: %v", ctx.Err())
			return nil
		default:
			return fmt.Errorf("dequeue: %w", err)
		}

		p.process(ctx, delivery, workerLog)
	}
}

func (p *WorkerPool) process(ctx context.Context, delivery Delivery, workerLog *logrus.Entry) {
	job := delivery.Job()
	jobLog := workerLog.WithFields(logrus.Fields{
		"archive_id": job.ArchiveID,
		"attempt":    job.Attempt,
	})

	if !p.waitUntil(ctx, job.NotBefore) {
		jobLog.Debug("Shutdown while waiting for retry delay, returning job")
		p.settle(delivery, true, jobLog)
		return
	}

	err := p.handler(ctx, job)
	switch {
	case err == nil:
		p.settle(delivery, false, jobLog)
	case ctx.Err() != nil:
		jobLog.Infof("Job interrupted (%v), returning it to the queue", ctx.Err())
		p.settle(delivery, true, jobLog)
	default:
		jobLog.WithField("error_category", utils.CategorizeError(err)).Errorf("Job failed: %v", err)
		if nackErr := delivery.Nack(false); nackErr != nil {
			jobLog.Warnf("Failed to discard job: %v", nackErr)
		}
	}
}

// settle acks a finished job or requeues an interrupted one
func (p *WorkerPool) settle(delivery Delivery, requeue bool, jobLog *logrus.Entry) {
	var err error
	if requeue {
		err = delivery.Nack(true)
	} else {
		err = delivery.Ack()
	}
	if err != nil {
		jobLog.Warnf("Failed to settle job delivery: %v", err)
	}
}

// waitUntil sleeps until t. It returns false if ctx ends first
func (p *WorkerPool) waitUntil(ctx context.Context, t time.Time) bool {
	if t.IsZero() {
		return ctx.Err() == nil
	}
	delay := t.Sub(p.now())
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Package queue carries archive jobs from the request path to the workers.
// Two backends exist: an in-process heap for single-binary deployments and RabbitMQ.
package queue

import (
	"context"

	"github.com/Sriram-PR/link-archiver/pkg/models"
)

// Delivery is one dequeued job. Exactly one of Ack or Nack must be called
type Delivery interface {
	Job() models.Job
	Ack() error
	// Nack gives the job back; with requeue false it is discarded
	Nack(requeue bool) error
}

// Queue is the job transport. Dequeue blocks until a job is available, ctx is done
// or the queue is closed and drained (utils.ErrQueueClosed)
type Queue interface {
	Enqueue(ctx context.Context, job models.Job) error
	Dequeue(ctx context.Context) (Delivery, error)
	Close() error
}

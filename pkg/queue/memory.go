package queue

import (
	"container/heap"
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/link-archiver/pkg/models"
	"github.com/Sriram-PR/link-archiver/pkg/utils"
)

// jobItem represents an item in the job heap
type jobItem struct {
	job   models.Job
	seq   uint64 // Insertion order, breaks NotBefore ties
	index int    // The index of the item in the heap (required by heap interface)
}

// jobHeap implements heap.Interface, ordered by NotBefore then insertion order
type jobHeap []*jobItem

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if !h[i].job.NotBefore.Equal(h[j].job.NotBefore) {
		return h[i].job.NotBefore.Before(h[j].job.NotBefore)
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	item := x.(*jobItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// MemoryQueue is an in-process Queue. Jobs come out earliest NotBefore first; waiting
// for NotBefore itself is the consumer's job. Contents are lost when the process exits
type MemoryQueue struct {
	jobs   jobHeap
	seq    uint64
	mu     sync.Mutex
	cond   *sync.Cond // Signalled when a job is added or the queue closes
	closed bool
	log    *logrus.Entry
}

func NewMemoryQueue(log *logrus.Entry) *MemoryQueue {
	q := &MemoryQueue{log: log}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(&q.jobs)
	return q
}

// Enqueue implements Queue
func (q *MemoryQueue) Enqueue(_ context.Context, job models.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.log.Warnf("Attempted to enqueue archive %s on closed queue", job.ArchiveID)
		return utils.ErrQueueClosed
	}
	q.push(job)
	return nil
}

func (q *MemoryQueue) push(job models.Job) {
	q.seq++
	heap.Push(&q.jobs, &jobItem{job: job, seq: q.seq})
	q.cond.Signal()
}

// Dequeue implements Queue. Jobs still queued at Close are handed out before
// ErrQueueClosed is returned
func (q *MemoryQueue) Dequeue(ctx context.Context) (Delivery, error) {
	// sync.Cond cannot select on ctx, so cancellation wakes every waiter instead
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.jobs) == 0 {
		if q.closed {
			return nil, utils.ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.cond.Wait()
	}

	item := heap.Pop(&q.jobs).(*jobItem)
	return &memoryDelivery{queue: q, job: item.job}, nil
}

// Close stops new jobs from being accepted and wakes all waiting consumers
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
	return nil
}

// Len returns the current number of queued jobs
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type memoryDelivery struct {
	queue *MemoryQueue
	job   models.Job
	once  sync.Once
}

func (d *memoryDelivery) Job() models.Job { return d.job }

func (d *memoryDelivery) Ack() error {
	d.once.Do(func() {})
	return nil
}

// Nack with requeue puts the job back even after Close so in-flight work is not dropped
// while the queue drains
func (d *memoryDelivery) Nack(requeue bool) error {
	d.once.Do(func() {
		if !requeue {
			return
		}
		d.queue.mu.Lock()
		d.queue.push(d.job)
		d.queue.mu.Unlock()
	})
	return nil
}

package fetch

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxRequestsPerHost applies when the configured limit is not positive
const DefaultMaxRequestsPerHost = 2

// hostEntry tracks a single host's semaphore and its usage state.
type hostEntry struct {
	sem         *semaphore.Weighted
	activeCount int64     // held + waiting permits
	lastRelease time.Time // zero if never released
}

// HostLimiter caps concurrent requests to each host across all workers, so a burst
// of bookmarks on one site does not hammer it.
type HostLimiter struct {
	entries map[string]*hostEntry
	mu      sync.Mutex
	limit   int64
	log     *logrus.Entry
}

func NewHostLimiter(maxPerHost int, log *logrus.Entry) *HostLimiter {
	limit := int64(maxPerHost)
	if limit <= 0 {
		limit = DefaultMaxRequestsPerHost
	}
	return &HostLimiter{
		entries: make(map[string]*hostEntry),
		limit:   limit,
		log:     log,
	}
}

// Acquire blocks until a permit for host is available or ctx is done
func (l *HostLimiter) Acquire(ctx context.Context, host string) error {
	l.mu.Lock()
	entry, exists := l.entries[host]
	if !exists {
		entry = &hostEntry{sem: semaphore.NewWeighted(l.limit)}
		l.entries[host] = entry
		l.log.WithFields(logrus.Fields{"host": host, "limit": l.limit}).Debug("Created new host semaphore")
	}
	entry.activeCount++
	l.mu.Unlock()

	if err := entry.sem.Acquire(ctx, 1); err != nil {
		l.mu.Lock()
		entry.activeCount--
		l.mu.Unlock()
		return err
	}
	return nil
}

func (l *HostLimiter) Release(host string) {
	l.mu.Lock()
	entry, exists := l.entries[host]
	if !exists {
		l.mu.Unlock()
		l.log.Errorf("hostlimit: Release called for unknown host: %s", host)
		return
	}
	entry.activeCount--
	entry.lastRelease = time.Now()
	l.mu.Unlock()

	entry.sem.Release(1)
}

// RunEviction periodically drops idle host entries. Should be run in a goroutine.
func (l *HostLimiter) RunEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle(interval)
		case <-ctx.Done():
			l.log.Debugf("Stopping host limiter eviction: %v", ctx.Err())
			return
		}
	}
}

func (l *HostLimiter) evictIdle(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	evicted := 0
	for host, entry := range l.entries {
		if entry.activeCount == 0 && !entry.lastRelease.IsZero() && now.Sub(entry.lastRelease) >= maxIdle {
			delete(l.entries, host)
			evicted++
		}
	}
	if evicted > 0 {
		l.log.Debugf("Evicted %d idle host semaphores, %d remain", evicted, len(l.entries))
	}
}

// Len returns the number of tracked hosts
func (l *HostLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// releasingBody gives the host permit back when the response body is closed
type releasingBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}

package archive_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/link-archiver/pkg/archive"
	"github.com/Sriram-PR/link-archiver/pkg/config"
	"github.com/Sriram-PR/link-archiver/pkg/extract"
	"github.com/Sriram-PR/link-archiver/pkg/fetch"
	"github.com/Sriram-PR/link-archiver/pkg/models"
	"github.com/Sriram-PR/link-archiver/pkg/queue"
	"github.com/Sriram-PR/link-archiver/pkg/storage"
	"github.com/Sriram-PR/link-archiver/pkg/validate"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// staticResolver maps hostnames to fixed public addresses
type staticResolver map[string]string

func (r staticResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ip, ok := r[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return []net.IPAddr{{IP: net.ParseIP(ip)}}, nil
}

// pinnedClient sends every connection to srv, keeping the server's TLS trust so
// https://example.com verifies against the httptest certificate
func pinnedClient(srv *httptest.Server, timeout time.Duration) *http.Client {
	addr := srv.Listener.Addr().String()
	transport := srv.Client().Transport.(*http.Transport).Clone()
	dialer := &net.Dialer{Timeout: time.Second}
	transport.DialContext = func(ctx context.Context, network, _ string) (net.Conn, error) {
		return dialer.DialContext(ctx, network, addr)
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

type pipeline struct {
	orchestrator *archive.Orchestrator
	store        *storage.BadgerStore
	queue        *queue.MemoryQueue
	heads, gets  *atomic.Int32
}

func newPipeline(t *testing.T, handler http.HandlerFunc, clientTimeout time.Duration, retry archive.RetryPolicy) *pipeline {
	t.Helper()

	var heads, gets atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			heads.Add(1)
		case http.MethodGet:
			gets.Add(1)
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := &config.AppConfig{}
	_, err := cfg.Validate()
	require.NoError(t, err)

	log := testLogger()
	validator := validate.NewValidator(staticResolver{"example.com": "93.184.216.34"}, log)
	fetcher := fetch.NewFetcher(pinnedClient(srv, clientTimeout), validator, cfg, log)

	store, err := storage.NewInMemoryBadgerStore(log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q := queue.NewMemoryQueue(log)
	t.Cleanup(func() { q.Close() })

	return &pipeline{
		orchestrator: archive.NewOrchestrator(validator, fetcher, extract.NewExtractor(log), store, q, retry, log),
		store:        store,
		queue:        q,
		heads:        &heads,
		gets:         &gets,
	}
}

// runUntilTerminal runs a worker pool until the archive reaches a terminal status
func (p *pipeline) runUntilTerminal(t *testing.T, archiveID string) *models.Archive {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pool := queue.NewWorkerPool(p.queue, p.orchestrator.Perform, 2, testLogger())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, pool.Run(ctx))
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	var final *models.Archive
	require.Eventually(t, func() bool {
		a, err := p.store.Get(context.Background(), archiveID)
		if err != nil || !a.Status.IsTerminal() {
			return false
		}
		final = a
		return true
	}, 10*time.Second, 10*time.Millisecond)
	return final
}

const articleHTML = `<!DOCTYPE html>
<html>
<head><title>Understanding Go Interfaces</title></head>
<body>
  <nav><a href="/">Home</a></nav>
  <article>
    <h1>Understanding Go Interfaces</h1>
    <p>Interfaces in Go are satisfied implicitly. A type implements an interface simply by
    implementing its methods, with no explicit declaration of intent required anywhere.</p>
    <p>This decoupling lets packages define the behaviour they need from their dependencies
    instead of depending on concrete types exported by other packages and modules.</p>
    <p>Small interfaces such as io.Reader and io.Writer compose into larger abstractions and
    are the backbone of the standard library, making code easy to test and to extend.</p>
    <script>alert(1)</script>
  </article>
</body>
</html>`

func TestPipeline_ArticleCompletes(t *testing.T) {
	p := newPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if r.Method == http.MethodGet {
			_, _ = io.WriteString(w, articleHTML)
		}
	}, 5*time.Second, archive.DefaultRetryPolicy())

	created, err := p.orchestrator.CreateArchiveFor(context.Background(),
		models.Link{ID: "link-article", URL: "https://example.com/article"})
	require.NoError(t, err)
	require.Equal(t, models.ArchiveStatusPending, created.Status)

	final := p.runUntilTerminal(t, created.ID)

	assert.Equal(t, models.ArchiveStatusCompleted, final.Status)
	assert.Equal(t, "Understanding Go Interfaces", final.Title)
	require.NotNil(t, final.ContentText)
	require.NotNil(t, final.ContentHTML)
	assert.NotEmpty(t, *final.ContentText)
	assert.False(t, strings.ContainsAny(*final.ContentText, "<>"), "plain text carries no markup")
	assert.NotContains(t, *final.ContentHTML, "<script")
	assert.NotContains(t, *final.ContentHTML, "alert(1)")
	require.NotNil(t, final.Metadata)
	assert.Nil(t, final.Metadata.OpenGraph)
	assert.Equal(t, "https://example.com/article", final.Metadata.FinalURL)
	assert.Equal(t, models.ContentTypeHTML, final.Metadata.ContentType)
	assert.NotNil(t, final.FetchedAt)
	assert.Empty(t, final.ErrorReason)
}

func TestPipeline_PrivateAddressBlockedWithoutJob(t *testing.T) {
	p := newPipeline(t, func(http.ResponseWriter, *http.Request) {
		t.Error("no request may reach the network")
	}, 5*time.Second, archive.DefaultRetryPolicy())

	created, err := p.orchestrator.CreateArchiveFor(context.Background(),
		models.Link{ID: "link-private", URL: "http://10.0.0.5/admin"})
	require.NoError(t, err)

	assert.Equal(t, models.ArchiveStatusBlocked, created.Status)
	assert.Equal(t, models.ErrorCodeBlocked, created.ErrorReason)
	assert.Zero(t, p.queue.Len(), "no job is enqueued for a blocked URL")

	stored, err := p.store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ArchiveStatusBlocked, stored.Status)
	assert.Zero(t, p.heads.Load()+p.gets.Load())
}

func TestPipeline_OversizedContentFailsWithoutGET(t *testing.T) {
	p := newPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Length", "50000000")
		if r.Method == http.MethodGet {
			t.Error("GET must not be issued after an oversized HEAD")
		}
	}, 5*time.Second, archive.DefaultRetryPolicy())

	created, err := p.orchestrator.CreateArchiveFor(context.Background(),
		models.Link{ID: "link-big", URL: "https://example.com/huge.html"})
	require.NoError(t, err)

	final := p.runUntilTerminal(t, created.ID)

	assert.Equal(t, models.ArchiveStatusFailed, final.Status)
	assert.Equal(t, models.ErrorCodeSizeLimit, final.ErrorReason)
	assert.EqualValues(t, 1, p.heads.Load())
	assert.Zero(t, p.gets.Load())
}

func TestPipeline_TimeoutsExhaustRetries(t *testing.T) {
	p := newPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, 100*time.Millisecond, archive.RetryPolicy{Backoff: []time.Duration{0, 10 * time.Millisecond, 20 * time.Millisecond}})

	created, err := p.orchestrator.CreateArchiveFor(context.Background(),
		models.Link{ID: "link-slow", URL: "https://example.com/slow"})
	require.NoError(t, err)

	final := p.runUntilTerminal(t, created.ID)

	assert.Equal(t, models.ArchiveStatusFailed, final.Status)
	assert.Equal(t, models.ErrorCodeTimeout, final.ErrorReason)
	assert.EqualValues(t, 3, p.heads.Load(), "each attempt times out on its size check")
	assert.Zero(t, p.gets.Load())
}

func TestPipeline_NotFoundSingleAttempt(t *testing.T) {
	p := newPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}, 5*time.Second, archive.DefaultRetryPolicy())

	created, err := p.orchestrator.CreateArchiveFor(context.Background(),
		models.Link{ID: "link-404", URL: "https://example.com/missing"})
	require.NoError(t, err)

	final := p.runUntilTerminal(t, created.ID)

	assert.Equal(t, models.ArchiveStatusFailed, final.Status)
	assert.Equal(t, models.ErrorCodeNetwork, final.ErrorReason)
	assert.EqualValues(t, 1, p.gets.Load())
}

func TestPipeline_RequeuePendingRecoversLostJob(t *testing.T) {
	p := newPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = io.WriteString(w, articleHTML)
		}
	}, 5*time.Second, archive.DefaultRetryPolicy())
	ctx := context.Background()

	// An archive stored without its job, as after a queue outage
	orphan := models.NewArchive(models.Link{ID: "link-orphan", URL: "https://example.com/article"}, time.Now().UTC())
	require.NoError(t, p.store.Create(ctx, orphan))

	n, err := p.orchestrator.RequeuePending(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	final := p.runUntilTerminal(t, orphan.ID)
	assert.Equal(t, models.ArchiveStatusCompleted, final.Status)
}

func TestPipeline_RequeueWhileJobsQueuedKeepsThreeAttempts(t *testing.T) {
	p := newPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, 100*time.Millisecond, archive.RetryPolicy{Backoff: []time.Duration{0, 10 * time.Millisecond, 20 * time.Millisecond}})
	ctx := context.Background()

	created, err := p.orchestrator.CreateArchiveFor(ctx, models.Link{ID: "link-dup", URL: "https://example.com/slow"})
	require.NoError(t, err)

	// The archive is still pending, so its first-attempt job is queued a second time
	n, err := p.orchestrator.RequeuePending(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 2, p.queue.Len())

	runCtx, cancel := context.WithCancel(ctx)
	pool := queue.NewWorkerPool(p.queue, p.orchestrator.Perform, 2, testLogger())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, pool.Run(runCtx))
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	// Once an attempt is claimed, requeue leaves the archive to its worker
	require.Eventually(t, func() bool { return p.heads.Load() >= 1 }, 5*time.Second, 5*time.Millisecond)
	n, err = p.orchestrator.RequeuePending(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	var final *models.Archive
	require.Eventually(t, func() bool {
		a, err := p.store.Get(ctx, created.ID)
		if err != nil || !a.Status.IsTerminal() {
			return false
		}
		final = a
		return true
	}, 10*time.Second, 10*time.Millisecond)

	assert.Equal(t, models.ArchiveStatusFailed, final.Status)
	assert.Equal(t, models.ErrorCodeTimeout, final.ErrorReason)
	assert.Equal(t, 3, final.Attempt)
	assert.EqualValues(t, 3, p.heads.Load(), "duplicate jobs never fetch")
	assert.Eventually(t, func() bool { return p.queue.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestPipeline_RequeueRecoversStaleClaim(t *testing.T) {
	p := newPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = io.WriteString(w, articleHTML)
		}
	}, 5*time.Second, archive.DefaultRetryPolicy())
	ctx := context.Background()

	// A worker claimed attempt 1 and died without finishing or releasing it
	abandoned := models.NewArchive(models.Link{ID: "link-crashed", URL: "https://example.com/article"}, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, p.store.Create(ctx, abandoned))
	require.NoError(t, abandoned.Claim(1, "dead-worker", time.Now().UTC().Add(-time.Hour)))
	require.NoError(t, p.store.Update(ctx, abandoned))

	n, err := p.orchestrator.RequeuePending(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	final := p.runUntilTerminal(t, abandoned.ID)
	assert.Equal(t, models.ArchiveStatusCompleted, final.Status)
	assert.Equal(t, 2, final.Attempt)
}

func TestPipeline_DeleteArchiveFor(t *testing.T) {
	p := newPipeline(t, func(http.ResponseWriter, *http.Request) {}, time.Second, archive.DefaultRetryPolicy())
	ctx := context.Background()

	created, err := p.orchestrator.CreateArchiveFor(ctx, models.Link{ID: "link-del", URL: "http://127.0.0.1/"})
	require.NoError(t, err)

	require.NoError(t, p.orchestrator.DeleteArchiveFor(ctx, "link-del"))
	_, err = p.store.Get(ctx, created.ID)
	assert.Error(t, err)
}

package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/link-archiver/pkg/config"
	"github.com/Sriram-PR/link-archiver/pkg/models"
	"github.com/Sriram-PR/link-archiver/pkg/utils"
	"github.com/Sriram-PR/link-archiver/pkg/validate"
)

// testConfig returns an AppConfig with defaults applied
func testConfig() *config.AppConfig {
	cfg := &config.AppConfig{}
	_, _ = cfg.Validate()
	return cfg
}

// testLogger returns a logger that discards output
func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// staticResolver makes public-looking hostnames resolvable without real DNS
type staticResolver map[string]string

func (r staticResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ip, ok := r[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return []net.IPAddr{{IP: net.ParseIP(ip)}}, nil
}

func testValidator() *validate.Validator {
	return validate.NewValidator(staticResolver{
		"example.com":      "93.184.216.34",
		"www.example.com":  "93.184.216.34",
		"cdn.example.net":  "151.101.1.1",
		"internal.example": "10.0.0.1",
	}, nil)
}

// pinnedClient sends every connection to srv regardless of the URL's host,
// so validated public hostnames end up at the local test server.
func pinnedClient(srv *httptest.Server, timeout time.Duration) *http.Client {
	addr := srv.Listener.Addr().String()
	dialer := &net.Dialer{Timeout: time.Second}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, addr)
			},
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// recorder counts requests per method and keeps every User-Agent seen
type recorder struct {
	heads, gets atomic.Int32
	mu          sync.Mutex
	agents      []string
}

func (rec *recorder) wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			rec.heads.Add(1)
		case http.MethodGet:
			rec.gets.Add(1)
		}
		rec.mu.Lock()
		rec.agents = append(rec.agents, r.UserAgent())
		rec.mu.Unlock()
		next(w, r)
	}
}

func newTestFetcher(t *testing.T, cfg *config.AppConfig, handler http.HandlerFunc) (*Fetcher, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(rec.wrap(handler))
	t.Cleanup(srv.Close)
	return NewFetcher(pinnedClient(srv, 5*time.Second), testValidator(), cfg, testLogger()), rec
}

func requireFatal(t *testing.T, res Result, code models.ErrorCode) *models.FetchError {
	t.Helper()
	fatal, ok := res.(Fatal)
	require.True(t, ok, "expected Fatal, got %T (%v)", res, res)
	require.NotNil(t, fatal.Err)
	assert.Equal(t, code, fatal.Err.Code, fatal.Err.Message)
	return fatal.Err
}

const articleHTML = `<html><head><title>Hello</title></head><body><article><p>Body text</p></article></body></html>`

func TestFetch_Success(t *testing.T) {
	cfg := testConfig()
	f, rec := newTestFetcher(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(articleHTML)))
			return
		}
		_, _ = io.WriteString(w, articleHTML)
	})

	res := f.Fetch(context.Background(), "http://example.com/article")

	fetched, ok := res.(Fetched)
	require.True(t, ok, "expected Fetched, got %T", res)
	assert.Equal(t, articleHTML, string(fetched.Content.Body))
	assert.Equal(t, http.StatusOK, fetched.Content.StatusCode)
	assert.Equal(t, "http://example.com/article", fetched.Content.FinalURL)
	assert.Contains(t, fetched.Content.ContentType, "text/html")
	assert.Equal(t, int32(1), rec.heads.Load())
	assert.Equal(t, int32(1), rec.gets.Load())
}

func TestFetch_UserAgentOnEveryRequest(t *testing.T) {
	cfg := testConfig()
	f, rec := newTestFetcher(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusMovedPermanently)
			return
		}
		_, _ = io.WriteString(w, articleHTML)
	})

	_, ok := f.Fetch(context.Background(), "http://example.com/old").(Fetched)
	require.True(t, ok)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.agents, 4) // HEAD /old, HEAD /new, GET /old, GET /new
	for _, ua := range rec.agents {
		assert.Equal(t, config.DefaultUserAgent, ua)
	}
}

func TestFetch_HeadContentLengthOverLimit_NoGet(t *testing.T) {
	f, rec := newTestFetcher(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "50000000")
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = io.WriteString(w, articleHTML)
	})

	fe := requireFatal(t, f.Fetch(context.Background(), "http://example.com/huge.bin"), models.ErrorCodeSizeLimit)
	assert.Equal(t, "50000000", fe.Details["content_length"])
	assert.Equal(t, int32(1), rec.heads.Load())
	assert.Equal(t, int32(0), rec.gets.Load(), "GET must never be issued after a size_limit HEAD")
}

func TestFetch_RedirectToOversizedTarget_NoGet(t *testing.T) {
	f, rec := newTestFetcher(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/download":
			http.Redirect(w, r, "/files/huge.html", http.StatusMovedPermanently)
		default:
			w.Header().Set("Content-Length", "50000000")
			w.WriteHeader(http.StatusOK)
		}
	})

	fe := requireFatal(t, f.Fetch(context.Background(), "http://example.com/download"), models.ErrorCodeSizeLimit)
	assert.Equal(t, "50000000", fe.Details["content_length"])
	assert.Equal(t, int32(2), rec.heads.Load())
	assert.Zero(t, rec.gets.Load(), "no GET is issued on any hop")
}

func TestFetch_HeadRedirectToBlockedTarget_NoGet(t *testing.T) {
	f, rec := newTestFetcher(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			http.Redirect(w, r, "http://[::1%25lo]/admin", http.StatusFound)
			return
		}
		_, _ = io.WriteString(w, articleHTML)
	})

	fe := requireFatal(t, f.Fetch(context.Background(), "http://example.com/start"), models.ErrorCodeBlocked)
	assert.Equal(t, "http://example.com/start", fe.Details["original_url"])
	assert.Zero(t, rec.gets.Load())
}

func TestFetch_HeadFailureFailsClosed(t *testing.T) {
	f, rec := newTestFetcher(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		_, _ = io.WriteString(w, articleHTML)
	})

	fe := requireFatal(t, f.Fetch(context.Background(), "http://example.com/"), models.ErrorCodeNetwork)
	assert.Equal(t, "size check", fe.Details["stage"])
	assert.Equal(t, int32(0), rec.gets.Load())
}

func TestFetch_RedirectToBlockedTarget(t *testing.T) {
	tests := []struct {
		name     string
		location string
	}{
		{"metadata IP literal", "http://169.254.169.254/latest/meta-data/"},
		{"loopback", "http://127.0.0.1:8080/admin"},
		{"hostname resolving to private range", "http://internal.example/secret"},
		{"disallowed scheme", "file:///etc/passwd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var secretServed atomic.Bool
			f, _ := newTestFetcher(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/start":
					w.Header().Set("Location", tt.location)
					w.WriteHeader(http.StatusFound)
				default:
					secretServed.Store(true)
					_, _ = io.WriteString(w, "secret")
				}
			})

			fe := requireFatal(t, f.Fetch(context.Background(), "http://example.com/start"), models.ErrorCodeBlocked)
			assert.Equal(t, "http://example.com/start", fe.Details["original_url"])
			assert.Equal(t, tt.location, fe.Details["redirect_url"])
			assert.False(t, secretServed.Load())
		})
	}
}

func TestFetch_TransitiveRedirectToBlockedTarget(t *testing.T) {
	f, _ := newTestFetcher(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a":
			http.Redirect(w, r, "http://www.example.com/b", http.StatusMovedPermanently)
		case "/b":
			http.Redirect(w, r, "http://192.168.1.1/router", http.StatusTemporaryRedirect)
		default:
			_, _ = io.WriteString(w, "should not be reached")
		}
	})

	fe := requireFatal(t, f.Fetch(context.Background(), "http://example.com/a"), models.ErrorCodeBlocked)
	assert.Equal(t, "http://192.168.1.1/router", fe.Details["redirect_url"])
}

func TestFetch_RelativeRedirect(t *testing.T) {
	f, _ := newTestFetcher(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/docs/old":
			w.Header().Set("Location", "../new?x=1")
			w.WriteHeader(http.StatusSeeOther)
		default:
			_, _ = io.WriteString(w, articleHTML)
		}
	})

	fetched, ok := f.Fetch(context.Background(), "http://example.com/docs/old").(Fetched)
	require.True(t, ok)
	assert.Equal(t, "http://example.com/new?x=1", fetched.Content.FinalURL)
}

// chainHandler serves /chain/<n>: redirects to /chain/<n-1> until n reaches zero
func chainHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		return
	}
	n, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/chain/"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if n > 0 {
		http.Redirect(w, r, fmt.Sprintf("/chain/%d", n-1), http.StatusFound)
		return
	}
	_, _ = io.WriteString(w, articleHTML)
}

func TestFetch_RedirectLimit(t *testing.T) {
	cfg := testConfig()
	require.Equal(t, 5, cfg.MaxRedirects)

	t.Run("five redirects succeed", func(t *testing.T) {
		f, rec := newTestFetcher(t, cfg, chainHandler)
		fetched, ok := f.Fetch(context.Background(), "http://example.com/chain/5").(Fetched)
		require.True(t, ok)
		assert.Equal(t, "http://example.com/chain/0", fetched.Content.FinalURL)
		assert.Equal(t, int32(6), rec.gets.Load())
	})

	t.Run("six redirects fail distinctly", func(t *testing.T) {
		f, rec := newTestFetcher(t, cfg, chainHandler)
		fe := requireFatal(t, f.Fetch(context.Background(), "http://example.com/chain/6"), models.ErrorCodeTooManyRedirects)
		assert.True(t, errors.Is(fe, utils.ErrTooManyRedirects))
		assert.False(t, errors.Is(fe, utils.ErrNetwork))
		assert.Equal(t, int32(6), rec.gets.Load())
	})
}

func TestFetch_RedirectWithoutLocation(t *testing.T) {
	f, _ := newTestFetcher(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
	})

	fe := requireFatal(t, f.Fetch(context.Background(), "http://example.com/"), models.ErrorCodeNetwork)
	assert.Equal(t, http.StatusFound, fe.HTTPStatus)
}

func TestFetch_ClientAndServerErrorsAreFatal(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusForbidden, http.StatusInternalServerError, http.StatusServiceUnavailable} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			f, rec := newTestFetcher(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			})

			fe := requireFatal(t, f.Fetch(context.Background(), "http://example.com/missing"), models.ErrorCodeNetwork)
			assert.Equal(t, status, fe.HTTPStatus)
			assert.Equal(t, int32(1), rec.gets.Load())
		})
	}
}

func TestFetch_TimeoutIsRetryable(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.wrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)

	f := NewFetcher(pinnedClient(srv, 100*time.Millisecond), testValidator(), testConfig(), testLogger())
	res := f.Fetch(context.Background(), "http://example.com/slow")

	retryable, ok := res.(Retryable)
	require.True(t, ok, "expected Retryable, got %T", res)
	assert.True(t, errors.Is(retryable.Cause, utils.ErrTimeout))
	assert.Equal(t, "http://example.com/slow", retryable.URL)
}

func TestFetch_HeadTimeoutIsRetryable(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.wrap(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)

	f := NewFetcher(pinnedClient(srv, 100*time.Millisecond), testValidator(), testConfig(), testLogger())
	_, ok := f.Fetch(context.Background(), "http://example.com/slow").(Retryable)
	assert.True(t, ok)
	assert.Equal(t, int32(0), rec.gets.Load())
}

func TestFetch_BodyOverLimitWithoutContentLength(t *testing.T) {
	cfg := testConfig()
	cfg.MaxContentLength = 1024
	f, _ := newTestFetcher(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		_, _ = io.WriteString(w, "<html>")
		w.(http.Flusher).Flush() // forces chunked encoding, no Content-Length
		_, _ = io.WriteString(w, strings.Repeat("a", 4096))
	})

	requireFatal(t, f.Fetch(context.Background(), "http://example.com/stream"), models.ErrorCodeSizeLimit)
}

func TestFetch_InitialURLRejected(t *testing.T) {
	tests := []struct {
		url  string
		code models.ErrorCode
	}{
		{"ftp://example.com/file", models.ErrorCodeInvalidURL},
		{"http://unknown.invalid/", models.ErrorCodeInvalidURL},
		{"http://10.0.0.5/admin", models.ErrorCodeBlocked},
		{"http://[::1]/", models.ErrorCodeBlocked},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			f, rec := newTestFetcher(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, articleHTML)
			})
			requireFatal(t, f.Fetch(context.Background(), tt.url), tt.code)
			assert.Equal(t, int32(0), rec.heads.Load()+rec.gets.Load())
		})
	}
}

package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/link-archiver/pkg/config"
	"github.com/Sriram-PR/link-archiver/pkg/models"
	"github.com/Sriram-PR/link-archiver/pkg/utils"
)

// URLValidator is the pre-flight check run on the initial URL and on every redirect target
type URLValidator interface {
	Validate(ctx context.Context, rawURL string) (string, error)
}

// Fetcher retrieves a single page for archiving. It never retries; retry policy
// belongs to the caller, which only retries Retryable results.
type Fetcher struct {
	client           *http.Client
	validator        URLValidator
	userAgent        string
	maxContentLength int64
	maxRedirects     int
	hosts            *HostLimiter
	log              *logrus.Entry
}

// NewFetcher creates a new Fetcher instance
func NewFetcher(client *http.Client, validator URLValidator, cfg *config.AppConfig, log *logrus.Entry) *Fetcher {
	return &Fetcher{
		client:           client,
		validator:        validator,
		userAgent:        cfg.UserAgent,
		maxContentLength: cfg.MaxContentLength,
		maxRedirects:     cfg.MaxRedirects,
		hosts:            NewHostLimiter(cfg.MaxRequestsPerHost, log),
		log:              log,
	}
}

// RunHostEviction drops idle per-host limiter entries until ctx is done. Should be run in a goroutine.
func (f *Fetcher) RunHostEviction(ctx context.Context, interval time.Duration) {
	f.hosts.RunEviction(ctx, interval)
}

// Fetch validates rawURL, checks its size with a HEAD request and then GETs it,
// following redirects by hand so each target is validated before it is requested.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) Result {
	reqLog := f.log.WithField("url", rawURL)

	validated, err := f.validator.Validate(ctx, rawURL)
	if err != nil {
		reqLog.WithField("error_type", utils.CategorizeError(err)).Warnf("URL rejected before fetch: %v", err)
		return Fatal{Err: asFetchError(err, rawURL, models.ErrorCodeInvalidURL)}
	}

	if res := f.checkSize(ctx, rawURL, validated, reqLog); res != nil {
		return res
	}
	return f.get(ctx, rawURL, validated, reqLog)
}

// checkSize issues the HEAD request. It fails closed: a HEAD that cannot be completed
// stops the fetch. A HEAD answered with a redirect is followed, validating every target,
// so the size that is checked belongs to the page the GET will end on. Apart from that
// only Content-Length is consulted; the HEAD status is ignored.
func (f *Fetcher) checkSize(ctx context.Context, originalURL, target string, reqLog *logrus.Entry) Result {
	current := target
	for hops := 0; ; hops++ {
		resp, err := f.do(ctx, http.MethodHead, current)
		if err != nil {
			return f.transportFailure(current, "size check", err, reqLog)
		}
		drainAndClose(resp)

		if location := resp.Header.Get("Location"); isRedirect(resp.StatusCode) && location != "" {
			next, res := f.followRedirect(ctx, originalURL, current, location, hops, reqLog)
			if res != nil {
				return res
			}
			current = next
			continue
		}

		length := contentLength(resp)
		reqLog.WithFields(logrus.Fields{"status_code": resp.StatusCode, "content_length": length, "head_url": current}).Debug("HEAD size check")
		if length > f.maxContentLength {
			reqLog.Warnf("Content-Length %d exceeds limit %d, skipping download", length, f.maxContentLength)
			return Fatal{Err: f.sizeLimitError(current, length)}
		}
		return nil
	}
}

func (f *Fetcher) get(ctx context.Context, originalURL, target string, reqLog *logrus.Entry) Result {
	current := target
	for hops := 0; ; hops++ {
		resp, err := f.do(ctx, http.MethodGet, current)
		if err != nil {
			return f.transportFailure(current, "get", err, reqLog)
		}

		if isRedirect(resp.StatusCode) {
			location := resp.Header.Get("Location")
			drainAndClose(resp)

			if location == "" {
				fe := models.NewFetchError(models.ErrorCodeNetwork, current, "redirect status %d without Location header", resp.StatusCode)
				fe.HTTPStatus = resp.StatusCode
				return Fatal{Err: fe}
			}
			next, res := f.followRedirect(ctx, originalURL, current, location, hops, reqLog)
			if res != nil {
				return res
			}
			current = next
			continue
		}

		return f.readBody(current, resp, reqLog)
	}
}

// followRedirect resolves location against current and validates the target. hops is the
// number of redirects already followed. A non-nil Result stops the fetch.
func (f *Fetcher) followRedirect(ctx context.Context, originalURL, current, location string, hops int, reqLog *logrus.Entry) (string, Result) {
	next, err := resolveReference(current, location)
	if err != nil {
		return "", Fatal{Err: models.NewFetchError(models.ErrorCodeInvalidURL, current, "invalid redirect Location %q: %v", location, err).
			WithDetail("original_url", originalURL)}
	}
	if hops >= f.maxRedirects {
		reqLog.Warnf("Redirect limit %d reached at %s", f.maxRedirects, next)
		return "", Fatal{Err: models.NewFetchError(models.ErrorCodeTooManyRedirects, originalURL, "stopped after %d redirects", f.maxRedirects).
			WithDetail("last_url", current).
			WithDetail("redirect_url", next).
			WithDetail("max_redirects", strconv.Itoa(f.maxRedirects))}
	}
	if _, err := f.validator.Validate(ctx, next); err != nil {
		reqLog.WithField("redirect_url", next).Warnf("Redirect target rejected: %v", err)
		fe := models.NewFetchError(models.ErrorCodeBlocked, originalURL, "redirect to %s rejected: %s", next, reasonOf(err)).
			WithDetail("original_url", originalURL).
			WithDetail("redirect_url", next)
		return "", Fatal{Err: fe}
	}

	reqLog.Debugf("Redirecting: %s -> %s (hop %d)", current, next, hops+1)
	return next, nil
}

func (f *Fetcher) readBody(current string, resp *http.Response, reqLog *logrus.Entry) Result {
	defer resp.Body.Close()
	resLog := reqLog.WithFields(logrus.Fields{"status_code": resp.StatusCode, "final_url": current})

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resLog.Warn("Non-success status, not retrying")
		fe := models.NewFetchError(models.ErrorCodeNetwork, current, "status %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		fe.HTTPStatus = resp.StatusCode
		return Fatal{Err: fe}
	}

	if resp.ContentLength > f.maxContentLength {
		return Fatal{Err: f.sizeLimitError(current, resp.ContentLength)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxContentLength+1))
	if err != nil {
		return f.transportFailure(current, "read body", err, reqLog)
	}
	if int64(len(body)) > f.maxContentLength {
		resLog.Warnf("Body exceeds limit %d", f.maxContentLength)
		return Fatal{Err: f.sizeLimitError(current, int64(len(body)))}
	}

	resLog.WithField("bytes", len(body)).Debug("Successfully fetched")
	return Fetched{Content: &models.FetchedContent{
		Body:        body,
		StatusCode:  resp.StatusCode,
		FinalURL:    current,
		ContentType: resp.Header.Get("Content-Type"),
	}}
}

func (f *Fetcher) do(ctx context.Context, method, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	if method == http.MethodGet {
		req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	}

	// The permit is held until the body is closed
	host := req.URL.Hostname()
	if err := f.hosts.Acquire(ctx, host); err != nil {
		return nil, fmt.Errorf("waiting for host %s: %w", host, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		f.hosts.Release(host)
		return nil, err
	}
	resp.Body = &releasingBody{ReadCloser: resp.Body, release: func() { f.hosts.Release(host) }}
	return resp, nil
}

// transportFailure maps an error from the HTTP round-trip. Timeouts become Retryable,
// everything else is fatal.
func (f *Fetcher) transportFailure(target, stage string, err error, reqLog *logrus.Entry) Result {
	errLog := reqLog.WithFields(logrus.Fields{"stage": stage, "error_type": utils.CategorizeError(err)})

	if utils.IsTimeout(err) {
		errLog.Warnf("Timeout: %v", err)
		return Retryable{URL: target, Cause: fmt.Errorf("%w: %s: %v", utils.ErrTimeout, stage, err)}
	}
	if errors.Is(err, utils.ErrBlocked) {
		errLog.Warnf("Connection refused by address guard: %v", err)
		return Fatal{Err: models.NewFetchError(models.ErrorCodeBlocked, target, "%s: %v", stage, err).
			WithDetail("stage", stage)}
	}

	errLog.Errorf("Network error: %v", err)
	return Fatal{Err: models.NewFetchError(models.ErrorCodeNetwork, target, "%s failed: %v", stage, err).
		WithDetail("stage", stage)}
}

func (f *Fetcher) sizeLimitError(target string, length int64) *models.FetchError {
	return models.NewFetchError(models.ErrorCodeSizeLimit, target, "content length %d exceeds limit of %d bytes", length, f.maxContentLength).
		WithDetail("content_length", strconv.FormatInt(length, 10)).
		WithDetail("max_content_length", strconv.FormatInt(f.maxContentLength, 10))
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// contentLength reads the Content-Length header; -1 when absent or unparseable
func contentLength(resp *http.Response) int64 {
	raw := resp.Header.Get("Content-Length")
	if raw == "" {
		return resp.ContentLength
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

func resolveReference(base, location string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(ref).String(), nil
}

// asFetchError keeps a validator's FetchError as-is and wraps anything else
func asFetchError(err error, rawURL string, fallback models.ErrorCode) *models.FetchError {
	var fe *models.FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return models.NewFetchError(fallback, rawURL, "%v", err)
}

func reasonOf(err error) string {
	var fe *models.FetchError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}

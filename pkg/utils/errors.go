package utils

import (
	"context"
	"errors"
	"net"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrInvalidURL        = errors.New("invalid URL")                            // Malformed, unsupported scheme or unresolvable host
	ErrBlocked           = errors.New("URL blocked (reserved network address)") // SSRF protection
	ErrSizeLimit         = errors.New("content exceeds size limit")             // Content-Length or body over ceiling
	ErrNetwork           = errors.New("network error")                          // Connection failures and non-2xx responses
	ErrTooManyRedirects  = errors.New("too many redirects")                     // Hop limit exceeded
	ErrTimeout           = errors.New("request timed out")                      // Connect/read timeout (retryable)
	ErrExtraction        = errors.New("content extraction error")               // Parse or sanitize failure
	ErrParsing           = errors.New("parsing error")                          // Wraps specific parsing error (HTML, URL, JSON)
	ErrDatabase          = errors.New("database error")                         // Wraps store errors
	ErrNotFound          = errors.New("record not found")                       // Archive lookup miss
	ErrAlreadyExists     = errors.New("record already exists")                  // Second archive for one link
	ErrInvalidTransition = errors.New("invalid archive status transition")      // State machine violation
	ErrQueueClosed       = errors.New("job queue closed")                       // Enqueue/Dequeue after Close
	ErrConfigValidation  = errors.New("configuration validation error")         // Fatal config problem
)

// CategorizeError maps an error to a predefined category string for logging.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	switch {
	case errors.Is(err, ErrBlocked):
		return "Policy_Blocked"
	case errors.Is(err, ErrInvalidURL):
		return "Policy_InvalidURL"
	case errors.Is(err, ErrSizeLimit):
		return "Policy_SizeLimit"
	case errors.Is(err, ErrTooManyRedirects):
		return "HTTP_TooManyRedirects"
	case errors.Is(err, ErrTimeout):
		return "Network_Timeout"
	case errors.Is(err, ErrNetwork):
		errMsg := err.Error()
		if strings.Contains(errMsg, "status 404") {
			return "HTTP_404"
		}
		if strings.Contains(errMsg, "status 4") {
			return "HTTP_4xx"
		}
		if strings.Contains(errMsg, "status 5") {
			return "HTTP_5xx"
		}
		return "Network_Other"
	case errors.Is(err, ErrExtraction):
		return "Content_Extraction"
	case errors.Is(err, ErrParsing):
		return "Content_Parsing"
	case errors.Is(err, ErrNotFound):
		return "Database_NotFound"
	case errors.Is(err, ErrAlreadyExists):
		return "Database_AlreadyExists"
	case errors.Is(err, ErrInvalidTransition):
		return "Database_InvalidTransition"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrQueueClosed):
		return "Queue_Closed"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	}

	// --- Fallback checks for common underlying error types/strings ---

	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "System_ContextDeadlineExceeded"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}

	lowerErrMsg := strings.ToLower(err.Error())
	if strings.Contains(lowerErrMsg, "connection refused") {
		return "Network_ConnectionRefused"
	}
	if strings.Contains(lowerErrMsg, "no such host") {
		return "Network_DNSLookup"
	}
	if strings.Contains(lowerErrMsg, "tls") || strings.Contains(lowerErrMsg, "certificate") {
		return "Network_TLS"
	}
	if strings.Contains(lowerErrMsg, "reset by peer") {
		return "Network_ConnectionReset"
	}

	return "Unknown"
}

// IsTimeout reports whether err is a transport-level timeout: a net.Error with
// Timeout() set or a context deadline. Cancellation is not a timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

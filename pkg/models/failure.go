package models

import (
	"fmt"

	"github.com/Sriram-PR/link-archiver/pkg/utils"
)

// ErrorCode tags a failure; it is what gets stored in Archive.ErrorReason
type ErrorCode string

const (
	ErrorCodeInvalidURL       ErrorCode = "invalid_url"
	ErrorCodeBlocked          ErrorCode = "blocked"
	ErrorCodeSizeLimit        ErrorCode = "size_limit"
	ErrorCodeNetwork          ErrorCode = "network_error"
	ErrorCodeTooManyRedirects ErrorCode = "too_many_redirects"
	ErrorCodeTimeout          ErrorCode = "timeout"
	ErrorCodeExtraction       ErrorCode = "extraction_error"
)

// String implements fmt.Stringer
func (c ErrorCode) String() string { return string(c) }

// Sentinel returns the utils sentinel error matching this code
func (c ErrorCode) Sentinel() error {
	switch c {
	case ErrorCodeInvalidURL:
		return utils.ErrInvalidURL
	case ErrorCodeBlocked:
		return utils.ErrBlocked
	case ErrorCodeSizeLimit:
		return utils.ErrSizeLimit
	case ErrorCodeNetwork:
		return utils.ErrNetwork
	case ErrorCodeTooManyRedirects:
		return utils.ErrTooManyRedirects
	case ErrorCodeTimeout:
		return utils.ErrTimeout
	case ErrorCodeExtraction:
		return utils.ErrExtraction
	}
	return nil
}

// FetchError is the structured failure produced by URL validation and fetching
type FetchError struct {
	Code       ErrorCode         `json:"error_code"`
	Message    string            `json:"error_message"`
	URL        string            `json:"url"`
	HTTPStatus int               `json:"http_status,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// NewFetchError builds a FetchError with an empty details bag
func NewFetchError(code ErrorCode, rawURL, format string, args ...any) *FetchError {
	return &FetchError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		URL:     rawURL,
		Details: map[string]string{},
	}
}

// WithDetail records a key/value in the details bag and returns the receiver
func (e *FetchError) WithDetail(key, value string) *FetchError {
	if e.Details == nil {
		e.Details = map[string]string{}
	}
	e.Details[key] = value
	return e
}

func (e *FetchError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s: %s (url=%s, status %d)", e.Code, e.Message, e.URL, e.HTTPStatus)
	}
	return fmt.Sprintf("%s: %s (url=%s)", e.Code, e.Message, e.URL)
}

// Unwrap exposes the sentinel for errors.Is checks
func (e *FetchError) Unwrap() error { return e.Code.Sentinel() }

// ExtractionError is the structured failure produced by content extraction
type ExtractionError struct {
	Code    ErrorCode         `json:"error_code"`
	Message string            `json:"error_message"`
	URL     string            `json:"url"`
	Details map[string]string `json:"details,omitempty"`
}

// NewExtractionError builds an ExtractionError tagged extraction_error
func NewExtractionError(rawURL string, stage string, cause error) *ExtractionError {
	return &ExtractionError{
		Code:    ErrorCodeExtraction,
		Message: cause.Error(),
		URL:     rawURL,
		Details: map[string]string{"stage": stage},
	}
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("%s: %s (url=%s)", e.Code, e.Message, e.URL)
}

// Unwrap exposes the sentinel for errors.Is checks
func (e *ExtractionError) Unwrap() error { return e.Code.Sentinel() }

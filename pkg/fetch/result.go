package fetch

import (
	"github.com/Sriram-PR/link-archiver/pkg/models"
)

// Result is the outcome of one Fetch call. It is exactly one of Fetched, Fatal or Retryable;
// callers switch on the concrete type.
type Result interface {
	isResult()
}

// Fetched carries the body of a successful 2xx response
type Fetched struct {
	Content *models.FetchedContent
}

// Fatal is a failure that must not be retried
type Fatal struct {
	Err *models.FetchError
}

// Retryable is a timeout. It is the only failure the caller may retry
type Retryable struct {
	URL   string
	Cause error
}

func (Fetched) isResult()   {}
func (Fatal) isResult()     {}
func (Retryable) isResult() {}

func (r Retryable) Error() string {
	return "timeout fetching " + r.URL + ": " + r.Cause.Error()
}

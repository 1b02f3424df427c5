// Package apperr defines the small set of error kinds the job pipeline
// distinguishes, so callers can branch on errors.Is/errors.As instead of
// string matching.
package apperr

import "errors"

// Sentinel errors for conditions the ingress and worker handle specially.
var (
	// ErrInvalidSignature is returned by the webhook verifier when neither
	// configured secret's HMAC matches.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMalformedEvent means the translator could not make sense of the
	// payload; it is not a failure, just "no job to enqueue".
	ErrMalformedEvent = errors.New("malformed event payload")

	// ErrUnknownJobKind means a job row carries a kind the worker does not
	// know how to dispatch.
	ErrUnknownJobKind = errors.New("unknown job kind")

	// ErrMaxIterationsReached means the fix iteration cap was hit without
	// a retry-label override.
	ErrMaxIterationsReached = errors.New("max fix iterations reached")
)

// StorageError wraps a failure from the Job Store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage: " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err as a StorageError unless err is already nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// UpstreamError wraps a failure from the hosting REST client or the agent
// runner after the resilience stack has exhausted its retries.
type UpstreamError struct {
	Collaborator string
	Err          error
}

func (e *UpstreamError) Error() string {
	return "upstream(" + e.Collaborator + "): " + e.Err.Error()
}
func (e *UpstreamError) Unwrap() error { return e.Err }

// NewUpstreamError wraps err as an UpstreamError unless err is nil.
func NewUpstreamError(collaborator string, err error) error {
	if err == nil {
		return nil
	}
	return &UpstreamError{Collaborator: collaborator, Err: err}
}

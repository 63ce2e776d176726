package scrape

import (
	"errors"
	"fmt"
)

// Sentinel errors usable with errors.Is.
var (
	ErrTargetNotFound   = errors.New("scrape target not found")
	ErrConflict         = errors.New("scrape target already has an active job")
	ErrInvalidRequest   = errors.New("scrape request rejected as invalid")
	ErrNotYetCancelable = errors.New("job is not yet cancelable")
	ErrCancelTimeout    = errors.New("cancellation timed out")
	ErrCancelRejected   = errors.New("cancellation rejected")
	ErrMalformedEvent   = errors.New("malformed progress event")
	ErrUnknownJob       = errors.New("job is not tracked")
	ErrStreamClosed     = errors.New("progress stream closed")
	ErrTransport        = errors.New("collaborator transport failure")
)

// SubmissionErrorKind classifies submission failures.
type SubmissionErrorKind string

// Submission failure kinds.
const (
	SubmitTargetNotFound SubmissionErrorKind = "target_not_found"
	SubmitConflict       SubmissionErrorKind = "conflict"
	SubmitInvalid        SubmissionErrorKind = "invalid"
	SubmitTransport      SubmissionErrorKind = "transport"
)

// SubmissionError reports why a job could not be started. None of these are
// retried automatically.
type SubmissionError struct {
	Kind   SubmissionErrorKind
	Target int64
	Status int
	Reason string
	Err    error
}

func (e *SubmissionError) Error() string {
	msg := fmt.Sprintf("submit scrape for target %d: %s", e.Target, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel that corresponds to the error kind.
func (e *SubmissionError) Is(target error) bool {
	switch e.Kind {
	case SubmitTargetNotFound:
		return target == ErrTargetNotFound
	case SubmitConflict:
		return target == ErrConflict
	case SubmitInvalid:
		return target == ErrInvalidRequest
	case SubmitTransport:
		return target == ErrTransport
	}
	return false
}

// CancellationErrorKind classifies cancellation failures.
type CancellationErrorKind string

// Cancellation failure kinds.
const (
	CancelNotYetCancelable CancellationErrorKind = "not_yet_cancelable"
	CancelTimeout          CancellationErrorKind = "timeout"
	CancelRejected         CancellationErrorKind = "rejected"
	CancelTransport        CancellationErrorKind = "transport"
)

// CancellationError reports why a cancellation did not take effect. The job's
// local state is never modified when one is returned.
type CancellationError struct {
	Kind     CancellationErrorKind
	RecordID string
	Reason   string
	Err      error
}

func (e *CancellationError) Error() string {
	msg := "cancel scrape"
	if e.RecordID != "" {
		msg += " " + e.RecordID
	}
	msg += ": " + string(e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CancellationError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel that corresponds to the error kind.
func (e *CancellationError) Is(target error) bool {
	switch e.Kind {
	case CancelNotYetCancelable:
		return target == ErrNotYetCancelable
	case CancelTimeout:
		return target == ErrCancelTimeout
	case CancelRejected:
		return target == ErrCancelRejected
	case CancelTransport:
		return target == ErrTransport
	}
	return false
}

package model

import "errors"

// Kind classifies a download failure into the taxonomy used for retry
// decisions and for the error messages surfaced to event subscribers.
type Kind string

const (
	KindInvalidURL        Kind = "invalid_url"
	KindDuplicateURL      Kind = "duplicate_url"
	KindNetworkError      Kind = "network_error"
	KindServerError       Kind = "server_error"
	KindRangeUnsupported  Kind = "range_unsupported"
	KindDiskError         Kind = "disk_error"
	KindIntegrityError    Kind = "integrity_error"
	KindInsufficientSpace Kind = "insufficient_space"
	KindPersistenceError  Kind = "persistence_error"
	KindCancelled         Kind = "cancelled"
)

// Error wraps a Kind with the underlying cause, so callers can branch on
// classification with errors.As while still keeping the original message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified Error.
func NewError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// ErrCancelled is returned by engine operations interrupted by a pause or
// cancel request; callers distinguish it from genuine failures.
var ErrCancelled = NewError(KindCancelled, "operation cancelled", nil)

// ErrRangeSatisfied is returned when a server responds 416 Requested Range
// Not Satisfiable to a resume request. Per RFC 7233 this almost always
// means the requested start offset is already at or past the resource's
// end — i.e. the part was already fully downloaded before a crash or
// pause — so it is treated as completion, not failure.
var ErrRangeSatisfied = NewError(KindServerError, "requested range not satisfiable", nil)

// ErrDuplicate is returned when a URL is already tracked by an active task.
var ErrDuplicate = errors.New("a download for this URL is already in progress")

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, defaulting to KindNetworkError for unclassified failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNetworkError
}

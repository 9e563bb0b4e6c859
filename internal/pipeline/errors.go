package pipeline

import (
	"context"
	"errors"
)

// Run failures. Errors returned by the controller wrap one of these; test
// with errors.Is.
var (
	// ErrSourceUnavailable means the video file or camera could not be opened.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrReferenceUnresolvable means no reference image contained a face.
	ErrReferenceUnresolvable = errors.New("no face found in reference images")
	// ErrPersistence is a failed crop save or record insert. It never aborts
	// a run.
	ErrPersistence = errors.New("persistence failure")
	// ErrSessionNotFound is an unknown or expired live session id.
	ErrSessionNotFound = errors.New("session not found")
)

// Error kinds carried by error and warning events.
const (
	KindSourceUnavailable     = "source_unavailable"
	KindReferenceUnresolvable = "reference_unresolvable"
	KindPersistence           = "persistence_failure"
	KindSessionNotFound       = "session_not_found"
	KindCancelled             = "cancelled"
	KindInternal              = "internal"
)

// KindOf maps an error to its event kind.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSourceUnavailable):
		return KindSourceUnavailable
	case errors.Is(err, ErrReferenceUnresolvable):
		return KindReferenceUnresolvable
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	case errors.Is(err, ErrSessionNotFound):
		return KindSessionNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindInternal
	}
}

/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package errclass holds the stable, machine-readable error classes shared by
// the race core and its collaborators.
package errclass

import "fmt"

// RaceError is a coded error. Two RaceErrors match under errors.Is when their
// codes match, regardless of message.
type RaceError struct {
	Code    string
	Message string
}

func (e *RaceError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RaceError) Is(target error) bool {
	t, ok := target.(*RaceError)
	return ok && e.Code == t.Code
}

// WithMessage returns a new RaceError with the same Code but a specific message.
func (e *RaceError) WithMessage(msg string) *RaceError {
	return &RaceError{Code: e.Code, Message: msg}
}

// WithMessagef returns a new RaceError with a formatted message.
func (e *RaceError) WithMessagef(format string, args ...any) *RaceError {
	return &RaceError{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

var (
	// Parsing/classification failures. Resolved locally to a no-op.
	ErrInvalidReference = &RaceError{Code: "E_INVALID_REFERENCE"}
	// Content provider failures. Surfaced to the presentation layer.
	ErrContentUnavailable = &RaceError{Code: "E_CONTENT_UNAVAILABLE"}
	// Redundant start or finish. Absorbed, never returned to callers.
	ErrDuplicateTransition = &RaceError{Code: "E_DUPLICATE_TRANSITION"}
	// Win check skipped because the session has no target.
	ErrMissingTarget = &RaceError{Code: "E_MISSING_TARGET"}

	// No race with that id in the store.
	ErrSessionNotFound = &RaceError{Code: "E_SESSION_NOT_FOUND"}
	// The player never joined the race.
	ErrParticipantNotFound = &RaceError{Code: "E_PARTICIPANT_NOT_FOUND"}
	// Joining a race that already started.
	ErrNotWaiting = &RaceError{Code: "E_NOT_WAITING"}
	// Someone other than the host tried to start.
	ErrNotHost = &RaceError{Code: "E_NOT_HOST"}
	// Neither the title nor a keyword search names an article.
	ErrDocumentNotFound = &RaceError{Code: "E_DOCUMENT_NOT_FOUND"}
	// Start and target picked the same article.
	ErrSameDocument = &RaceError{Code: "E_SAME_DOCUMENT"}
)

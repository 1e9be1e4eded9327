package crawler

import "errors"

var (
	// ErrNotFound is returned when a store lookup finds no row.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned for a status move the table forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrTransientFetch marks fetch failures worth retrying (timeouts, 5xx).
	ErrTransientFetch = errors.New("transient fetch error")
	// ErrPermanentFetch marks fetch failures that will not improve (404, blocked, paywall).
	ErrPermanentFetch = errors.New("permanent fetch error")
	// ErrExtraction marks content that could not be parsed.
	ErrExtraction = errors.New("extraction failed")
	// ErrValidation marks content rejected before scoring.
	ErrValidation = errors.New("content validation failed")
	// ErrScorerUnavailable marks a scorer that could not answer.
	ErrScorerUnavailable = errors.New("scorer unavailable")
)

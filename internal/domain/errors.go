package domain

import "errors"

// Failure taxonomy. Callers match with errors.Is; wrapped variants carry the
// venue detail.
var (
	// ErrRateLimited is surfaced after the client exhausts its retry budget
	// against HTTP 429 responses.
	ErrRateLimited = errors.New("venue rate limited")

	// ErrNetworkFailure covers transport-level failures and 5xx responses
	// that survived the retry schedule.
	ErrNetworkFailure = errors.New("venue network failure")

	// ErrVenueRejected marks a semantically invalid request (bad tick,
	// insufficient margin, embedded suborder rejection). Never retried.
	ErrVenueRejected = errors.New("venue rejected request")

	// ErrInstrumentFetch isolates a single instrument's context build
	// failure; the cycle skips the instrument and continues.
	ErrInstrumentFetch = errors.New("instrument fetch failed")

	// ErrCycleAborted is the terminal state of a cooperatively cancelled
	// cycle. It is a status, not a fault.
	ErrCycleAborted = errors.New("cycle aborted")

	// ErrTooSmallOrder rejects an intent whose capped size fell below the
	// minimum notional. Treated as an informational no-op.
	ErrTooSmallOrder = errors.New("order below minimum notional")
)

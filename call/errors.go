package call

import "errors"

// Sentinel errors for call package operations.
// These errors enable reliable error classification using errors.Is().
// Most of them mark expected races that resolve as no-ops; only media
// engine failures during call setup are surfaced to the user.

// Session context errors.
var (
	// ErrMissingCallContext indicates an operation needing a call id, peer,
	// pending offer or media engine ran while one was absent.
	ErrMissingCallContext = errors.New("missing call context")

	// ErrWrongCall indicates a message or result referenced a call id that is
	// not the session's current one.
	ErrWrongCall = errors.New("message is for a different call")

	// ErrSelfAnswer indicates an answer arrived from this device's own
	// address, a multi-device echo.
	ErrSelfAnswer = errors.New("answer from own address")
)

// Dispatch errors.
var (
	// ErrStateViolation indicates an event was applied from a state outside
	// its legal set. The event is dropped and the state is unchanged.
	ErrStateViolation = errors.New("event not legal in current state")

	// ErrStaleAsyncResult indicates an async continuation's snapshot no
	// longer matches the live session. The result is discarded.
	ErrStaleAsyncResult = errors.New("state changed since request")

	// ErrServiceStopped indicates a command was submitted after shutdown.
	ErrServiceStopped = errors.New("call service is stopped")
)

// Setup errors.
var (
	// ErrOfferExpired indicates the pending offer was older than the expiry
	// window when the user answered.
	ErrOfferExpired = errors.New("pending offer expired")

	// ErrSendFailed indicates a call-setup message could not be delivered.
	ErrSendFailed = errors.New("signaling send failed")
)

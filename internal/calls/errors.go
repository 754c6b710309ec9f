package calls

import "errors"

// Error taxonomy shared by the signaling service, its stores and the client
// state machines. Callers match with errors.Is.
var (
	// ErrStoreUnavailable means the call record store could not be reached.
	ErrStoreUnavailable = errors.New("calls: store unavailable")

	// ErrInvalidTransition means the record was already in a status the
	// requested operation cannot leave. The losing side of a race gets this.
	ErrInvalidTransition = errors.New("calls: invalid status transition")

	// ErrNoCandidates means ranking produced nothing to call.
	ErrNoCandidates = errors.New("calls: no candidates available")

	// ErrSubscriptionLost means a live feed dropped unexpectedly.
	ErrSubscriptionLost = errors.New("calls: subscription lost")

	ErrNotFound        = errors.New("calls: record not found")
	ErrForbidden       = errors.New("calls: actor may not perform this operation")
	ErrInvalidArgument = errors.New("calls: invalid argument")
)

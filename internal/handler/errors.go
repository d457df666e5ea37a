package handler

import "errors"

// Error kinds for dispatch failures. Collaborator failures are caught at
// the handler boundary, mapped to a terminal error node and a status
// edit; they never propagate out of HandleMessage. Contract violations
// from the tree queue do propagate so callers can log them loudly.
var (
	// ErrInvalidMessage marks input rejected before dispatch: empty or
	// whitespace-only text. Nothing is persisted for these.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrSessionAcquisition marks a session provider failure before the
	// turn started. The node goes pending -> error directly.
	ErrSessionAcquisition = errors.New("session acquisition failed")

	// ErrTurnExecution marks an agent-side failure or timeout mid-turn.
	ErrTurnExecution = errors.New("turn execution failed")

	// ErrCancelled marks an explicit stop request. Same transitions as a
	// turn failure, but status text differs.
	ErrCancelled = errors.New("cancelled")
)

const (
	// reasonAncestorFailed is inherited by pending descendants during
	// cascade cancellation.
	reasonAncestorFailed = "ancestor failed"

	// reasonStopped is applied by a global stop request.
	reasonStopped = "stopped by user"

	// reasonRestarted is applied at recovery to nodes persisted in a
	// non-terminal state: their in-flight turns did not survive the
	// process boundary.
	reasonRestarted = "process restarted"
)

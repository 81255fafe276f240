package chat

import "errors"

// Sentinel errors for the failure taxonomy. Callers match with errors.Is;
// components wrap these with context via fmt.Errorf("...: %w", err).
var (
	// ErrConnectivity indicates the shared store is unreachable. It is
	// recovered locally by a mode switch, never surfaced to chat users.
	ErrConnectivity = errors.New("shared store unreachable")

	// ErrLockTimeout indicates a lock was not acquired within the
	// caller's deadline.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrCapacityExceeded indicates admission was refused by the
	// degradation policy.
	ErrCapacityExceeded = errors.New("connection capacity exceeded")

	// ErrProtocol indicates a malformed frame; the connection is closed
	// with an explicit close code.
	ErrProtocol = errors.New("protocol error")

	// ErrStaleConnection indicates a heartbeat timeout.
	ErrStaleConnection = errors.New("stale connection")
)

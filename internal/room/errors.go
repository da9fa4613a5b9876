package room

import "errors"

var (
	// ErrRoomNotFound is returned when a join targets a room code that
	// does not exist or has expired. Surfaced to the caller, not retried.
	ErrRoomNotFound = errors.New("room not found")

	// ErrPermissionDenied is returned when a non-host attempts a
	// host-gated timer action. State is unchanged.
	ErrPermissionDenied = errors.New("only the host may control the timer")

	// ErrTransportUnavailable wraps publish/subscribe failures. Local
	// state still applies optimistically; the next heartbeat or tick is
	// the retry.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrChatRateLimited is returned when the local rate limiter rejects
	// an outgoing chat message.
	ErrChatRateLimited = errors.New("sending messages too quickly")

	// ErrSessionClosed is returned for operations on a session after
	// Leave.
	ErrSessionClosed = errors.New("session closed")
)

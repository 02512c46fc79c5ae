package rtp

import "errors"

// Sentinel errors for rtp package operations.
// These errors enable reliable error classification using errors.Is().

// Jitter buffer errors.
var (
	// ErrNilPacket indicates a nil packet was handed to the buffer.
	ErrNilPacket = errors.New("packet cannot be nil")

	// ErrDuplicatePacket indicates the sequence number is already buffered.
	ErrDuplicatePacket = errors.New("duplicate packet")

	// ErrLatePacket indicates the sequence number has already been played out.
	ErrLatePacket = errors.New("packet arrived after playout")
)

// Session errors.
var (
	// ErrSessionClosed indicates the session no longer accepts packets.
	ErrSessionClosed = errors.New("session closed")

	// ErrUnexpectedSSRC indicates a media packet from a second stream.
	ErrUnexpectedSSRC = errors.New("unexpected SSRC")

	// ErrInvalidConfig indicates a session or packetizer setting is out of range.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Transport integration errors.
var (
	// ErrSessionExists indicates a session is already bound to the address.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionNotFound indicates no session is bound to the address.
	ErrSessionNotFound = errors.New("session not found")
)

// Monitor errors.
var (
	// ErrAlreadyRunning is returned when starting a monitor that is running.
	ErrAlreadyRunning = errors.New("monitor is already running")
)

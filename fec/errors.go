package fec

import "errors"

// Parse errors.
var (
	// ErrMalformedHeader indicates the FEC payload is shorter than its headers claim.
	ErrMalformedHeader = errors.New("malformed FEC header")

	// ErrUnsupportedFormat indicates a FEC feature this package does not decode,
	// currently the long-mask level header.
	ErrUnsupportedFormat = errors.New("unsupported FEC format")
)

// Reconstruction errors.
var (
	// ErrUncorrectable indicates more than one protected packet is missing.
	ErrUncorrectable = errors.New("more than one protected packet missing")

	// ErrInternalInconsistency indicates the held packet set changed between
	// loss classification and reconstruction.
	ErrInternalInconsistency = errors.New("held packets changed during reconstruction")

	// ErrAllocation indicates a scratch buffer would exceed the processing limit.
	ErrAllocation = errors.New("scratch buffer allocation refused")

	// ErrCorruptRecovery indicates the recovered bits do not form a valid packet.
	ErrCorruptRecovery = errors.New("recovered packet is corrupt")
)

// Encoder errors.
var (
	// ErrEmptyGroup indicates Encode was called without media packets.
	ErrEmptyGroup = errors.New("no media packets to protect")

	// ErrGroupTooWide indicates the media packets span more than MaxGroupSize sequence numbers.
	ErrGroupTooWide = errors.New("media packets do not fit in one FEC mask")
)

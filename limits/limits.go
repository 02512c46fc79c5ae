// Package limits provides centralized packet and buffer size limits for the
// RTP/FEC stack. This ensures consistent validation across transport, jitter
// buffer and FEC reconstruction.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxDatagram is the largest datagram the UDP transport reads.
	MaxDatagram = 2048

	// MaxRTPPacket is the largest RTP packet accepted from the network.
	// One byte of the datagram is taken by the transport packet type.
	MaxRTPPacket = MaxDatagram - 1

	// MinRTPPacket is the fixed RTP header size; anything shorter is not RTP.
	MinRTPPacket = 12

	// MaxScratchBuffer bounds FEC recovery scratch space. The 16-bit
	// protection length aligned up to 8 bytes fits exactly.
	MaxScratchBuffer = 64 * 1024

	// MaxJitterPackets bounds the number of packets a jitter buffer holds.
	MaxJitterPackets = 4096
)

var (
	// ErrPacketEmpty indicates an empty packet was provided
	ErrPacketEmpty = errors.New("empty packet")

	// ErrPacketTooSmall indicates a packet shorter than the protocol minimum
	ErrPacketTooSmall = errors.New("packet too small")

	// ErrPacketTooLarge indicates packet exceeds maximum size
	ErrPacketTooLarge = errors.New("packet too large")

	// ErrBufferTooLarge indicates a requested buffer exceeds its limit
	ErrBufferTooLarge = errors.New("buffer too large")
)

// ValidatePacketSize validates a packet against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidatePacketSize(packet []byte, maxSize int) error {
	if len(packet) == 0 {
		return ErrPacketEmpty
	}
	if len(packet) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrPacketTooLarge, len(packet), maxSize)
	}
	return nil
}

// ValidateRTPPacket checks that data can hold an RTP header and fits in a datagram.
func ValidateRTPPacket(data []byte) error {
	if len(data) == 0 {
		return ErrPacketEmpty
	}
	if len(data) < MinRTPPacket {
		return fmt.Errorf("%w: size %d below RTP header size %d", ErrPacketTooSmall, len(data), MinRTPPacket)
	}
	if len(data) > MaxRTPPacket {
		return fmt.Errorf("%w: RTP size %d exceeds limit %d", ErrPacketTooLarge, len(data), MaxRTPPacket)
	}
	return nil
}

// ValidateScratchSize checks a FEC scratch allocation against MaxScratchBuffer.
func ValidateScratchSize(size int) error {
	if size < 0 || size > MaxScratchBuffer {
		return fmt.Errorf("%w: scratch size %d exceeds limit %d", ErrBufferTooLarge, size, MaxScratchBuffer)
	}
	return nil
}

// ValidateJitterCapacity checks a jitter buffer capacity against MaxJitterPackets.
func ValidateJitterCapacity(capacity int) error {
	if capacity <= 0 || capacity > MaxJitterPackets {
		return fmt.Errorf("%w: jitter capacity %d outside 1..%d", ErrBufferTooLarge, capacity, MaxJitterPackets)
	}
	return nil
}

// Package limits provides centralized packet and buffer size constants and
// validation functions for the RTP/FEC stack.
//
// # Size Hierarchy
//
//   - MinRTPPacket (12 bytes): the fixed RTP header. Shorter datagrams are
//     rejected before they reach the jitter buffer.
//
//   - MaxRTPPacket (2047 bytes): the largest RTP packet carried by the
//     transport, one byte below MaxDatagram for the packet type prefix.
//
//   - MaxScratchBuffer (64 KiB): the largest XOR accumulator FEC recovery
//     allocates. The level header's 16-bit protection length, aligned up to
//     eight bytes, always fits.
//
//   - MaxJitterPackets (4096): an upper bound on jitter buffer capacity.
//
// # Validation Functions
//
//	if err := limits.ValidateRTPPacket(data); err != nil {
//	    // ErrPacketEmpty, ErrPacketTooSmall or ErrPacketTooLarge
//	}
//
// All errors wrap one of the package sentinels and can be matched with
// errors.Is.
package limits

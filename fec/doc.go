// Package fec implements RTP parity forward error correction in the style of
// RFC 5109 (ULP level 0 with a short 16-bit mask).
//
// A FEC packet is an ordinary RTP packet whose payload starts with a 10-byte
// FEC header followed by a 4-byte level header and the level payload:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|E|L|P|X|  CC   |M| PT recovery |            SN base            |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                          TS recovery                          |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|        length recovery        |       Protection Length       |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|             mask              |   level payload ...           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//
// Bit 15 of the mask covers SN base, bit 0 covers SN base + 15. The level
// payload is the XOR of the zero-padded payloads of every protected packet,
// so exactly one lost packet per FEC group can be rebuilt.
//
// # Receiving
//
// The engine is a pure function of the packets currently held by the
// caller's jitter buffer and one FEC packet:
//
//	pkt, outcome, err := fec.Reconstruct(buffer, fecPacket)
//	switch outcome {
//	case fec.OutcomeReconstructed:
//	    buffer.Insert(pkt)
//	case fec.OutcomeUncorrectable:
//	    // more than one packet of the group is gone
//	}
//
// Anything that can look packets up by sequence number satisfies
// PacketLookup; PacketMap is the simplest implementation.
//
// # Sending
//
// Encoder builds the matching FEC packet for a group of up to 16 media
// packets:
//
//	enc := fec.NewEncoder(127, ssrc)
//	fecPacket, err := enc.Encode(group)
//
// # Limitations
//
// The long-mask (L bit) level header is rejected with ErrUnsupportedFormat.
// Only one protection level is read.
package fec

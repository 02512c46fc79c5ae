package fec

import (
	"fmt"
	"math"

	"github.com/pion/rtp"
)

// Encoder builds level-0 FEC packets for groups of media packets. It owns
// the sequence number space of the FEC stream and is not safe for
// concurrent use.
type Encoder struct {
	payloadType uint8
	ssrc        uint32
	sequence    uint16
}

// NewEncoder creates an Encoder that emits FEC packets with the given RTP
// payload type and SSRC.
func NewEncoder(payloadType uint8, ssrc uint32) *Encoder {
	return &Encoder{
		payloadType: payloadType,
		ssrc:        ssrc,
	}
}

// SetSequence sets the sequence number of the next FEC packet.
func (e *Encoder) SetSequence(seq uint16) {
	e.sequence = seq
}

// Encode returns the FEC packet protecting media. The packets may arrive in
// any order and need not be contiguous, but must all fall within
// MaxGroupSize sequence numbers of the earliest one.
func (e *Encoder) Encode(media []*rtp.Packet) (*rtp.Packet, error) {
	if len(media) == 0 {
		return nil, ErrEmptyGroup
	}

	snBase := media[0].SequenceNumber
	latest := media[0]
	seqs := make([]uint16, 0, len(media))
	seen := make(map[uint16]struct{}, len(media))
	for _, p := range media {
		if _, dup := seen[p.SequenceNumber]; dup {
			return nil, fmt.Errorf("%w: sequence %d appears twice", ErrGroupTooWide, p.SequenceNumber)
		}
		seen[p.SequenceNumber] = struct{}{}
		seqs = append(seqs, p.SequenceNumber)

		if SeqLess(p.SequenceNumber, snBase) {
			snBase = p.SequenceNumber
		}
		if SeqLess(latest.SequenceNumber, p.SequenceNumber) {
			latest = p
		}
	}

	mask, ok := BuildMask(snBase, seqs)
	if !ok {
		return nil, fmt.Errorf("%w: base %d", ErrGroupTooWide, snBase)
	}

	var (
		bits    [HeaderSize]byte
		payload []byte
	)
	for _, p := range media {
		raw, err := p.Marshal()
		if err != nil {
			return nil, fmt.Errorf("marshal media packet %d: %w", p.SequenceNumber, err)
		}
		body := raw[RTPHeaderSize:]
		if len(body) > math.MaxUint16 {
			return nil, fmt.Errorf("media packet %d payload of %d bytes cannot be protected", p.SequenceNumber, len(body))
		}
		if len(body) > len(payload) {
			grown := make([]byte, len(body))
			copy(grown, payload)
			payload = grown
		}

		xorHeaderBits(&bits, raw, len(body))
		xorBytes(payload, body)
	}

	var fp Packet
	if err := fp.Header.Unmarshal(bits[:]); err != nil {
		return nil, err
	}
	fp.Header.ExtensionFlag = false
	fp.Header.LongMask = false
	fp.Header.SNBase = snBase
	fp.Level = LevelHeader{
		ProtectionLength: uint16(len(payload)),
		Mask:             mask,
	}
	fp.Payload = payload

	body, err := fp.Marshal()
	if err != nil {
		return nil, err
	}

	out := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    e.payloadType,
			SequenceNumber: e.sequence,
			Timestamp:      latest.Timestamp,
			SSRC:           e.ssrc,
		},
		Payload: body,
	}
	e.sequence++

	return out, nil
}

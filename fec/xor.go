package fec

import (
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/rtpfec/limits"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

const (
	rtpVersion2  = 0x80
	rtpFlagsMask = 0x3f

	// scratchAlign pads the payload accumulator so every operand is XORed
	// over the same zero-padded length.
	scratchAlign = 8
)

// Recover rebuilds the single missing packet of a FEC group.
//
// The header is recovered from the 80-bit bit string (first 8 header bytes
// plus the 16-bit payload length) of every present packet XORed with the FEC
// header. The payload is recovered by XORing every present payload into the
// level payload. The sequence number is the missing one; the SSRC is copied
// from a present packet, or fallbackSSRC when the group has no other member.
func Recover(pkt *Packet, loss Loss, held PacketLookup, fallbackSSRC uint32) (*rtp.Packet, error) {
	if len(loss.Missing) != 1 {
		return nil, fmt.Errorf("%w: recovery needs exactly one missing packet, have %d",
			ErrInternalInconsistency, len(loss.Missing))
	}
	missing := loss.Missing[0]

	scratchLen := alignUp(len(pkt.Payload), scratchAlign)
	if err := limits.ValidateScratchSize(scratchLen); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocation, err)
	}
	payload := make([]byte, scratchLen)

	var (
		bits   [HeaderSize]byte
		length uint32
		ssrc   = fallbackSSRC
	)

	for i, seq := range loss.Present {
		media, ok := held.Lookup(seq)
		if !ok {
			logrus.WithFields(logrus.Fields{
				"function": "Recover",
				"sequence": seq,
				"sn_base":  pkt.Header.SNBase,
			}).Error("Protected packet vanished between classification and recovery")
			return nil, fmt.Errorf("%w: sequence %d no longer held", ErrInternalInconsistency, seq)
		}

		raw, err := media.Marshal()
		if err != nil {
			return nil, fmt.Errorf("%w: marshal sequence %d: %v", ErrInternalInconsistency, seq, err)
		}
		body := raw[RTPHeaderSize:]
		if len(body) > scratchLen {
			return nil, fmt.Errorf("%w: sequence %d carries %d bytes, protection covers %d",
				ErrCorruptRecovery, seq, len(body), len(pkt.Payload))
		}

		xorHeaderBits(&bits, raw, len(body))
		xorBytes(payload, body)
		length ^= uint32(len(body))

		if i == 0 {
			ssrc = media.SSRC
		}
	}

	fecBits := pkt.headerBits()
	for i := range bits {
		bits[i] ^= fecBits[i]
	}
	xorBytes(payload, pkt.Payload)
	length ^= uint32(pkt.Header.LengthRecovery)

	if length > uint32(len(pkt.Payload)) {
		return nil, fmt.Errorf("%w: recovered length %d exceeds protection length %d",
			ErrCorruptRecovery, length, len(pkt.Payload))
	}

	out := make([]byte, RTPHeaderSize+int(length))
	out[0] = rtpVersion2 | bits[0]&rtpFlagsMask
	out[1] = bits[1]
	binary.BigEndian.PutUint16(out[2:4], missing)
	copy(out[4:8], bits[4:8])
	binary.BigEndian.PutUint32(out[8:12], ssrc)
	copy(out[RTPHeaderSize:], payload[:length])

	recovered := &rtp.Packet{}
	if err := recovered.Unmarshal(out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecovery, err)
	}

	return recovered, nil
}

// xorHeaderBits folds one packet's 80-bit recovery string into bits.
func xorHeaderBits(bits *[HeaderSize]byte, raw []byte, payloadLen int) {
	for i := 0; i < 8; i++ {
		bits[i] ^= raw[i]
	}
	bits[8] ^= byte(payloadLen >> 8)
	bits[9] ^= byte(payloadLen)
}

// xorBytes XORs src into dst; src shorter than dst is treated as zero padded.
func xorBytes(dst, src []byte) {
	n := len(src)
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] ^= src[i]
	}
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}

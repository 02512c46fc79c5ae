package fec

import "github.com/pion/rtp"

// PacketLookup finds a held media packet by sequence number. Implementations
// are expected to key by the raw 16-bit value so wraparound needs no special
// handling.
type PacketLookup interface {
	Lookup(seq uint16) (*rtp.Packet, bool)
}

// PacketMap is a PacketLookup over a plain map.
type PacketMap map[uint16]*rtp.Packet

// NewPacketMap indexes packets by sequence number. Later duplicates win.
func NewPacketMap(packets ...*rtp.Packet) PacketMap {
	m := make(PacketMap, len(packets))
	for _, p := range packets {
		if p != nil {
			m[p.SequenceNumber] = p
		}
	}
	return m
}

// Lookup implements PacketLookup.
func (m PacketMap) Lookup(seq uint16) (*rtp.Packet, bool) {
	p, ok := m[seq]
	return p, ok && p != nil
}

// LossState summarizes a Loss.
type LossState int

const (
	// LossNone means every protected packet is held.
	LossNone LossState = iota
	// LossSingle means exactly one protected packet is missing.
	LossSingle
	// LossMultiple means the group cannot be repaired.
	LossMultiple
)

// String returns a human readable loss state.
func (s LossState) String() string {
	switch s {
	case LossNone:
		return "none"
	case LossSingle:
		return "single"
	case LossMultiple:
		return "multiple"
	default:
		return "unknown"
	}
}

// Loss splits a protected set into held and missing sequence numbers.
type Loss struct {
	Present []uint16
	Missing []uint16
}

// State classifies the loss.
func (l Loss) State() LossState {
	switch len(l.Missing) {
	case 0:
		return LossNone
	case 1:
		return LossSingle
	default:
		return LossMultiple
	}
}

// Classify checks each protected sequence number against held. It does not
// retain held or the returned packets.
func Classify(protected []uint16, held PacketLookup) Loss {
	loss := Loss{
		Present: make([]uint16, 0, len(protected)),
	}
	for _, seq := range protected {
		if _, ok := held.Lookup(seq); ok {
			loss.Present = append(loss.Present, seq)
		} else {
			loss.Missing = append(loss.Missing, seq)
		}
	}
	return loss
}

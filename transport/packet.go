package transport

import (
	"errors"
	"fmt"

	"github.com/opd-ai/rtpfec/limits"
)

// PacketType identifies what a framed datagram carries.
type PacketType byte

const (
	// PacketMedia carries one RTP media packet.
	PacketMedia PacketType = iota + 1
	// PacketFEC carries one RTP packet whose payload is a parity FEC packet.
	PacketFEC
)

// String returns the packet type name.
func (t PacketType) String() string {
	switch t {
	case PacketMedia:
		return "media"
	case PacketFEC:
		return "fec"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Packet is one framed datagram.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}

	// Format: [packet type (1 byte)][data (variable length)]
	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:], p.Data)

	if err := limits.ValidatePacketSize(result, limits.MaxDatagram); err != nil {
		return nil, err
	}
	return result, nil
}

// ParsePacket converts a byte slice to a Packet structure.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, errors.New("packet too short")
	}
	if err := limits.ValidatePacketSize(data, limits.MaxDatagram); err != nil {
		return nil, err
	}

	packet := &Packet{
		PacketType: PacketType(data[0]),
		Data:       make([]byte, len(data)-1),
	}
	copy(packet.Data, data[1:])

	return packet, nil
}

package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/opd-ai/rtpfec/fec"
	"github.com/opd-ai/rtpfec/limits"
	"github.com/opd-ai/rtpfec/transport"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// PacketizerConfig holds the send-side settings of a Packetizer.
type PacketizerConfig struct {
	// PayloadType is the payload type of media packets.
	PayloadType uint8
	// FECPayloadType is the payload type of FEC packets.
	FECPayloadType uint8
	// GroupSize is the number of media packets protected by each FEC
	// packet, 2 to fec.MaxGroupSize.
	GroupSize int
}

// DefaultPacketizerConfig returns a dynamic media payload type protected in
// groups of four.
func DefaultPacketizerConfig() PacketizerConfig {
	return PacketizerConfig{
		PayloadType:    96,
		FECPayloadType: 127,
		GroupSize:      4,
	}
}

// Validate checks payload types and group size.
func (c PacketizerConfig) Validate() error {
	if c.PayloadType > 127 || c.FECPayloadType > 127 {
		return fmt.Errorf("%w: payload types must be below 128", ErrInvalidConfig)
	}
	if c.PayloadType == c.FECPayloadType {
		return fmt.Errorf("%w: media and FEC share payload type %d", ErrInvalidConfig, c.PayloadType)
	}
	if c.GroupSize < 2 || c.GroupSize > fec.MaxGroupSize {
		return fmt.Errorf("%w: group size %d outside 2..%d", ErrInvalidConfig, c.GroupSize, fec.MaxGroupSize)
	}
	return nil
}

// PacketizerStats counts packets sent by a Packetizer.
type PacketizerStats struct {
	MediaSent uint64
	FECSent   uint64
}

// Packetizer wraps media frames in RTP packets, sends them and follows
// every GroupSize media packets with one FEC packet protecting them.
type Packetizer struct {
	mu             sync.Mutex
	config         PacketizerConfig
	ssrc           uint32
	sequenceNumber uint16
	timestamp      uint32
	group          []*rtp.Packet
	encoder        *fec.Encoder
	transport      transport.Transport
	remoteAddr     net.Addr
	stats          PacketizerStats
}

// NewPacketizer creates a packetizer sending to remoteAddr over transport.
// Media and FEC streams get independent random SSRCs.
func NewPacketizer(config PacketizerConfig, transport transport.Transport, remoteAddr net.Addr) (*Packetizer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if remoteAddr == nil {
		return nil, fmt.Errorf("remote address cannot be nil")
	}

	ssrc, err := randomSSRC()
	if err != nil {
		return nil, err
	}
	fecSSRC, err := randomSSRC()
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewPacketizer",
		"ssrc":        ssrc,
		"fec_ssrc":    fecSSRC,
		"group_size":  config.GroupSize,
		"remote_addr": remoteAddr.String(),
	}).Info("Created FEC packetizer")

	return &Packetizer{
		config:     config,
		ssrc:       ssrc,
		group:      make([]*rtp.Packet, 0, config.GroupSize),
		encoder:    fec.NewEncoder(config.FECPayloadType, fecSSRC),
		transport:  transport,
		remoteAddr: remoteAddr,
	}, nil
}

func randomSSRC() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("failed to generate SSRC: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// SSRC returns the media stream's SSRC.
func (p *Packetizer) SSRC() uint32 {
	return p.ssrc
}

// PacketizeAndSend sends one media frame covering sampleCount clock ticks.
// When the frame completes a group the group's FEC packet is sent as well.
func (p *Packetizer) PacketizeAndSend(payload []byte, sampleCount uint32, marker bool) error {
	if len(payload) == 0 {
		return fmt.Errorf("payload cannot be empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    p.config.PayloadType,
			SequenceNumber: p.sequenceNumber,
			Timestamp:      p.timestamp,
			SSRC:           p.ssrc,
		},
		Payload: append([]byte(nil), payload...),
	}

	if err := p.sendLocked(transport.PacketMedia, packet); err != nil {
		return fmt.Errorf("failed to send media packet: %w", err)
	}
	p.stats.MediaSent++
	p.sequenceNumber++
	p.timestamp += sampleCount

	p.group = append(p.group, packet)
	if len(p.group) < p.config.GroupSize {
		return nil
	}
	return p.flushLocked()
}

// Flush sends a FEC packet for a partially filled group.
func (p *Packetizer) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.group) == 0 {
		return nil
	}
	return p.flushLocked()
}

func (p *Packetizer) flushLocked() error {
	group := p.group
	p.group = p.group[:0:0]

	fecPacket, err := p.encoder.Encode(group)
	if err != nil {
		return fmt.Errorf("failed to encode FEC packet: %w", err)
	}
	if err := p.sendLocked(transport.PacketFEC, fecPacket); err != nil {
		return fmt.Errorf("failed to send FEC packet: %w", err)
	}
	p.stats.FECSent++

	logrus.WithFields(logrus.Fields{
		"function":     "Packetizer.flush",
		"fec_sequence": fecPacket.SequenceNumber,
		"first":        group[0].SequenceNumber,
		"protected":    len(group),
	}).Debug("Sent FEC packet")

	return nil
}

func (p *Packetizer) sendLocked(packetType transport.PacketType, packet *rtp.Packet) error {
	data, err := packet.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal RTP packet: %w", err)
	}
	if err := limits.ValidateRTPPacket(data); err != nil {
		return err
	}

	return p.transport.Send(&transport.Packet{PacketType: packetType, Data: data}, p.remoteAddr)
}

// Stats returns the number of media and FEC packets sent.
func (p *Packetizer) Stats() PacketizerStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.stats
}

package fec

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// HeaderSize is the size of the FEC header in bytes.
	HeaderSize = 10

	// LevelHeaderSize is the size of a short-mask level header in bytes.
	LevelHeaderSize = 4

	// LongLevelHeaderSize is the size of a long-mask level header. Parsing
	// it is not supported; the constant only documents the wire format.
	LongLevelHeaderSize = 8

	// RTPHeaderSize is the fixed RTP header size the recovery bit strings
	// are computed over.
	RTPHeaderSize = 12

	// MaxGroupSize is the number of sequence numbers a short mask covers.
	MaxGroupSize = 16
)

const (
	extensionFlagBit = 0x80
	longMaskBit      = 0x40
	paddingBit       = 0x20
	extensionBit     = 0x10
	csrcCountMask    = 0x0f
	markerBit        = 0x80
	payloadTypeMask  = 0x7f
)

// Header is the 10-byte FEC header.
type Header struct {
	ExtensionFlag       bool
	LongMask            bool
	Padding             bool
	Extension           bool
	CSRCCount           uint8
	Marker              bool
	PayloadTypeRecovery uint8
	SNBase              uint16
	TimestampRecovery   uint32
	LengthRecovery      uint16
}

// Unmarshal parses the FEC header from the first HeaderSize bytes of buf.
func (h *Header) Unmarshal(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("%w: header needs %d bytes, got %d", ErrMalformedHeader, HeaderSize, len(buf))
	}

	h.ExtensionFlag = buf[0]&extensionFlagBit != 0
	h.LongMask = buf[0]&longMaskBit != 0
	h.Padding = buf[0]&paddingBit != 0
	h.Extension = buf[0]&extensionBit != 0
	h.CSRCCount = buf[0] & csrcCountMask
	h.Marker = buf[1]&markerBit != 0
	h.PayloadTypeRecovery = buf[1] & payloadTypeMask
	h.SNBase = binary.BigEndian.Uint16(buf[2:4])
	h.TimestampRecovery = binary.BigEndian.Uint32(buf[4:8])
	h.LengthRecovery = binary.BigEndian.Uint16(buf[8:10])

	return nil
}

// Marshal serializes the header into a new HeaderSize byte slice.
func (h Header) Marshal() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	if _, err := h.MarshalTo(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// MarshalTo serializes the header into buf and returns the bytes written.
func (h Header) MarshalTo(buf []byte) (int, error) {
	if len(buf) < HeaderSize {
		return 0, io.ErrShortBuffer
	}

	h.putHeader((*[HeaderSize]byte)(buf))
	return HeaderSize, nil
}

func (h Header) putHeader(buf *[HeaderSize]byte) {
	buf[0] = h.CSRCCount & csrcCountMask
	if h.ExtensionFlag {
		buf[0] |= extensionFlagBit
	}
	if h.LongMask {
		buf[0] |= longMaskBit
	}
	if h.Padding {
		buf[0] |= paddingBit
	}
	if h.Extension {
		buf[0] |= extensionBit
	}

	buf[1] = h.PayloadTypeRecovery & payloadTypeMask
	if h.Marker {
		buf[1] |= markerBit
	}

	binary.BigEndian.PutUint16(buf[2:4], h.SNBase)
	binary.BigEndian.PutUint32(buf[4:8], h.TimestampRecovery)
	binary.BigEndian.PutUint16(buf[8:10], h.LengthRecovery)
}

// LevelHeader is the short-mask FEC level header.
type LevelHeader struct {
	ProtectionLength uint16
	Mask             uint16
}

// Unmarshal parses the level header from the first LevelHeaderSize bytes of buf.
func (l *LevelHeader) Unmarshal(buf []byte) error {
	if len(buf) < LevelHeaderSize {
		return fmt.Errorf("%w: level header needs %d bytes, got %d", ErrMalformedHeader, LevelHeaderSize, len(buf))
	}

	l.ProtectionLength = binary.BigEndian.Uint16(buf[0:2])
	l.Mask = binary.BigEndian.Uint16(buf[2:4])

	return nil
}

// Marshal serializes the level header into a new LevelHeaderSize byte slice.
func (l LevelHeader) Marshal() ([]byte, error) {
	buf := make([]byte, LevelHeaderSize)
	if _, err := l.MarshalTo(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// MarshalTo serializes the level header into buf and returns the bytes written.
func (l LevelHeader) MarshalTo(buf []byte) (int, error) {
	if len(buf) < LevelHeaderSize {
		return 0, io.ErrShortBuffer
	}

	binary.BigEndian.PutUint16(buf[0:2], l.ProtectionLength)
	binary.BigEndian.PutUint16(buf[2:4], l.Mask)

	return LevelHeaderSize, nil
}

// Packet is a parsed FEC payload.
type Packet struct {
	Header  Header
	Level   LevelHeader
	Payload []byte
}

// ParsePacket parses the payload of an RTP packet carrying FEC data.
// The level payload is not copied.
func ParsePacket(payload []byte) (*Packet, error) {
	p := &Packet{}
	if err := p.Header.Unmarshal(payload); err != nil {
		return nil, err
	}
	if p.Header.LongMask {
		return nil, fmt.Errorf("%w: long mask level header", ErrUnsupportedFormat)
	}
	if err := p.Level.Unmarshal(payload[HeaderSize:]); err != nil {
		return nil, err
	}

	body := payload[HeaderSize+LevelHeaderSize:]
	if int(p.Level.ProtectionLength) > len(body) {
		return nil, fmt.Errorf("%w: protection length %d exceeds %d available bytes",
			ErrMalformedHeader, p.Level.ProtectionLength, len(body))
	}
	p.Payload = body[:p.Level.ProtectionLength]

	return p, nil
}

// Marshal serializes the FEC payload: header, level header and level payload.
func (p *Packet) Marshal() ([]byte, error) {
	if int(p.Level.ProtectionLength) != len(p.Payload) {
		return nil, fmt.Errorf("%w: protection length %d does not match payload length %d",
			ErrMalformedHeader, p.Level.ProtectionLength, len(p.Payload))
	}

	buf := make([]byte, HeaderSize+LevelHeaderSize+len(p.Payload))
	if _, err := p.Header.MarshalTo(buf); err != nil {
		return nil, err
	}
	if _, err := p.Level.MarshalTo(buf[HeaderSize:]); err != nil {
		return nil, err
	}
	copy(buf[HeaderSize+LevelHeaderSize:], p.Payload)

	return buf, nil
}

// Protected returns the sequence numbers covered by this packet's mask.
func (p *Packet) Protected() []uint16 {
	return ExpandMask(p.Header.SNBase, p.Level.Mask)
}

// headerBits returns the 10 header bytes the recovery bit string is XORed
// against. Every header bit maps to a field, so this equals the wire bytes.
func (p *Packet) headerBits() [HeaderSize]byte {
	var buf [HeaderSize]byte
	p.Header.putHeader(&buf)
	return buf
}

package rtp

import (
	"fmt"
	"net"
	"sync"

	"github.com/opd-ai/rtpfec/limits"
	"github.com/opd-ai/rtpfec/transport"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// TransportIntegration routes media and FEC packets arriving on a
// transport to the Session bound to their source address.
type TransportIntegration struct {
	mu        sync.RWMutex
	transport transport.Transport
	sessions  map[string]*Session
}

// NewTransportIntegration registers media and FEC handlers on transport.
func NewTransportIntegration(transport transport.Transport) (*TransportIntegration, error) {
	if transport == nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewTransportIntegration",
			"error":    "transport cannot be nil",
		}).Error("Invalid transport")
		return nil, fmt.Errorf("transport cannot be nil")
	}

	integration := &TransportIntegration{
		transport: transport,
		sessions:  make(map[string]*Session),
	}
	integration.setupPacketHandlers()

	logrus.WithFields(logrus.Fields{
		"function":   "NewTransportIntegration",
		"local_addr": transport.LocalAddr().String(),
	}).Info("RTP transport integration created")

	return integration, nil
}

func (ti *TransportIntegration) setupPacketHandlers() {
	ti.transport.RegisterHandler(transport.PacketMedia, ti.handleMedia)
	ti.transport.RegisterHandler(transport.PacketFEC, ti.handleFEC)
}

// CreateSession binds a new receive session to remoteAddr.
func (ti *TransportIntegration) CreateSession(remoteAddr net.Addr, config SessionConfig) (*Session, error) {
	if remoteAddr == nil {
		return nil, fmt.Errorf("remote address cannot be nil")
	}

	ti.mu.Lock()
	defer ti.mu.Unlock()

	addrKey := remoteAddr.String()
	if _, exists := ti.sessions[addrKey]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, addrKey)
	}

	session, err := NewSession(remoteAddr, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create RTP session: %w", err)
	}
	ti.sessions[addrKey] = session

	return session, nil
}

// GetSession returns the session bound to remoteAddr.
func (ti *TransportIntegration) GetSession(remoteAddr net.Addr) (*Session, bool) {
	ti.mu.RLock()
	defer ti.mu.RUnlock()

	session, exists := ti.sessions[remoteAddr.String()]
	return session, exists
}

// CloseSession closes and unbinds the session for remoteAddr.
func (ti *TransportIntegration) CloseSession(remoteAddr net.Addr) error {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	addrKey := remoteAddr.String()
	session, exists := ti.sessions[addrKey]
	if !exists {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, addrKey)
	}
	delete(ti.sessions, addrKey)

	if err := session.Close(); err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

// Sessions returns a copy of the address to session map.
func (ti *TransportIntegration) Sessions() map[string]*Session {
	ti.mu.RLock()
	defer ti.mu.RUnlock()

	sessions := make(map[string]*Session, len(ti.sessions))
	for addr, session := range ti.sessions {
		sessions[addr] = session
	}
	return sessions
}

func (ti *TransportIntegration) sessionFor(addr net.Addr) (*Session, error) {
	session, exists := ti.GetSession(addr)
	if !exists {
		logrus.WithFields(logrus.Fields{
			"function":    "TransportIntegration.sessionFor",
			"remote_addr": addr.String(),
		}).Debug("No session found for address")
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, addr.String())
	}
	return session, nil
}

func (ti *TransportIntegration) handleMedia(packet *transport.Packet, addr net.Addr) error {
	session, err := ti.sessionFor(addr)
	if err != nil {
		return err
	}

	decoded, err := decodeRTP(packet.Data)
	if err != nil {
		return err
	}

	if err := session.ReceiveMedia(decoded); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "TransportIntegration.handleMedia",
			"session_id": session.ID().String(),
			"sequence":   decoded.SequenceNumber,
			"error":      err.Error(),
		}).Debug("Media packet not buffered")
		return err
	}
	return nil
}

func (ti *TransportIntegration) handleFEC(packet *transport.Packet, addr net.Addr) error {
	session, err := ti.sessionFor(addr)
	if err != nil {
		return err
	}

	decoded, err := decodeRTP(packet.Data)
	if err != nil {
		return err
	}
	if decoded.PayloadType != session.Config().FECPayloadType {
		return fmt.Errorf("FEC packet with payload type %d, expected %d",
			decoded.PayloadType, session.Config().FECPayloadType)
	}

	_, err = session.ReceiveFEC(decoded)
	return err
}

func decodeRTP(data []byte) (*rtp.Packet, error) {
	if err := limits.ValidateRTPPacket(data); err != nil {
		return nil, err
	}

	packet := &rtp.Packet{}
	if err := packet.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal RTP packet: %w", err)
	}
	return packet, nil
}

// Close closes every session. The transport itself is left open.
func (ti *TransportIntegration) Close() error {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	for addr, session := range ti.sessions {
		if err := session.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "TransportIntegration.Close",
				"remote_addr": addr,
				"error":       err.Error(),
			}).Error("Error closing session")
		}
	}
	ti.sessions = make(map[string]*Session)

	return nil
}

package netsim

import (
	"net"
	"sync"

	"github.com/opd-ai/rtpfec/transport"
	"github.com/sirupsen/logrus"
)

// Endpoint is one attachment point on a Network. It implements
// transport.Transport.
type Endpoint struct {
	network  *Network
	addr     Addr
	mu       sync.RWMutex
	handlers map[transport.PacketType]transport.PacketHandler
	closed   bool
}

var _ transport.Transport = (*Endpoint)(nil)

// Send transmits packet to addr across the simulated link. A dropped packet
// is not an error.
func (e *Endpoint) Send(packet *transport.Packet, addr net.Addr) error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrEndpointClosed
	}

	return e.network.deliver(e.addr, packet, addr)
}

// Close detaches the endpoint from its network.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.network.detach(e.addr)
	return nil
}

// LocalAddr returns the endpoint's address.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.addr
}

// RegisterHandler registers a handler for a specific packet type.
func (e *Endpoint) RegisterHandler(packetType transport.PacketType, handler transport.PacketHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.handlers[packetType] = handler
}

func (e *Endpoint) dispatch(packet *transport.Packet, from Addr) {
	e.mu.RLock()
	handler, exists := e.handlers[packet.PacketType]
	e.mu.RUnlock()

	if !exists {
		return
	}
	if err := handler(packet, from); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "Endpoint.dispatch",
			"to":          e.addr.String(),
			"packet_type": packet.PacketType.String(),
			"error":       err.Error(),
		}).Debug("Packet handler returned error")
	}
}
